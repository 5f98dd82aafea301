package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Write after the aggregator has been closed.
var ErrClosed = errors.New("log aggregator closed")

// Overflow selects what Write does when the queue is full.
type Overflow string

const (
	// OverflowBlock makes producers wait for the consumer.
	OverflowBlock Overflow = "block"
	// OverflowDropNewest discards the record being written.
	OverflowDropNewest Overflow = "drop-newest"
	// OverflowDropOldest discards the oldest queued record to make room.
	OverflowDropOldest Overflow = "drop-oldest"
)

// ParseOverflow validates an overflow policy name. An empty name selects
// OverflowDropNewest.
func ParseOverflow(s string) (Overflow, error) {
	switch Overflow(s) {
	case "":
		return OverflowDropNewest, nil
	case OverflowBlock, OverflowDropNewest, OverflowDropOldest:
		return Overflow(s), nil
	}
	return "", fmt.Errorf("unknown log overflow policy %q", s)
}

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	// Buffer is the queue capacity in records.
	// Default: 4096
	Buffer int

	// Overflow is the policy applied when the queue is full.
	// Default: OverflowDropNewest
	Overflow Overflow

	// Fallback receives records the consumer could not write, and the
	// final drop report.
	// Default: os.Stderr
	Fallback io.Writer
}

// Aggregator serializes records from many goroutines onto a single writer.
// Producers only enqueue; one consumer goroutine owns the destination.
type Aggregator struct {
	w        io.WriteCloser
	queue    chan []byte
	overflow Overflow
	fallback io.Writer

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
	closeMu sync.Mutex
	err     error
}

// NewAggregator starts the consumer goroutine writing to w.
func NewAggregator(w io.WriteCloser, opts AggregatorOptions) *Aggregator {
	if opts.Buffer <= 0 {
		opts.Buffer = 4096
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowDropNewest
	}
	if opts.Fallback == nil {
		opts.Fallback = os.Stderr
	}

	a := &Aggregator{
		w:        w,
		queue:    make(chan []byte, opts.Buffer),
		overflow: opts.Overflow,
		fallback: opts.Fallback,
		done:     make(chan struct{}),
	}
	go a.consume()
	return a
}

// Write enqueues a copy of p as one record. It never writes to the
// destination itself.
func (a *Aggregator) Write(p []byte) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return 0, ErrClosed
	}

	rec := make([]byte, len(p))
	copy(rec, p)

	switch a.overflow {
	case OverflowBlock:
		a.queue <- rec
	case OverflowDropOldest:
		for {
			select {
			case a.queue <- rec:
				return len(p), nil
			default:
			}
			select {
			case <-a.queue:
				a.dropped.Add(1)
			default:
			}
		}
	default:
		select {
		case a.queue <- rec:
		default:
			a.dropped.Add(1)
		}
	}
	return len(p), nil
}

// Dropped returns the number of records discarded by the overflow policy.
func (a *Aggregator) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting records, drains the queue, closes the destination
// and reports any drops to the fallback writer. It is safe to call more
// than once.
func (a *Aggregator) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return a.err
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done

	if n := a.dropped.Load(); n > 0 {
		fmt.Fprintf(a.fallback, "logging: dropped %d records on queue overflow\n", n)
	}
	if err := a.w.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		a.err = fmt.Errorf("close log destination: %w", err)
	}
	return a.err
}

func (a *Aggregator) consume() {
	defer close(a.done)

	stopped := false
	for rec := range a.queue {
		if stopped {
			a.fallback.Write(rec)
			continue
		}
		if err := a.writeRecord(rec); err != nil {
			fmt.Fprintf(a.fallback, "logging: write failed: %v\n", err)
			a.fallback.Write(rec)
			if errors.Is(err, os.ErrClosed) {
				stopped = true
			}
		}
	}
}

func (a *Aggregator) writeRecord(rec []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic writing record: %v", r)
		}
	}()
	_, err = a.w.Write(rec)
	return err
}
