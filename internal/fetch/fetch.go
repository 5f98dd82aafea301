package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/ORCID/public-data-sync/internal/metrics"
	"github.com/ORCID/public-data-sync/internal/progress"
	"github.com/ORCID/public-data-sync/internal/remote"
	"github.com/ORCID/public-data-sync/internal/shard"
)

// PartSuffix is appended to a destination while it is being written.
const PartSuffix = ".part"

// ErrTooLarge is returned for objects exceeding MaxObjectSize.
var ErrTooLarge = errors.New("fetch: object exceeds size limit")

// Opener is the remote fetch capability. *remote.Buckets satisfies it.
type Opener interface {
	Open(ctx context.Context, obj shard.Object) (io.ReadCloser, error)
}

// Outcome is the result of one task.
type Outcome string

const (
	Success Outcome = "success"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Task is one object to copy to Dest.
type Task struct {
	Object shard.Object
	Dest   string
}

// Result describes a finished task. It is handed to OnResult and then
// discarded.
type Result struct {
	Task    Task
	Outcome Outcome
	Bytes   int64
	Err     error
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int
	Bytes     int64
}

func (s *Summary) add(r Result) {
	switch r.Outcome {
	case Success:
		s.Succeeded++
		s.Bytes += r.Bytes
	case Skipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// Total returns the number of finished tasks.
func (s Summary) Total() int {
	return s.Succeeded + s.Skipped + s.Failed
}

// Options configures the executor.
type Options struct {
	// Workers is the number of parallel downloads.
	// Default: 16
	Workers int

	// CallTimeout bounds a single object download.
	// Default: 2m
	CallTimeout time.Duration

	// MaxObjectSize rejects objects larger than this. Zero disables the
	// limit.
	MaxObjectSize int64

	// Stream labels logs and metrics.
	Stream string

	Log      logrus.FieldLogger
	Metrics  *metrics.Metrics
	Progress *progress.Reporter

	// OnResult is called from the worker goroutines for every finished
	// task.
	OnResult func(Result)
}

// Executor downloads objects to local files with a fixed pool of workers.
type Executor struct {
	opener Opener
	fs     afero.Fs
	opts   Options
}

// New returns an Executor writing to fs.
func New(opener Opener, fsys afero.Fs, opts Options) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Executor{opener: opener, fs: fsys, opts: opts}
}

// Batch is a running set of workers accepting tasks. Submit, Flush and
// Wait are called from one goroutine; Submit must not follow Wait.
type Batch struct {
	e       *Executor
	ctx     context.Context
	jobs    chan Task
	workers sync.WaitGroup
	pending sync.WaitGroup

	mu      sync.Mutex
	summary Summary
	closed  bool
}

// Begin starts the workers. Tasks already handed to a worker finish even
// if ctx is cancelled; only Submit observes ctx.
func (e *Executor) Begin(ctx context.Context) *Batch {
	b := &Batch{
		e:    e,
		ctx:  ctx,
		jobs: make(chan Task, e.opts.Workers),
	}
	workCtx := context.WithoutCancel(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		b.workers.Add(1)
		go func() {
			defer b.workers.Done()
			for task := range b.jobs {
				r := e.fetch(workCtx, task)
				b.record(r)
				b.pending.Done()
			}
		}()
	}
	return b
}

// Submit queues a task, blocking while the queue is full. It returns the
// context error once the batch context is cancelled.
func (b *Batch) Submit(task Task) error {
	if err := b.ctx.Err(); err != nil {
		return err
	}
	b.pending.Add(1)
	select {
	case b.jobs <- task:
		return nil
	case <-b.ctx.Done():
		b.pending.Done()
		return b.ctx.Err()
	}
}

// Flush waits until every task submitted so far has finished.
func (b *Batch) Flush() {
	b.pending.Wait()
}

// Wait stops accepting tasks, waits for the workers to drain the queue and
// returns the counts.
func (b *Batch) Wait() Summary {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.jobs)
	}
	b.mu.Unlock()

	b.workers.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary
}

func (b *Batch) record(r Result) {
	b.mu.Lock()
	b.summary.add(r)
	b.mu.Unlock()

	opts := b.e.opts
	opts.Metrics.ObjectDone(opts.Stream, string(r.Outcome), r.Bytes)
	if opts.Progress != nil {
		opts.Progress.ObjectDone(string(r.Outcome), r.Bytes)
	}
	if opts.OnResult != nil {
		opts.OnResult(r)
	}
}

// Run fetches tasks and returns once all of them finished. Tasks not yet
// submitted when ctx is cancelled are not attempted.
func (e *Executor) Run(ctx context.Context, tasks []Task) Summary {
	b := e.Begin(ctx)
	for _, t := range tasks {
		if err := b.Submit(t); err != nil {
			break
		}
	}
	return b.Wait()
}

// fetch copies one object. Errors are logged here and reported in the
// result; they never stop the batch.
func (e *Executor) fetch(ctx context.Context, task Task) Result {
	if e.opts.Progress != nil {
		e.opts.Progress.ObjectStarted()
	}

	obj := task.Object
	if e.upToDate(task) {
		return Result{Task: task, Outcome: Skipped}
	}

	n, err := e.download(ctx, task)
	if err != nil {
		entry := e.opts.Log.WithError(err).WithFields(logrus.Fields{
			"stream": e.opts.Stream,
			"bucket": obj.Bucket,
			"key":    obj.Key,
			"entity": obj.EntityID,
			"kind":   remote.Kind(err),
		})
		// Deleted upstream after it was listed; the next sync settles it.
		if remote.IsNotFound(err) {
			entry.Warn("Object disappeared before it could be fetched")
		} else {
			entry.Error("Failed to fetch object")
		}
		return Result{Task: task, Outcome: Failed, Err: err}
	}
	return Result{Task: task, Outcome: Success, Bytes: n}
}

// upToDate reports whether the destination already holds the object.
func (e *Executor) upToDate(task Task) bool {
	fi, err := e.fs.Stat(task.Dest)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	if fi.Size() != task.Object.Size {
		return false
	}
	return !fi.ModTime().Before(task.Object.ModTime)
}

func (e *Executor) download(ctx context.Context, task Task) (int64, error) {
	obj := task.Object
	if e.opts.MaxObjectSize > 0 && obj.Size > e.opts.MaxObjectSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, obj.Size)
	}

	if err := e.fs.MkdirAll(filepath.Dir(task.Dest), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	r, err := e.opener.Open(ctx, obj)
	if err != nil {
		return 0, fmt.Errorf("open object: %w", err)
	}
	defer r.Close()

	part := task.Dest + PartSuffix
	f, err := e.fs.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	var src io.Reader = r
	if e.opts.MaxObjectSize > 0 {
		src = io.LimitReader(r, e.opts.MaxObjectSize+1)
	}
	n, err := io.Copy(f, src)
	if err == nil && e.opts.MaxObjectSize > 0 && n > e.opts.MaxObjectSize {
		err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, e.opts.MaxObjectSize)
	}
	if err != nil {
		f.Close()
		e.fs.Remove(part)
		return 0, fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		e.fs.Remove(part)
		return 0, fmt.Errorf("close file: %w", err)
	}

	if err := e.fs.Rename(part, task.Dest); err != nil {
		e.fs.Remove(part)
		return 0, fmt.Errorf("rename file: %w", err)
	}
	if !obj.ModTime.IsZero() {
		if err := e.fs.Chtimes(task.Dest, obj.ModTime, obj.ModTime); err != nil {
			return n, fmt.Errorf("set modification time: %w", err)
		}
	}
	return n, nil
}
