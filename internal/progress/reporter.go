package progress

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Options configures the progress reporter.
type Options struct {
	// Stream names the stream being reported (for display).
	Stream string

	// Workers is the number of parallel workers (for display).
	Workers int

	// Log receives the progress lines.
	Log logrus.FieldLogger

	// UpdateInterval is how often to log progress.
	// Default: 30s
	UpdateInterval time.Duration

	// Clock drives the update ticker.
	// Default: the real clock
	Clock clockwork.Clock
}

// Reporter logs periodic throughput for one stream. Counters are updated
// concurrently by the fetch workers.
type Reporter struct {
	opts Options

	succeeded  atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
	bytes      atomic.Int64
	inProgress atomic.Int32

	mu         sync.Mutex
	startTime  time.Time
	lastUpdate time.Time
	lastDone   int64
	stopCh     chan struct{}
	doneCh     chan struct{}
	started    bool
	stopped    bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins logging progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = r.opts.Clock.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	r.opts.Log.WithFields(logrus.Fields{
		"stream":  r.opts.Stream,
		"workers": r.opts.Workers,
	}).Info("Starting stream")

	ticker := r.opts.Clock.NewTicker(r.opts.UpdateInterval)
	go r.updateLoop(ticker)
}

// Stop stops the reporter and logs the final status.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// ObjectStarted marks an object as in progress.
func (r *Reporter) ObjectStarted() {
	r.inProgress.Add(1)
}

// ObjectSucceeded marks an object as written.
func (r *Reporter) ObjectSucceeded(size int64) {
	r.succeeded.Add(1)
	r.bytes.Add(size)
	r.inProgress.Add(-1)
}

// ObjectSkipped marks an object as already up to date.
func (r *Reporter) ObjectSkipped() {
	r.skipped.Add(1)
	r.inProgress.Add(-1)
}

// ObjectFailed marks an object as failed (removes from in-progress).
func (r *Reporter) ObjectFailed() {
	r.failed.Add(1)
	r.inProgress.Add(-1)
}

// ObjectDone records a finished object by outcome name ("success",
// "skipped" or "failed"). Unknown outcomes count as failed.
func (r *Reporter) ObjectDone(outcome string, size int64) {
	switch outcome {
	case "success":
		r.ObjectSucceeded(size)
	case "skipped":
		r.ObjectSkipped()
	default:
		r.ObjectFailed()
	}
}

func (r *Reporter) updateLoop(ticker clockwork.Ticker) {
	defer close(r.doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.logFinalStatus()
			return
		case <-ticker.Chan():
			r.logProgress()
		}
	}
}

func (r *Reporter) done() int64 {
	return r.succeeded.Load() + r.skipped.Load() + r.failed.Load()
}

func (r *Reporter) logProgress() {
	r.mu.Lock()
	now := r.opts.Clock.Now()
	done := r.done()

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	rate := float64(done-r.lastDone) / elapsed
	r.lastUpdate = now
	r.lastDone = done
	r.mu.Unlock()

	r.opts.Log.WithFields(logrus.Fields{
		"stream":      r.opts.Stream,
		"succeeded":   r.succeeded.Load(),
		"skipped":     r.skipped.Load(),
		"failed":      r.failed.Load(),
		"in_progress": r.inProgress.Load(),
	}).Infof("Progress: %d objects | %s | %.1f objects/s", done, formatBytes(r.bytes.Load()), rate)
}

func (r *Reporter) logFinalStatus() {
	r.mu.Lock()
	duration := r.opts.Clock.Since(r.startTime)
	r.mu.Unlock()

	var avg float64
	if duration > 0 {
		avg = float64(r.done()) / duration.Seconds()
	}

	r.opts.Log.WithFields(logrus.Fields{
		"stream":    r.opts.Stream,
		"succeeded": r.succeeded.Load(),
		"skipped":   r.skipped.Load(),
		"failed":    r.failed.Load(),
	}).Infof("Finished: %d objects | %s | total time %s | %.1f objects/s",
		r.done(), formatBytes(r.bytes.Load()), formatDuration(duration), avg)
}

// Binary byte units.
const (
	KB = 1024
	MB = KB * 1024
	GB = MB * 1024
	TB = GB * 1024
)

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// ParseBytes parses a human-readable byte string such as "64MB" or
// "1.5 GB". Units are binary and case-insensitive.
func ParseBytes(s string) (int64, error) {
	units := []struct {
		suffix string
		size   int64
	}{
		{"TB", TB},
		{"GB", GB},
		{"MB", MB},
		{"KB", KB},
		{"B", 1},
	}

	v := strings.ToUpper(strings.TrimSpace(s))
	multiplier := int64(1)
	for _, u := range units {
		if strings.HasSuffix(v, u.suffix) {
			multiplier = u.size
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			break
		}
	}

	value, err := strconv.ParseFloat(v, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
