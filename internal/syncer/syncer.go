package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/ORCID/public-data-sync/internal/config"
	"github.com/ORCID/public-data-sync/internal/fetch"
	"github.com/ORCID/public-data-sync/internal/lister"
	"github.com/ORCID/public-data-sync/internal/manifest"
	"github.com/ORCID/public-data-sync/internal/metrics"
	"github.com/ORCID/public-data-sync/internal/progress"
	"github.com/ORCID/public-data-sync/internal/prune"
	"github.com/ORCID/public-data-sync/internal/remote"
	"github.com/ORCID/public-data-sync/internal/shard"
	"github.com/ORCID/public-data-sync/internal/state"
)

// Options configures a Syncer.
type Options struct {
	Config  config.Config
	Fs      afero.Fs
	Buckets *remote.Buckets
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics

	// Clock provides the run start time and drives progress logging.
	// Default: the real clock
	Clock clockwork.Clock

	// ProgressInterval is how often each stream logs its progress.
	// Default: 30s
	ProgressInterval time.Duration
}

// Report describes a finished run.
type Report struct {
	Start time.Time
	// Cutoff is set for incremental runs.
	Cutoff  *time.Time
	Streams map[shard.Kind]fetch.Summary
}

// Syncer mirrors the enabled streams to the output path.
type Syncer struct {
	cfg      config.Config
	fs       afero.Fs
	buckets  *remote.Buckets
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	interval time.Duration
	store    *state.Store
	resolver shard.Resolver
	pruner   *prune.Pruner
}

// New returns a Syncer. The configuration must already be validated.
func New(opts Options) *Syncer {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	cfg := opts.Config
	resolver := shard.NewResolver(cfg.Buckets.Activities)
	if !cfg.Buckets.Sharded {
		resolver.Suffixes = [3]string{}
	}

	return &Syncer{
		cfg:      cfg,
		fs:       opts.Fs,
		buckets:  opts.Buckets,
		log:      opts.Log,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		interval: opts.ProgressInterval,
		store:    state.NewStore(opts.Fs, cfg.StatePath()),
		resolver: resolver,
		pruner:   prune.New(opts.Fs, cfg.Path, opts.Log),
	}
}

// Incremental reports whether the run selects entities from a manifest.
func (s *Syncer) Incremental() bool {
	return s.cfg.Manifest != ""
}

// Run synchronizes every enabled stream concurrently. The last-run marker
// is written only when every stream finished without error and ctx was not
// cancelled.
func (s *Syncer) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		Start:   s.clock.Now().UTC(),
		Streams: make(map[shard.Kind]fetch.Summary),
	}
	defer s.writeMetrics()

	var cutoff time.Time
	if s.Incremental() {
		marker, err := s.store.LoadMarker()
		if err != nil {
			return report, err
		}
		cutoff = manifest.Cutoff(report.Start, s.cfg.Days, marker)
		report.Cutoff = &cutoff
		s.log.WithFields(logrus.Fields{
			"cutoff":   manifest.FormatTimestamp(cutoff),
			"manifest": s.cfg.Manifest,
		}).Info("Starting incremental sync")
	} else {
		s.log.WithField("recovery", s.cfg.Recovery).Info("Starting full sync")
	}

	var kinds []shard.Kind
	if s.cfg.Summaries {
		kinds = append(kinds, shard.Summaries)
	}
	if s.cfg.Activities {
		kinds = append(kinds, shard.Activities)
	}

	summaries := make([]fetch.Summary, len(kinds))
	var g errgroup.Group
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			sum, err := s.runStream(ctx, kind, cutoff)
			summaries[i] = sum
			if err != nil {
				return fmt.Errorf("%s: %w", kind, err)
			}
			return nil
		})
	}
	err := g.Wait()
	for i, kind := range kinds {
		report.Streams[kind] = summaries[i]
	}
	if err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if err := s.store.SaveMarker(report.Start); err != nil {
		return report, err
	}
	s.metrics.RunSucceeded(report.Start)
	s.log.WithField("start", manifest.FormatTimestamp(report.Start)).Info("Sync finished")
	return report, nil
}

func (s *Syncer) writeMetrics() {
	if err := s.metrics.WriteTextfile(s.cfg.MetricsFile); err != nil {
		s.log.WithError(err).WithField("file", s.cfg.MetricsFile).Warn("Failed to write metrics")
	}
}

func (s *Syncer) runStream(ctx context.Context, kind shard.Kind, cutoff time.Time) (fetch.Summary, error) {
	log := s.log.WithField("stream", kind)

	reporter := progress.NewReporter(progress.Options{
		Stream:         string(kind),
		Workers:        s.cfg.Workers,
		Log:            s.log,
		UpdateInterval: s.interval,
		Clock:          s.clock,
	})
	reporter.Start()
	defer reporter.Stop()

	exec := fetch.New(s.buckets, s.fs, fetch.Options{
		Workers:       s.cfg.Workers,
		CallTimeout:   s.cfg.CallTimeout,
		MaxObjectSize: s.cfg.MaxObjectSize,
		Stream:        string(kind),
		Log:           s.log,
		Metrics:       s.metrics,
		Progress:      reporter,
	})
	l := &lister.Lister{
		Kind:        kind,
		PageSize:    s.cfg.PageSize,
		CallTimeout: s.cfg.CallTimeout,
		Log:         s.log,
		Metrics:     s.metrics,
	}

	var (
		sum fetch.Summary
		err error
	)
	if s.Incremental() {
		sum, err = s.incremental(ctx, kind, cutoff, l, exec, log)
	} else {
		sum, err = s.full(ctx, kind, l, exec)
	}

	entry := log.WithFields(logrus.Fields{
		"succeeded": sum.Succeeded,
		"skipped":   sum.Skipped,
		"failed":    sum.Failed,
		"bytes":     sum.Bytes,
	})
	switch {
	case errors.Is(err, context.Canceled):
		entry.Warn("Stream interrupted")
	case err != nil:
		entry.WithError(err).Error("Stream failed")
	default:
		entry.Info("Stream finished")
	}
	return sum, err
}

// full lists every bucket of the stream under a checkpoint and fetches
// everything.
func (s *Syncer) full(ctx context.Context, kind shard.Kind, l *lister.Lister, exec *fetch.Executor) (fetch.Summary, error) {
	l.Store = s.store
	l.Recovery = s.cfg.Recovery

	batch := exec.Begin(ctx)
	stream := lister.Stream{Name: string(kind), Buckets: s.bucketsFor(kind)}
	err := l.Run(ctx, stream, s.open, func(_ context.Context, p lister.Page) error {
		for _, obj := range p.Objects {
			if err := batch.Submit(fetch.Task{Object: obj, Dest: obj.LocalPath(s.cfg.Path)}); err != nil {
				return err
			}
		}
		if s.cfg.CompletionCheckpoints() {
			batch.Flush()
		}
		return nil
	})
	return batch.Wait(), err
}

// open adapts the bucket registry to the lister.
func (s *Syncer) open(ctx context.Context, name string) (lister.Source, error) {
	b, err := s.buckets.Bucket(ctx, name)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// bucketsFor returns the buckets of a stream in listing order.
func (s *Syncer) bucketsFor(kind shard.Kind) []string {
	if kind == shard.Summaries {
		return []string{s.cfg.Buckets.Summaries}
	}
	if !s.cfg.Buckets.Sharded {
		return []string{s.cfg.Buckets.Activities}
	}
	return s.resolver.Buckets()
}

// bucketFor returns the bucket holding an entity's objects of kind.
func (s *Syncer) bucketFor(kind shard.Kind, id string) string {
	if kind == shard.Summaries {
		return s.cfg.Buckets.Summaries
	}
	return s.resolver.Bucket(id)
}
