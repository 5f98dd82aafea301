package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ORCID/public-data-sync/internal/config"
	"github.com/ORCID/public-data-sync/internal/logging"
	"github.com/ORCID/public-data-sync/internal/metrics"
	"github.com/ORCID/public-data-sync/internal/progress"
	"github.com/ORCID/public-data-sync/internal/remote"
	"github.com/ORCID/public-data-sync/internal/syncer"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitInterrupted  = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	code := ExitSuccess
	cmd := newRootCommand(&code)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == ExitSuccess {
			code = ExitInvalidArgs
		}
	}
	return code
}

// flags holds the raw command-line values. They are folded into a
// config.Config only when set.
type flags struct {
	configFile       string
	path             string
	summaries        bool
	activities       bool
	recovery         bool
	workers          int
	pageSize         int
	days             int
	manifest         string
	stateDir         string
	summariesBucket  string
	activitiesBucket string
	sharded          bool
	bucketScheme     string
	bucketQuery      string
	bucketURL        string
	logLevel         string
	logFile          string
	metricsFile      string
	checkpointMode   string
	callTimeout      time.Duration
	maxObjectSize    string
}

func newRootCommand(code *int) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "pdsync",
		Short: "Mirror the public data buckets to local disk",
		Long: "Synchronizes summaries and activities from the public data buckets " +
			"to a local directory. With --manifest only the records changed since " +
			"the last run (or --days) are fetched; without it every object is " +
			"listed, and --recovery resumes an interrupted listing.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				*code = ExitInvalidArgs
				return err
			}
			*code = runSync(cfg)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "YAML configuration file")
	fl.StringVarP(&f.path, "path", "p", "", "Path to place the public data files (default ./)")
	fl.BoolVarP(&f.summaries, "summaries", "s", false, "Download summaries")
	fl.BoolVarP(&f.activities, "activities", "a", false, "Download activities")
	fl.BoolVarP(&f.recovery, "recovery", "r", false, "Resume the listing from the saved checkpoints")
	fl.IntVarP(&f.workers, "workers", "w", 0, "Number of parallel downloads (default 60)")
	fl.IntVar(&f.pageSize, "page-size", 0, "Keys requested per listing page (default 1000)")
	fl.IntVarP(&f.days, "days", "d", 0, "Sync records modified in the last N days, ignoring the last-run marker")
	fl.StringVarP(&f.manifest, "manifest", "m", "", "Change manifest, a path or <bucket-url>#<key>; enables incremental mode")
	fl.StringVar(&f.stateDir, "state-dir", "", "Directory for checkpoints and the last-run marker (default <path>/.pdsync)")
	fl.StringVar(&f.summariesBucket, "summaries-bucket", "", "Summaries bucket name")
	fl.StringVar(&f.activitiesBucket, "activities-bucket", "", "Activities bucket base name")
	fl.BoolVar(&f.sharded, "sharded", true, "Activities are split into -a, -b and -c buckets")
	fl.StringVar(&f.bucketScheme, "bucket-scheme", "", "gocloud URL scheme for buckets (default s3)")
	fl.StringVar(&f.bucketQuery, "bucket-query", "", "Query string added to bucket URLs, e.g. region=us-east-2")
	fl.StringVar(&f.bucketURL, "bucket-url", "", "Bucket URL pattern containing {bucket}; overrides the scheme")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level: DEBUG, INFO, WARN or ERROR (default INFO)")
	fl.StringVar(&f.logFile, "log-file", "", "Log file (default stderr)")
	fl.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file at exit")
	fl.StringVar(&f.checkpointMode, "checkpoint-mode", "", "When to save checkpoints: dispatch or completion (default dispatch)")
	fl.DurationVar(&f.callTimeout, "call-timeout", 0, "Deadline for each remote call (default 2m)")
	fl.StringVar(&f.maxObjectSize, "max-object-size", "", "Reject objects larger than this, e.g. 64MB")

	return cmd
}

// loadConfig layers defaults, the config file, the environment and the
// flags that were set, then validates the result.
func loadConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	cfg := config.Default()
	if f.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	override := config.Config{
		Path:           f.path,
		Summaries:      f.summaries,
		Activities:     f.activities,
		Recovery:       f.recovery,
		Workers:        f.workers,
		PageSize:       f.pageSize,
		Days:           f.days,
		Manifest:       f.manifest,
		StateDir:       f.stateDir,
		CheckpointMode: f.checkpointMode,
		CallTimeout:    f.callTimeout,
		MetricsFile:    f.metricsFile,
		Buckets: config.BucketConfig{
			Summaries:  f.summariesBucket,
			Activities: f.activitiesBucket,
			Scheme:     f.bucketScheme,
			Query:      f.bucketQuery,
			URL:        f.bucketURL,
		},
		Log: config.LogConfig{
			Level: f.logLevel,
			File:  f.logFile,
		},
	}
	if f.maxObjectSize != "" {
		size, err := progress.ParseBytes(f.maxObjectSize)
		if err != nil {
			return config.Config{}, fmt.Errorf("parse --max-object-size: %w", err)
		}
		override.MaxObjectSize = size
	}
	cfg = cfg.Merge(override)
	if cmd.Flags().Changed("sharded") {
		cfg.Buckets.Sharded = f.sharded
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runSync(cfg config.Config) int {
	overflow, _ := logging.ParseOverflow(cfg.Log.Overflow)
	log, agg, err := logging.New(afero.NewOsFs(), logging.Options{
		File:     cfg.Log.File,
		Level:    cfg.Log.Level,
		Buffer:   cfg.Log.Buffer,
		Overflow: overflow,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer agg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Warn("Received interrupt, finishing in-flight downloads")
			cancel()
		case <-ctx.Done():
		}
	}()

	buckets := remote.New(cfg.Buckets.URLFunc())
	defer func() {
		if err := buckets.Close(); err != nil {
			log.WithError(err).Warn("Failed to close buckets")
		}
	}()

	s := syncer.New(syncer.Options{
		Config:  cfg,
		Fs:      afero.NewOsFs(),
		Buckets: buckets,
		Log:     log,
		Metrics: metrics.New(),
	})
	if _, err := s.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Sync interrupted; the last-run marker was not updated")
			return ExitInterrupted
		}
		log.WithError(err).Error("Sync failed")
		return ExitGeneralError
	}
	return ExitSuccess
}
