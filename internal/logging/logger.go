package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Options configures the process logger.
type Options struct {
	// File is the log file path, opened for append. Empty logs to stderr.
	File string

	// Level is a level name such as DEBUG, INFO, WARN or ERROR.
	// Default: INFO
	Level string

	// Buffer and Overflow configure the aggregator queue.
	Buffer   int
	Overflow Overflow

	// Fallback receives records that could not be written.
	// Default: os.Stderr
	Fallback io.Writer
}

// ParseLevel converts a level name to a logrus level, case-insensitively.
func ParseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return 0, fmt.Errorf("parse log level: %w", err)
	}
	return lvl, nil
}

// New builds a logger whose output goes through an Aggregator. The caller
// must Close the aggregator before exiting to flush queued records.
func New(fs afero.Fs, opts Options) (*logrus.Logger, *Aggregator, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var dest io.WriteCloser = nopCloser{os.Stderr}
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := fs.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		f, err := fs.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		dest = f
	}

	agg := NewAggregator(dest, AggregatorOptions{
		Buffer:   opts.Buffer,
		Overflow: opts.Overflow,
		Fallback: opts.Fallback,
	})

	log := logrus.New()
	log.SetOutput(agg)
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: true,
	})
	return log, agg, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
