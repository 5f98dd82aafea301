package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ORCID/public-data-sync/internal/logging"
	"github.com/ORCID/public-data-sync/internal/progress"
	"github.com/ORCID/public-data-sync/internal/remote"
)

// Checkpoint modes.
const (
	// CheckpointDispatch saves a checkpoint once a page's objects are
	// queued. A crash may lose the objects of the last queued page.
	CheckpointDispatch = "dispatch"
	// CheckpointCompletion waits for a page's objects to finish before
	// saving its checkpoint.
	CheckpointCompletion = "completion"
)

// Config defines configuration for the pdsync CLI.
type Config struct {
	Path       string `yaml:"path"`
	Summaries  bool   `yaml:"summaries"`
	Activities bool   `yaml:"activities"`
	Recovery   bool   `yaml:"recovery"`
	Workers    int    `yaml:"workers"`
	PageSize   int    `yaml:"page_size"`
	Days       int    `yaml:"days"`

	// Manifest selects incremental mode: a local path or
	// "<bucket-url>#<key>". Empty means a full listing.
	Manifest string `yaml:"manifest"`
	StateDir string `yaml:"state_dir"`

	CheckpointMode string        `yaml:"checkpoint_mode"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxObjectSize  int64         `yaml:"max_object_size"`
	MetricsFile    string        `yaml:"metrics_file"`

	Buckets BucketConfig `yaml:"buckets"`
	Log     LogConfig    `yaml:"log"`
}

// BucketConfig names the remote buckets.
type BucketConfig struct {
	Summaries string `yaml:"summaries"`
	// Activities is the base name; with Sharded set the partition
	// suffixes -a, -b and -c are appended.
	Activities string `yaml:"activities"`
	Sharded    bool   `yaml:"sharded"`
	// Scheme and Query build the gocloud URL "scheme://bucket?query".
	Scheme string `yaml:"scheme"`
	Query  string `yaml:"query"`
	// URL, when set, is a pattern such as "file:///srv/{bucket}" and
	// takes precedence over Scheme and Query.
	URL string `yaml:"url"`
}

// LogConfig defines logging behavior.
type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	Buffer   int    `yaml:"buffer"`
	Overflow string `yaml:"overflow"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Path:           "./",
		Workers:        60,
		PageSize:       1000,
		CheckpointMode: CheckpointDispatch,
		CallTimeout:    2 * time.Minute,
		MaxObjectSize:  64 * 1024 * 1024, // 64MB
		Buckets: BucketConfig{
			Summaries:  "v3.0-summaries",
			Activities: "v3.0-activities",
			Sharded:    true,
			Scheme:     "s3",
		},
		Log: LogConfig{
			Level:    "INFO",
			Buffer:   4096,
			Overflow: string(logging.OverflowDropNewest),
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and
// durations. Pointers tell unset booleans from false.
type yamlConfig struct {
	Path           string `yaml:"path"`
	Summaries      *bool  `yaml:"summaries"`
	Activities     *bool  `yaml:"activities"`
	Recovery       *bool  `yaml:"recovery"`
	Workers        int    `yaml:"workers"`
	PageSize       int    `yaml:"page_size"`
	Days           int    `yaml:"days"`
	Manifest       string `yaml:"manifest"`
	StateDir       string `yaml:"state_dir"`
	CheckpointMode string `yaml:"checkpoint_mode"`
	CallTimeout    string `yaml:"call_timeout"`
	MaxObjectSize  string `yaml:"max_object_size"`
	MetricsFile    string `yaml:"metrics_file"`
	Buckets        struct {
		Summaries  string `yaml:"summaries"`
		Activities string `yaml:"activities"`
		Sharded    *bool  `yaml:"sharded"`
		Scheme     string `yaml:"scheme"`
		Query      string `yaml:"query"`
		URL        string `yaml:"url"`
	} `yaml:"buckets"`
	Log LogConfig `yaml:"log"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Path != "" {
		cfg.Path = yc.Path
	}
	if yc.Summaries != nil {
		cfg.Summaries = *yc.Summaries
	}
	if yc.Activities != nil {
		cfg.Activities = *yc.Activities
	}
	if yc.Recovery != nil {
		cfg.Recovery = *yc.Recovery
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.PageSize != 0 {
		cfg.PageSize = yc.PageSize
	}
	if yc.Days != 0 {
		cfg.Days = yc.Days
	}
	cfg.Manifest = yc.Manifest
	cfg.StateDir = yc.StateDir
	cfg.MetricsFile = yc.MetricsFile
	if yc.CheckpointMode != "" {
		cfg.CheckpointMode = yc.CheckpointMode
	}
	if yc.CallTimeout != "" {
		d, err := time.ParseDuration(yc.CallTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}
	if yc.MaxObjectSize != "" {
		size, err := progress.ParseBytes(yc.MaxObjectSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse max_object_size: %w", err)
		}
		cfg.MaxObjectSize = size
	}

	if yc.Buckets.Summaries != "" {
		cfg.Buckets.Summaries = yc.Buckets.Summaries
	}
	if yc.Buckets.Activities != "" {
		cfg.Buckets.Activities = yc.Buckets.Activities
	}
	if yc.Buckets.Sharded != nil {
		cfg.Buckets.Sharded = *yc.Buckets.Sharded
	}
	if yc.Buckets.Scheme != "" {
		cfg.Buckets.Scheme = yc.Buckets.Scheme
	}
	cfg.Buckets.Query = yc.Buckets.Query
	cfg.Buckets.URL = yc.Buckets.URL

	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	cfg.Log.File = yc.Log.File
	if yc.Log.Buffer != 0 {
		cfg.Log.Buffer = yc.Log.Buffer
	}
	if yc.Log.Overflow != "" {
		cfg.Log.Overflow = yc.Log.Overflow
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PDSYNC_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PDSYNC_PATH"); v != "" {
		c.Path = v
	}
	if v := os.Getenv("PDSYNC_SUMMARIES"); v != "" {
		c.Summaries = parseBool(v)
	}
	if v := os.Getenv("PDSYNC_ACTIVITIES"); v != "" {
		c.Activities = parseBool(v)
	}
	if v := os.Getenv("PDSYNC_RECOVERY"); v != "" {
		c.Recovery = parseBool(v)
	}
	if v := os.Getenv("PDSYNC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PDSYNC_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("PDSYNC_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PDSYNC_PAGE_SIZE: %w", err)
		}
		c.PageSize = n
	}
	if v := os.Getenv("PDSYNC_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PDSYNC_DAYS: %w", err)
		}
		c.Days = n
	}
	if v := os.Getenv("PDSYNC_MANIFEST"); v != "" {
		c.Manifest = v
	}
	if v := os.Getenv("PDSYNC_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("PDSYNC_CHECKPOINT_MODE"); v != "" {
		c.CheckpointMode = v
	}
	if v := os.Getenv("PDSYNC_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse PDSYNC_CALL_TIMEOUT: %w", err)
		}
		c.CallTimeout = d
	}
	if v := os.Getenv("PDSYNC_MAX_OBJECT_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse PDSYNC_MAX_OBJECT_SIZE: %w", err)
		}
		c.MaxObjectSize = size
	}
	if v := os.Getenv("PDSYNC_METRICS_FILE"); v != "" {
		c.MetricsFile = v
	}
	if v := os.Getenv("PDSYNC_SUMMARIES_BUCKET"); v != "" {
		c.Buckets.Summaries = v
	}
	if v := os.Getenv("PDSYNC_ACTIVITIES_BUCKET"); v != "" {
		c.Buckets.Activities = v
	}
	if v := os.Getenv("PDSYNC_BUCKET_SCHEME"); v != "" {
		c.Buckets.Scheme = v
	}
	if v := os.Getenv("PDSYNC_BUCKET_QUERY"); v != "" {
		c.Buckets.Query = v
	}
	if v := os.Getenv("PDSYNC_BUCKET_URL"); v != "" {
		c.Buckets.URL = v
	}
	if v := os.Getenv("PDSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PDSYNC_LOG_FILE"); v != "" {
		c.Log.File = v
	}

	return nil
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("config: path is required")
	}
	if !c.Summaries && !c.Activities {
		return errors.New("config: at least one of summaries or activities must be enabled")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.PageSize <= 0 || c.PageSize > 1000 {
		return errors.New("config: page_size must be between 1 and 1000")
	}
	if c.Days < 0 {
		return errors.New("config: days must not be negative")
	}
	if c.Summaries && c.Buckets.Summaries == "" {
		return errors.New("config: summaries bucket is required")
	}
	if c.Activities && c.Buckets.Activities == "" {
		return errors.New("config: activities bucket is required")
	}
	if c.Buckets.Scheme == "" && c.Buckets.URL == "" {
		return errors.New("config: bucket scheme or url is required")
	}
	if c.Buckets.URL != "" && !strings.Contains(c.Buckets.URL, "{bucket}") {
		return errors.New("config: bucket url must contain {bucket}")
	}
	switch c.CheckpointMode {
	case CheckpointDispatch, CheckpointCompletion:
	default:
		return fmt.Errorf("config: unknown checkpoint_mode %q", c.CheckpointMode)
	}
	if c.CallTimeout <= 0 {
		return errors.New("config: call_timeout must be positive")
	}
	if c.MaxObjectSize < 0 {
		return errors.New("config: max_object_size must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logging.ParseOverflow(c.Log.Overflow); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// StatePath returns the directory holding checkpoints and the last-run
// marker, defaulting to ".pdsync" below the output path.
func (c *Config) StatePath() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return filepath.Join(c.Path, ".pdsync")
}

// URLFunc returns how bucket names are turned into gocloud URLs.
func (b BucketConfig) URLFunc() remote.URLFunc {
	if b.URL != "" {
		return remote.URLPattern(b.URL)
	}
	return remote.URLTemplate(b.Scheme, b.Query)
}

// CompletionCheckpoints reports whether checkpoints wait for downloads.
func (c *Config) CompletionCheckpoints() bool {
	return c.CheckpointMode == CheckpointCompletion
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Path != "" {
		c.Path = override.Path
	}
	if override.Summaries {
		c.Summaries = override.Summaries
	}
	if override.Activities {
		c.Activities = override.Activities
	}
	if override.Recovery {
		c.Recovery = override.Recovery
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.PageSize != 0 {
		c.PageSize = override.PageSize
	}
	if override.Days != 0 {
		c.Days = override.Days
	}
	if override.Manifest != "" {
		c.Manifest = override.Manifest
	}
	if override.StateDir != "" {
		c.StateDir = override.StateDir
	}
	if override.CheckpointMode != "" {
		c.CheckpointMode = override.CheckpointMode
	}
	if override.CallTimeout != 0 {
		c.CallTimeout = override.CallTimeout
	}
	if override.MaxObjectSize != 0 {
		c.MaxObjectSize = override.MaxObjectSize
	}
	if override.MetricsFile != "" {
		c.MetricsFile = override.MetricsFile
	}
	if override.Buckets.Summaries != "" {
		c.Buckets.Summaries = override.Buckets.Summaries
	}
	if override.Buckets.Activities != "" {
		c.Buckets.Activities = override.Buckets.Activities
	}
	if override.Buckets.Scheme != "" {
		c.Buckets.Scheme = override.Buckets.Scheme
	}
	if override.Buckets.Query != "" {
		c.Buckets.Query = override.Buckets.Query
	}
	if override.Buckets.URL != "" {
		c.Buckets.URL = override.Buckets.URL
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.File != "" {
		c.Log.File = override.Log.File
	}
	if override.Log.Buffer != 0 {
		c.Log.Buffer = override.Log.Buffer
	}
	if override.Log.Overflow != "" {
		c.Log.Overflow = override.Log.Overflow
	}
	return c
}
