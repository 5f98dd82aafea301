package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Workers != 60 {
		t.Errorf("expected default workers 60, got %d", cfg.Workers)
	}
	if cfg.PageSize != 1000 {
		t.Errorf("expected default page size 1000, got %d", cfg.PageSize)
	}
	if cfg.CheckpointMode != CheckpointDispatch {
		t.Errorf("expected default checkpoint mode dispatch, got %s", cfg.CheckpointMode)
	}
	if cfg.CallTimeout != 2*time.Minute {
		t.Errorf("expected default call timeout 2m, got %v", cfg.CallTimeout)
	}
	if !cfg.Buckets.Sharded {
		t.Error("expected sharded activities by default")
	}
	if cfg.Log.Overflow != "drop-newest" {
		t.Errorf("expected default overflow drop-newest, got %s", cfg.Log.Overflow)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
path: /data/orcid
summaries: true
activities: true
workers: 32
page_size: 500
days: 3
manifest: s3://orcid-lambda-file#last_modified.csv.tar
checkpoint_mode: completion
call_timeout: 45s
max_object_size: 16MB
buckets:
  summaries: v2.0-summaries
  activities: v2.0-activities
  sharded: false
log:
  level: DEBUG
  file: /var/log/pdsync.log
  overflow: block
`
	// Create temp file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Path != "/data/orcid" {
		t.Errorf("expected path /data/orcid, got %s", cfg.Path)
	}
	if !cfg.Summaries || !cfg.Activities {
		t.Error("expected both streams enabled")
	}
	if cfg.Workers != 32 {
		t.Errorf("expected workers 32, got %d", cfg.Workers)
	}
	if cfg.PageSize != 500 {
		t.Errorf("expected page size 500, got %d", cfg.PageSize)
	}
	if cfg.Days != 3 {
		t.Errorf("expected days 3, got %d", cfg.Days)
	}
	if cfg.Manifest != "s3://orcid-lambda-file#last_modified.csv.tar" {
		t.Errorf("unexpected manifest %s", cfg.Manifest)
	}
	if !cfg.CompletionCheckpoints() {
		t.Error("expected completion checkpoints")
	}
	if cfg.CallTimeout != 45*time.Second {
		t.Errorf("expected call timeout 45s, got %v", cfg.CallTimeout)
	}
	if cfg.MaxObjectSize != 16*1024*1024 {
		t.Errorf("expected max object size 16MB, got %d", cfg.MaxObjectSize)
	}
	if cfg.Buckets.Sharded {
		t.Error("expected unsharded activities")
	}
	if cfg.Buckets.Summaries != "v2.0-summaries" {
		t.Errorf("expected summaries bucket v2.0-summaries, got %s", cfg.Buckets.Summaries)
	}
	if cfg.Buckets.Scheme != "s3" {
		t.Errorf("expected default scheme s3, got %s", cfg.Buckets.Scheme)
	}
	if cfg.Log.Level != "DEBUG" || cfg.Log.File != "/var/log/pdsync.log" || cfg.Log.Overflow != "block" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	// Set env vars
	t.Setenv("PDSYNC_WORKERS", "64")
	t.Setenv("PDSYNC_ACTIVITIES", "true")
	t.Setenv("PDSYNC_RECOVERY", "1")
	t.Setenv("PDSYNC_MAX_OBJECT_SIZE", "1GB")
	t.Setenv("PDSYNC_CALL_TIMEOUT", "500ms")
	t.Setenv("PDSYNC_ACTIVITIES_BUCKET", "mirror-activities")
	t.Setenv("PDSYNC_LOG_LEVEL", "WARN")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Workers != 64 {
		t.Errorf("expected workers 64, got %d", cfg.Workers)
	}
	if !cfg.Activities || !cfg.Recovery {
		t.Error("expected activities and recovery enabled")
	}
	if cfg.MaxObjectSize != 1024*1024*1024 {
		t.Errorf("expected max object size 1GB, got %d", cfg.MaxObjectSize)
	}
	if cfg.CallTimeout != 500*time.Millisecond {
		t.Errorf("expected call timeout 500ms, got %v", cfg.CallTimeout)
	}
	if cfg.Buckets.Activities != "mirror-activities" {
		t.Errorf("expected activities bucket override, got %s", cfg.Buckets.Activities)
	}
	if cfg.Log.Level != "WARN" {
		t.Errorf("expected log level WARN, got %s", cfg.Log.Level)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("PDSYNC_DAYS", "a week")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("expected error for invalid PDSYNC_DAYS")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Summaries = true
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "no stream", mutate: func(c *Config) { c.Summaries = false }, wantErr: true},
		{name: "missing path", mutate: func(c *Config) { c.Path = "" }, wantErr: true},
		{name: "invalid workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: true},
		{name: "page size too large", mutate: func(c *Config) { c.PageSize = 5000 }, wantErr: true},
		{name: "negative days", mutate: func(c *Config) { c.Days = -1 }, wantErr: true},
		{name: "missing summaries bucket", mutate: func(c *Config) { c.Buckets.Summaries = "" }, wantErr: true},
		{name: "unknown checkpoint mode", mutate: func(c *Config) { c.CheckpointMode = "sometimes" }, wantErr: true},
		{name: "zero call timeout", mutate: func(c *Config) { c.CallTimeout = 0 }, wantErr: true},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "CHATTY" }, wantErr: true},
		{name: "unknown overflow", mutate: func(c *Config) { c.Log.Overflow = "spill" }, wantErr: true},
		{name: "bucket url pattern", mutate: func(c *Config) { c.Buckets.URL = "file:///srv/{bucket}" }},
		{name: "bucket url without placeholder", mutate: func(c *Config) { c.Buckets.URL = "file:///srv" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	base.Path = "/data"
	base.Summaries = true

	override := Config{
		Workers:  8,
		Days:     2,
		Buckets:  BucketConfig{Activities: "other-activities"},
		Log:      LogConfig{Level: "ERROR"},
		StateDir: "/var/lib/pdsync",
	}

	merged := base.Merge(override)

	// Should keep base values for non-overridden fields
	if merged.Path != "/data" {
		t.Errorf("expected Path preserved, got %s", merged.Path)
	}
	if !merged.Summaries {
		t.Error("expected Summaries preserved")
	}
	if merged.Buckets.Summaries != "v3.0-summaries" {
		t.Errorf("expected summaries bucket preserved, got %s", merged.Buckets.Summaries)
	}

	// Should use override values
	if merged.Workers != 8 || merged.Days != 2 {
		t.Errorf("expected Workers 8 and Days 2, got %d and %d", merged.Workers, merged.Days)
	}
	if merged.Buckets.Activities != "other-activities" {
		t.Errorf("expected activities bucket overridden, got %s", merged.Buckets.Activities)
	}
	if merged.Log.Level != "ERROR" {
		t.Errorf("expected log level overridden, got %s", merged.Log.Level)
	}
	if merged.StatePath() != "/var/lib/pdsync" {
		t.Errorf("expected state path override, got %s", merged.StatePath())
	}
}

func TestBucketURLFunc(t *testing.T) {
	b := Default().Buckets
	if got := b.URLFunc()("v3.0-summaries"); got != "s3://v3.0-summaries" {
		t.Errorf("unexpected url %s", got)
	}
	b.URL = "file:///srv/mirror/{bucket}"
	if got := b.URLFunc()("v3.0-activities-a"); got != "file:///srv/mirror/v3.0-activities-a" {
		t.Errorf("unexpected url %s", got)
	}
}

func TestStatePathDefault(t *testing.T) {
	cfg := Default()
	cfg.Path = "/data"
	if got := cfg.StatePath(); got != filepath.Join("/data", ".pdsync") {
		t.Errorf("unexpected state path %s", got)
	}
}

func TestLoadYAMLFileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}
