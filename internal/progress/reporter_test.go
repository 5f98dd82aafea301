package progress

import (
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{256 * 1024 * 1024, "256.00 MB"},
		{1024 * 1024 * 1024, "1.00 GB"},
		{1024 * 1024 * 1024 * 1024, "1.00 TB"},
	}

	for _, tt := range tests {
		result := FormatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"100", 100},
		{"100B", 100},
		{"1KB", 1024},
		{"1.5KB", 1536},
		{"256MB", 256 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{"64 mb", 64 * 1024 * 1024},
	}

	for _, tt := range tests {
		result, err := ParseBytes(tt.input)
		if err != nil {
			t.Errorf("ParseBytes(%q): %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytesInvalid(t *testing.T) {
	for _, in := range []string{"invalid", "", "-1MB", "MB"} {
		if _, err := ParseBytes(in); err == nil {
			t.Errorf("ParseBytes(%q): expected error", in)
		}
	}
}

func TestReporterObjectTracking(t *testing.T) {
	log, _ := test.NewNullLogger()
	reporter := NewReporter(Options{Stream: "summaries", Workers: 2, Log: log})

	reporter.ObjectStarted()
	if reporter.inProgress.Load() != 1 {
		t.Errorf("expected 1 in-progress, got %d", reporter.inProgress.Load())
	}

	reporter.ObjectSucceeded(256)
	reporter.ObjectStarted()
	reporter.ObjectFailed()
	reporter.ObjectStarted()
	reporter.ObjectSkipped()

	if reporter.inProgress.Load() != 0 {
		t.Errorf("expected 0 in-progress, got %d", reporter.inProgress.Load())
	}
	succeeded, skipped, failed := reporter.succeeded.Load(), reporter.skipped.Load(), reporter.failed.Load()
	if succeeded != 1 || skipped != 1 || failed != 1 {
		t.Errorf("unexpected counts: succeeded=%d skipped=%d failed=%d", succeeded, skipped, failed)
	}
	if reporter.bytes.Load() != 256 {
		t.Errorf("expected 256 bytes, got %d", reporter.bytes.Load())
	}
}

func TestReporterStartStop(t *testing.T) {
	log, hook := test.NewNullLogger()
	clock := clockwork.NewFakeClock()
	reporter := NewReporter(Options{
		Stream:         "activities",
		Workers:        2,
		Log:            log,
		Clock:          clock,
		UpdateInterval: time.Second,
	})

	reporter.Start()

	reporter.ObjectStarted()
	reporter.ObjectSucceeded(1024)
	reporter.ObjectStarted()
	reporter.ObjectSucceeded(1024)

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	reporter.Stop()
	reporter.Stop() // idempotent

	var sawFinal bool
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "Finished: 2 objects") {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Errorf("expected a final status line, got %d entries", len(hook.AllEntries()))
	}
}

func TestReporterStopWithoutStart(t *testing.T) {
	log, _ := test.NewNullLogger()
	reporter := NewReporter(Options{Log: log})
	reporter.Stop()
}
