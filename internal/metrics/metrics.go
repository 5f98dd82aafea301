// Package metrics exports run counters in the Prometheus text format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pdsync"

// Metrics holds the counters of one run. Every method is safe to call on a
// nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	objects           *prometheus.CounterVec
	bytes             *prometheus.CounterVec
	pages             *prometheus.CounterVec
	checkpointWrites  *prometheus.CounterVec
	entitiesSelected  *prometheus.CounterVec
	manifestRowErrors prometheus.Counter
	dirsPruned        prometheus.Counter
	staleRemoved      prometheus.Counter
	lastSuccess       prometheus.Gauge
}

// New creates the run's metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		objects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_total",
				Help:      "Objects processed by outcome.",
			},
			[]string{"stream", "outcome"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Bytes written to local disk.",
			},
			[]string{"stream"},
		),
		pages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_total",
				Help:      "Listing pages dispatched.",
			},
			[]string{"stream", "bucket"},
		),
		checkpointWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_writes_total",
				Help:      "Checkpoints persisted.",
			},
			[]string{"stream"},
		),
		entitiesSelected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_selected_total",
				Help:      "Entities selected from the change manifest.",
			},
			[]string{"stream"},
		),
		manifestRowErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_row_errors_total",
				Help:      "Manifest rows skipped because they could not be parsed, summed over stream scans.",
			},
		),
		dirsPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "directories_pruned_total",
				Help:      "Empty directories removed after a sync.",
			},
		),
		staleRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_files_removed_total",
				Help:      "Local files removed because they no longer exist remotely.",
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Start time of the last successful run.",
			},
		),
	}

	m.registry.MustRegister(
		m.objects,
		m.bytes,
		m.pages,
		m.checkpointWrites,
		m.entitiesSelected,
		m.manifestRowErrors,
		m.dirsPruned,
		m.staleRemoved,
		m.lastSuccess,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObjectDone counts one fetch outcome.
func (m *Metrics) ObjectDone(stream, outcome string, n int64) {
	if m == nil {
		return
	}
	m.objects.WithLabelValues(stream, outcome).Inc()
	if n > 0 {
		m.bytes.WithLabelValues(stream).Add(float64(n))
	}
}

// PageDispatched counts one listing page.
func (m *Metrics) PageDispatched(stream, bucket string) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(stream, bucket).Inc()
}

// CheckpointSaved counts one persisted checkpoint.
func (m *Metrics) CheckpointSaved(stream string) {
	if m == nil {
		return
	}
	m.checkpointWrites.WithLabelValues(stream).Inc()
}

// EntitySelected counts one entity picked from the manifest.
func (m *Metrics) EntitySelected(stream string) {
	if m == nil {
		return
	}
	m.entitiesSelected.WithLabelValues(stream).Inc()
}

// ManifestRowsSkipped counts unparseable manifest rows.
func (m *Metrics) ManifestRowsSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.manifestRowErrors.Add(float64(n))
}

// DirsPruned counts removed directories.
func (m *Metrics) DirsPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dirsPruned.Add(float64(n))
}

// StaleFilesRemoved counts removed local files.
func (m *Metrics) StaleFilesRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.staleRemoved.Add(float64(n))
}

// RunSucceeded records the start time of a successful run.
func (m *Metrics) RunSucceeded(start time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.Set(float64(start.Unix()))
}

// WriteTextfile writes the current values in the text exposition format,
// for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
