package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one process. Every Observe*
// method is safe to call on a nil *Metrics so components can run without
// instrumentation in tests.
type Metrics struct {
	Frames            prometheus.Counter
	DetectionsSkipped prometheus.Counter
	Entries           *prometheus.CounterVec
	Exits             *prometheus.CounterVec
	SnapshotWrites    prometheus.Counter
	SnapshotFailures  prometheus.Counter
	RecordsSkipped    prometheus.Counter
	PipelineRuns      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcount_frames_total",
			Help: "Frames passed to the ROI counter",
		}),
		DetectionsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcount_detections_skipped_total",
			Help: "Detections dropped for low confidence or malformed fields",
		}),
		Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcount_entries_total",
			Help: "ROI entry events by class",
		}, []string{"class"}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcount_exits_total",
			Help: "ROI exit events by class",
		}, []string{"class"}),
		SnapshotWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcount_snapshot_writes_total",
			Help: "Snapshots appended to the durable log",
		}),
		SnapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcount_snapshot_failures_total",
			Help: "Snapshot writes that failed and will be retried",
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcount_records_skipped_total",
			Help: "Log lines skipped by the record loader",
		}),
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcount_pipeline_runs_total",
			Help: "Analytics pipeline runs by result status",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.Frames,
		m.DetectionsSkipped,
		m.Entries,
		m.Exits,
		m.SnapshotWrites,
		m.SnapshotFailures,
		m.RecordsSkipped,
		m.PipelineRuns,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that serves the registry in the
// Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFrame records one counted frame and the detections it dropped.
func (m *Metrics) ObserveFrame(skipped int) {
	if m == nil {
		return
	}
	m.Frames.Inc()
	if skipped > 0 {
		m.DetectionsSkipped.Add(float64(skipped))
	}
}

// ObserveCrossings adds per-class entry and exit events for one frame.
func (m *Metrics) ObserveCrossings(entries, exits map[string]int) {
	if m == nil {
		return
	}
	for class, n := range entries {
		m.Entries.WithLabelValues(class).Add(float64(n))
	}
	for class, n := range exits {
		m.Exits.WithLabelValues(class).Add(float64(n))
	}
}

// ObserveSnapshot records the outcome of one snapshot write attempt.
func (m *Metrics) ObserveSnapshot(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SnapshotFailures.Inc()
		return
	}
	m.SnapshotWrites.Inc()
}

// ObserveSkippedRecords adds log lines the loader could not parse.
func (m *Metrics) ObserveSkippedRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsSkipped.Add(float64(n))
}

// ObservePipelineRun counts one pipeline run by status ("ok", "no_data", "error").
func (m *Metrics) ObservePipelineRun(status string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(status).Inc()
}
