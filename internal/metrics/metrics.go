// Package metrics holds the Prometheus counters for capture runs.
//
// A nil *Metrics is valid and records nothing, so callers never need to
// check whether metrics were requested.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hpungsan/ignitron/internal/session"
)

const namespace = "ignitron"

// Metrics holds Prometheus metrics for one process.
type Metrics struct {
	registry *prometheus.Registry

	linesReceived prometheus.Counter
	bytesReceived prometheus.Counter
	readErrors    prometheus.Counter
	lastActivity  prometheus.Gauge
	outcomes      *prometheus.CounterVec
	bankListSize  prometheus.Gauge
	runDuration   prometheus.Histogram
}

// New creates the metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		linesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "lines_received_total",
			Help:      "Total lines received from the serial transport",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "bytes_received_total",
			Help:      "Total bytes read from the serial transport",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "read_errors_total",
			Help:      "Transport open or read failures",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last received line",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "presets_total",
			Help:      "Preset captures by outcome",
		}, []string{"outcome"}),
		bankListSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "bank_list_size",
			Help:      "Filenames in the last extracted bank list",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished capture runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
	}

	m.registry.MustRegister(
		m.linesReceived,
		m.bytesReceived,
		m.readErrors,
		m.lastActivity,
		m.outcomes,
		m.bankListSize,
		m.runDuration,
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

// ObserveLine records one received line of n bytes, excluding the terminator.
func (m *Metrics) ObserveLine(n int) {
	if m == nil {
		return
	}
	m.linesReceived.Inc()
	m.bytesReceived.Add(float64(n + 1))
	m.lastActivity.SetToCurrentTime()
}

// ObserveReadError records a transport failure.
func (m *Metrics) ObserveReadError() {
	if m == nil {
		return
	}
	m.readErrors.Inc()
}

// ObserveOutcome records one capture outcome.
func (m *Metrics) ObserveOutcome(o session.Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(o.String()).Inc()
}

// ObserveBankList records the size of an extracted bank list.
func (m *Metrics) ObserveBankList(n int) {
	if m == nil {
		return
	}
	m.bankListSize.Set(float64(n))
}

// ObserveStats records a finished run. Outcome counters are only touched
// for runs whose captures were not observed one by one.
func (m *Metrics) ObserveStats(st session.Stats, elapsed time.Duration, perCapture bool) {
	if m == nil {
		return
	}
	m.runDuration.Observe(elapsed.Seconds())
	if perCapture {
		return
	}
	m.outcomes.WithLabelValues(session.OutcomeSaved.String()).Add(float64(st.Saved))
	m.outcomes.WithLabelValues(session.OutcomeDuplicate.String()).Add(float64(st.SkippedDuplicate))
	m.outcomes.WithLabelValues(session.OutcomeNoFilename.String()).Add(float64(st.SkippedNoFilename))
	m.outcomes.WithLabelValues(session.OutcomeNotInFilter.String()).Add(float64(st.SkippedNotInFilter))
	m.outcomes.WithLabelValues(session.OutcomeBroken.String()).Add(float64(st.Broken))
}

// WriteTextfile writes all metrics in the Prometheus text format, for the
// node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
