// internal/batch/metrics.go
package batch

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/solatis/ptufix/internal/types"
)

// Metrics collects batch counters in a private registry. Batches run as
// one-shot CLI invocations, so metrics are exported to a node-exporter
// textfile rather than scraped.
type Metrics struct {
	registry *prometheus.Registry
	files    *prometheus.CounterVec
	duration prometheus.Histogram
	mutated  prometheus.Counter
	aborted  prometheus.Counter
}

// NewMetrics registers the batch collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ptufix",
			Subsystem: "batch",
			Name:      "files_total",
			Help:      "Documents processed, by outcome status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ptufix",
			Subsystem: "batch",
			Name:      "file_duration_seconds",
			Help:      "Wall-clock time spent on one document.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		mutated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ptufix",
			Subsystem: "batch",
			Name:      "documents_mutated_total",
			Help:      "Documents changed and written by the rule engine.",
		}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ptufix",
			Subsystem: "batch",
			Name:      "aborted_total",
			Help:      "Batches stopped by the error budget or a fatal error.",
		}),
	}
	m.registry.MustRegister(m.files, m.duration, m.mutated, m.aborted)
	for _, s := range []types.OutcomeStatus{types.OutcomeSuccess, types.OutcomeError, types.OutcomeSkipped} {
		m.files.WithLabelValues(string(s))
	}
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observe(r FileResult) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(string(r.Status)).Inc()
	m.duration.Observe(r.Duration.Seconds())
	if r.Mutated && r.Status == types.OutcomeSuccess {
		m.mutated.Inc()
	}
}

func (m *Metrics) observeAbort() {
	if m == nil {
		return
	}
	m.aborted.Inc()
}

// WriteTextfile writes the current values in the text exposition format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
