// Package telemetry provides Prometheus metrics for the identity semantic
// phase.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the phase's Prometheus instruments. A nil *Metrics is safe
// to use; every method no-ops.
type Metrics struct {
	IdentitiesExtracted    prometheus.Counter
	ClassificationsApplied prometheus.Counter
	RecordsEnhanced        prometheus.Counter
	BatchesCommitted       prometheus.Counter
	BatchesFailed          prometheus.Counter
	ItemErrors             prometheus.Counter
	PhaseFallbacks         prometheus.Counter
	EvaluationDuration     prometheus.Histogram
	PhaseDuration          *prometheus.HistogramVec
}

// New registers the phase metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IdentitiesExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "croweye_semantic_identities_extracted_total",
			Help: "Unique identities extracted from correlation matches",
		}),
		ClassificationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "croweye_semantic_classifications_applied_total",
			Help: "Classification entries applied to identities",
		}),
		RecordsEnhanced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "croweye_semantic_records_enhanced_total",
			Help: "Matches that received propagated classification data",
		}),
		BatchesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "croweye_semantic_batches_committed_total",
			Help: "Persistence batches committed",
		}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "croweye_semantic_batches_failed_total",
			Help: "Persistence batches that failed and were skipped",
		}),
		ItemErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "croweye_semantic_item_errors_total",
			Help: "Per-item recoverable errors (skipped identities, matches, rules)",
		}),
		PhaseFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "croweye_semantic_phase_fallbacks_total",
			Help: "Runs that fell back to returning unmodified input",
		}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "croweye_semantic_evaluation_duration_seconds",
			Help:    "Wall time of the pattern evaluation step",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "croweye_semantic_phase_duration_seconds",
			Help:    "Wall time per phase step",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"step"}),
	}
	reg.MustRegister(
		m.IdentitiesExtracted,
		m.ClassificationsApplied,
		m.RecordsEnhanced,
		m.BatchesCommitted,
		m.BatchesFailed,
		m.ItemErrors,
		m.PhaseFallbacks,
		m.EvaluationDuration,
		m.PhaseDuration,
	)
	return m
}

// AddIdentitiesExtracted records identities pulled into the registry.
func (m *Metrics) AddIdentitiesExtracted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.IdentitiesExtracted.Add(float64(n))
}

// AddClassificationsApplied records rule labels written to matches.
func (m *Metrics) AddClassificationsApplied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ClassificationsApplied.Add(float64(n))
}

// AddRecordsEnhanced records matches that received semantic data.
func (m *Metrics) AddRecordsEnhanced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsEnhanced.Add(float64(n))
}

// IncBatchCommitted counts one successfully committed write batch.
func (m *Metrics) IncBatchCommitted() {
	if m == nil {
		return
	}
	m.BatchesCommitted.Inc()
}

// IncBatchFailed counts one write batch that could not be committed.
func (m *Metrics) IncBatchFailed() {
	if m == nil {
		return
	}
	m.BatchesFailed.Inc()
}

// AddItemErrors counts items skipped or failed during processing.
func (m *Metrics) AddItemErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemErrors.Add(float64(n))
}

// IncPhaseFallback counts one run that returned unmodified input after a failure.
func (m *Metrics) IncPhaseFallback() {
	if m == nil {
		return
	}
	m.PhaseFallbacks.Inc()
}

// ObserveStep records a phase step duration when m is non-nil.
func (m *Metrics) ObserveStep(step string, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(step).Observe(seconds)
}

// ObserveEvaluation records the evaluation wall time when m is non-nil.
func (m *Metrics) ObserveEvaluation(seconds float64) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(seconds)
}
