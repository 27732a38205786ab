package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the evaluator.
type Metrics struct {
	Evaluations *prometheus.CounterVec
	DedupHits   prometheus.Counter
	Duration    prometheus.Histogram
}

// New creates a Metrics instance with all evaluator metrics registered.
func New() *Metrics {
	return &Metrics{
		Evaluations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_evaluations_total",
			Help: "Evaluations persisted, by result and namespace kind",
		}, []string{"result", "namespace_kind"}),
		DedupHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keel_evaluation_dedup_hits_total",
			Help: "Evaluations answered from an existing (namespace, input_hash) record",
		}),
		Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "keel_evaluation_duration_seconds",
			Help:    "Duration of Evaluate calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementEvaluation records one persisted evaluation.
func (m *Metrics) IncrementEvaluation(result string, production bool) {
	kind := "replay"
	if production {
		kind = "production"
	}
	m.Evaluations.WithLabelValues(result, kind).Inc()
}

// IncrementDedupHit records an idempotency-check hit.
func (m *Metrics) IncrementDedupHit() {
	m.DedupHits.Inc()
}
