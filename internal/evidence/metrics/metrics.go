package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for evidence pack generation.
type Metrics struct {
	Generated prometheus.Counter
	Failures  prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Generated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keel_evidence_packs_generated_total",
			Help: "Evidence packs assembled and persisted",
		}),
		Failures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keel_evidence_generation_failures_total",
			Help: "Evidence pack generation attempts that failed",
		}),
	}
}

func (m *Metrics) IncrementGenerated() {
	m.Generated.Inc()
}

func (m *Metrics) IncrementFailure() {
	m.Failures.Inc()
}
