package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for decisions. Hard overrides get their
// own counter because they are the signal reviewers watch.
type Metrics struct {
	Recorded      prometheus.Counter
	HardOverrides prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Recorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keel_decisions_recorded_total",
			Help: "Decisions recorded against exceptions",
		}),
		HardOverrides: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keel_decision_hard_overrides_total",
			Help: "Decisions recorded as hard overrides",
		}),
	}
}

func (m *Metrics) IncrementRecorded(hardOverride bool) {
	m.Recorded.Inc()
	if hardOverride {
		m.HardOverrides.Inc()
	}
}
