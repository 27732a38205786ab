package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for replay runs.
type Metrics struct {
	Runs           *prometheus.CounterVec
	Duration       prometheus.Histogram
	BudgetBreaches prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_replay_runs_total",
			Help: "Replay runs, by outcome",
		}, []string{"outcome"}),
		Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "keel_replay_run_duration_seconds",
			Help:    "Wall-clock duration of replay runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		BudgetBreaches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keel_replay_budget_breaches_total",
			Help: "Budgets found in breach when replay metrics were calculated",
		}),
	}
}

// IncrementRun records one finished run. Outcome is completed or aborted.
func (m *Metrics) IncrementRun(aborted bool) {
	outcome := "completed"
	if aborted {
		outcome = "aborted"
	}
	m.Runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDuration(seconds float64) {
	m.Duration.Observe(seconds)
}

func (m *Metrics) IncrementBudgetBreaches(n int) {
	m.BudgetBreaches.Add(float64(n))
}
