package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the exception engine.
type Metrics struct {
	Raised     *prometheus.CounterVec
	Suppressed prometheus.Counter
	Closed     *prometheus.CounterVec
}

// New creates a Metrics instance with all exception metrics registered.
func New() *Metrics {
	return &Metrics{
		Raised: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_exceptions_raised_total",
			Help: "Exceptions opened, by severity and namespace kind",
		}, []string{"severity", "namespace_kind"}),
		Suppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keel_exceptions_suppressed_total",
			Help: "Exception raises suppressed by an existing open fingerprint",
		}),
		Closed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_exceptions_closed_total",
			Help: "Exceptions leaving the open state, by terminal status",
		}, []string{"status"}),
	}
}

// IncrementRaised records one newly opened exception.
func (m *Metrics) IncrementRaised(severity string, production bool) {
	kind := "replay"
	if production {
		kind = "production"
	}
	m.Raised.WithLabelValues(severity, kind).Inc()
}

// IncrementSuppressed records a dedup suppression.
func (m *Metrics) IncrementSuppressed() {
	m.Suppressed.Inc()
}

// IncrementClosed records an open exception reaching a terminal status.
func (m *Metrics) IncrementClosed(status string) {
	m.Closed.WithLabelValues(status).Inc()
}
