// Package metrics gathers the per-feature Prometheus metric sets into one
// construction site so cmd/server wires them in a single call, and exposes
// the scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	decmetrics "keel/internal/decision/metrics"
	evalmetrics "keel/internal/evaluation/metrics"
	evmetrics "keel/internal/evidence/metrics"
	excmetrics "keel/internal/exception/metrics"
	replaymetrics "keel/internal/replay/metrics"
)

// Kernel holds every feature's metric set. Collectors register against
// the default registry on construction, so build it exactly once per
// process.
type Kernel struct {
	Evaluation *evalmetrics.Metrics
	Exception  *excmetrics.Metrics
	Decision   *decmetrics.Metrics
	Evidence   *evmetrics.Metrics
	Replay     *replaymetrics.Metrics
}

func NewKernel() *Kernel {
	return &Kernel{
		Evaluation: evalmetrics.New(),
		Exception:  excmetrics.New(),
		Decision:   decmetrics.New(),
		Evidence:   evmetrics.New(),
		Replay:     replaymetrics.New(),
	}
}

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
