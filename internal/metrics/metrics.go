package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MutationsTotal counts ledger mutations by family, action, and
	// outcome (the sentinel error name, or "ok").
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_mutations_total",
		Help: "Ledger mutations processed, by family, action, and outcome.",
	}, []string{"family", "action", "outcome"})

	MutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_mutation_duration_seconds",
		Help:    "Time spent committing ledger mutations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"family", "action"})
)

// Handler exposes the default registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
