package results

import "github.com/prometheus/client_golang/prometheus"

var cacheLookupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scribed",
		Subsystem: "results",
		Name:      "cache_lookups_total",
		Help:      "Result reads by outcome (hit, miss)",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(cacheLookupsTotal)
}
