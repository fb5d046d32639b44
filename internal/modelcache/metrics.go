package modelcache

import "github.com/prometheus/client_golang/prometheus"

var (
	lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scribed",
			Subsystem: "modelcache",
			Name:      "lookups_total",
			Help:      "Model lookups by tier that served them (memory, disk, source)",
		},
		[]string{"tier"},
	)

	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scribed",
			Subsystem: "modelcache",
			Name:      "evictions_total",
			Help:      "Handles evicted from the memory tier",
		},
	)

	refusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scribed",
			Subsystem: "modelcache",
			Name:      "refusals_total",
			Help:      "Gets refused by resource admission, by pool",
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(lookupsTotal, evictionsTotal, refusalsTotal)
}
