package resource

import "github.com/prometheus/client_golang/prometheus"

var (
	reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scribed",
			Subsystem: "resource",
			Name:      "reservations_total",
			Help:      "Reserve calls by outcome",
		},
		[]string{"outcome"},
	)

	releasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scribed",
			Subsystem: "resource",
			Name:      "releases_total",
			Help:      "Leases released by their owner",
		},
	)

	reclaimedWorkersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scribed",
			Subsystem: "resource",
			Name:      "reclaimed_workers_total",
			Help:      "Workers whose leases were force-released",
		},
	)

	usageMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scribed",
			Subsystem: "resource",
			Name:      "usage_mb",
			Help:      "Aggregate reserved memory per pool as last observed",
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(reservationsTotal, releasesTotal, reclaimedWorkersTotal, usageMB)
}

func observeUsage(u Usage) {
	usageMB.WithLabelValues(string(PoolDevice)).Set(float64(u.VRAMMB))
	usageMB.WithLabelValues(string(PoolHost)).Set(float64(u.RAMMB))
}
