package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func httpOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: "scribed", Subsystem: "http", Name: name, Help: help}
}

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts(httpOpts("requests_total", "HTTP requests by route, method and status")),
		[]string{"path", "method", "status"},
	)

	requestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scribed",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route, method and status",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"path", "method", "status"},
	)

	inflightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts(httpOpts("inflight_requests", "HTTP requests currently being served")),
		[]string{"path"},
	)

	// exhaustedTotal counts 429 answers by the pool that ran dry.
	exhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts(httpOpts("backpressure_total", "Requests rejected with 429 because a resource pool was exhausted")),
		[]string{"pool"},
	)
)

// MetricsMiddleware records one sample per request, labeled with the chi
// route pattern once routing has resolved it.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{"path": routeLabel(r), "method": r.Method, "status": strconv.Itoa(status)}
		requestsTotal.With(labels).Inc()
		requestSeconds.With(labels).Observe(time.Since(start).Seconds())
	})
}

// inflight must sit inside the router so the pattern is already known.
func inflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g := inflightRequests.WithLabelValues(routeLabel(r))
		g.Inc()
		defer g.Dec()
		next.ServeHTTP(w, r)
	})
}

// routeLabel keeps task ids out of label values.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func countExhausted(pool string) {
	if pool == "" {
		pool = "unknown"
	}
	exhaustedTotal.WithLabelValues(pool).Inc()
}
