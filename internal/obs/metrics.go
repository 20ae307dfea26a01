package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authzDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Permission decisions by reason and outcome.",
		},
		[]string{"reason", "granted"},
	)

	authzCacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_cache_events_total",
			Help: "Permission cache lookups by result.",
		},
		[]string{"result"},
	)

	tokenOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_operations_total",
			Help: "Token lifecycle operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	rlsPoliciesApplied = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rls_policies_applied",
		Help:    "Row-level policies combined into a single statement.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		authzDecisionsTotal,
		authzCacheEventsTotal,
		tokenOperationsTotal,
		rlsPoliciesApplied,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts one permission decision.
func ObserveDecision(reason string, granted bool) {
	authzDecisionsTotal.WithLabelValues(reason, strconv.FormatBool(granted)).Inc()
}

// ObserveCache counts a cache lookup ("hit" or "miss").
func ObserveCache(result string) {
	authzCacheEventsTotal.WithLabelValues(result).Inc()
}

// ObserveTokenOp counts one token lifecycle operation.
func ObserveTokenOp(op, outcome string) {
	tokenOperationsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveRLS records how many policies were composed into a statement.
func ObserveRLS(applied int) {
	rlsPoliciesApplied.Observe(float64(applied))
}

// CanonicalPath collapses per-resource path segments so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	if rest, ok := strings.CutPrefix(path, "/v1/policies/"); ok && rest != "" && !strings.Contains(rest, "/") {
		return "/v1/policies/:id"
	}
	return path
}

// Instrument wraps an HTTP handler with request counting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		path := CanonicalPath(r.URL.Path)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
