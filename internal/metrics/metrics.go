package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnshop_reconcile_total",
			Help: "Payment reconciliations by outcome reason.",
		},
		[]string{"ok", "reason"},
	)

	ReconcileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnshop_reconcile_errors_total",
			Help: "Failed payment reconciliations split by retryability.",
		},
		[]string{"retryable"},
	)

	KeyProvisioning = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnshop_key_operations_total",
			Help: "Remote credential operations by kind, operation and result.",
		},
		[]string{"kind", "op", "result"},
	)

	TrafficTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnshop_traffic_transitions_total",
			Help: "Traffic quota state transitions.",
		},
		[]string{"transition"},
	)

	RepairLinked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vpnshop_repair_linked_total",
			Help: "Completed payments re-linked to their subscription.",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpnshop_job_duration_seconds",
			Help:    "Duration of periodic job passes.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnshop_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		},
		[]string{"method", "path", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpnshop_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "code"},
	)
)

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := strconv.Itoa(ww.Status())
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}
