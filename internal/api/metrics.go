package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockio_http_requests_total",
			Help: "HTTP requests by route group, route, method and status.",
		},
		[]string{"group", "method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockio_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Event streams are left out.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"group", "method", "path"},
	)

	eventStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blockio_http_event_streams",
		Help: "Job event streams currently open.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, eventStreams)
}

// metricsMiddleware counts every request under its chi route pattern, which
// keeps job ids out of the label values. Event streams live as long as
// their job, so their duration is not observed.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		group := routeGroup(path)
		httpRequestsTotal.WithLabelValues(group, r.Method, path, strconv.Itoa(status)).Inc()
		if !strings.HasSuffix(path, "/events") {
			httpRequestDuration.WithLabelValues(group, r.Method, path).Observe(time.Since(start).Seconds())
		}
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// routeGroup maps a route pattern to the API area it belongs to:
// "/v1/jobs/{id}/status" is "jobs", "/healthz" and "/metrics" are "ops".
func routeGroup(pattern string) string {
	rest, ok := strings.CutPrefix(pattern, "/v1/")
	if !ok {
		if pattern == unmatched {
			return unmatched
		}
		return "ops"
	}
	group, _, _ := strings.Cut(rest, "/")
	return group
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
