// Package metrics provides Prometheus instrumentation for the operations engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LoadsTotal counts load attempts by terminal outcome, including
	// pre-flight rejections.
	LoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsengine_loads_total",
		Help: "Total number of load cycles by outcome",
	}, []string{"mode", "outcome"})

	// LoadDuration tracks wall time of cycles that passed pre-flight.
	LoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsengine_load_duration_seconds",
		Help:    "Load cycle duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
	}, []string{"mode"})

	// LoadInProgress is 1 while a cycle holds the single-flight slot.
	LoadInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opsengine_load_in_progress",
		Help: "Whether a load cycle is currently running",
	})

	// PagesFetched counts pages returned by the data source.
	PagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsengine_pages_fetched_total",
		Help: "Pages fetched from the data source",
	})

	// SourceErrors counts data source failures, split by first vs later page.
	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsengine_source_errors_total",
		Help: "Data source failures",
	}, []string{"page"})

	// RecordsIngested counts operations merged into the canonical list.
	RecordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsengine_records_ingested_total",
		Help: "Operations merged into the canonical list",
	})

	// RecordsDropped counts raw records that failed normalization.
	RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsengine_records_dropped_total",
		Help: "Raw records dropped during normalization",
	})

	// CanonicalSize is the current length of the canonical list.
	CanonicalSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opsengine_canonical_operations",
		Help: "Operations in the current canonical list",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opsengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern prefers the matched chi pattern to keep label cardinality low.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
