// Package metrics provides Prometheus instrumentation for the challenge engine.
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
	// ChecksTotal counts challenge evaluations, partitioned by trigger
	// ("periodic" or "on_demand").
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_checks_total",
		Help: "Total number of challenge evaluations",
	}, []string{"trigger"})

	// TransitionsTotal counts persisted active -> terminal transitions.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_transitions_total",
		Help: "Challenges moved out of active, by outcome and reason",
	}, []string{"outcome", "reason"})

	// PersistFailures counts status updates that failed and will be retried.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "challenge_persist_failures_total",
		Help: "Status updates that failed to persist",
	})

	// CheckDuration tracks how long one periodic pass takes.
	CheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "challenge_periodic_check_duration_seconds",
		Help:    "Duration of one periodic check pass",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveChallenges tracks the active set size seen by the last pass.
	ActiveChallenges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "challenge_active",
		Help: "Number of active challenges at the last periodic check",
	})

	// SnapshotResets counts daily baseline resets.
	SnapshotResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "challenge_snapshot_resets_total",
		Help: "Daily equity snapshot resets",
	})

	// QuoteRefreshes counts cache writes by feed family and source tag.
	QuoteRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_quote_refreshes_total",
		Help: "Quote cache writes by family and source (real or synthetic)",
	}, []string{"family", "source"})

	// FetchDuration tracks upstream fetch latency per family.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "challenge_quote_fetch_duration_seconds",
		Help:    "Upstream quote fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"family"})

	// QuoteAge reports the age of a quote at read time.
	QuoteAge = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "challenge_quote_age_seconds",
		Help:    "Age of cached quotes when served",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"family"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "challenge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// TradesTotal counts recorded trades by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_trades_total",
		Help: "Total number of recorded trades",
	}, []string{"side"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "challenge_http_request_duration_seconds",
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern prefers the matched chi pattern (e.g. /challenges/{id})
// over the raw path to keep label cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
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

// Hijack lets websocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
