// Package metrics provides Prometheus instrumentation for the paper-trading
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerEntries counts ledger appends by entry type.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperopt_ledger_entries_total",
		Help: "Ledger entries written, by type",
	}, []string{"type"})

	// OptionTrades counts option legs opened, by side and right.
	OptionTrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperopt_option_trades_total",
		Help: "Option legs opened",
	}, []string{"side", "right"})

	// Settlements counts settled legs by outcome.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperopt_settlements_total",
		Help: "Option legs settled at expiry, by outcome",
	}, []string{"outcome"})

	// Assignments counts short assignments by right.
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperopt_assignments_total",
		Help: "Short option assignments, by right",
	}, []string{"right"})

	// InvariantViolations counts settlement passes aborted by an invariant
	// violation.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperopt_invariant_violations_total",
		Help: "Settlements aborted by an invariant violation",
	})

	// ActiveSessions tracks the number of live simulation sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperopt_active_sessions",
		Help: "Number of live simulation sessions",
	})

	// EvaluationLatency tracks Monte Carlo evaluation time.
	EvaluationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paperopt_evaluation_seconds",
		Help:    "Strategy evaluation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperopt_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperopt_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperopt_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by the chi route pattern, so
// session ids do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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
