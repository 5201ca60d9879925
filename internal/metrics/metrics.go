// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ValuationsTotal counts portfolio valuations, partitioned by outcome.
	ValuationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_valuations_total",
		Help: "Total portfolio valuation batches",
	}, []string{"outcome"})

	// ValuationDuration tracks portfolio valuation latency.
	ValuationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "risk_valuation_duration_seconds",
		Help:    "Portfolio valuation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PriceDuration tracks single-position pricing latency by model tag.
	PriceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "risk_price_duration_seconds",
		Help:    "Single-position pricing latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"model"})

	// RiskRunsTotal counts Expected-Shortfall runs by outcome.
	RiskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_runs_total",
		Help: "Total Expected-Shortfall runs",
	}, []string{"outcome"})

	// RiskRunDuration tracks end-to-end risk run latency.
	RiskRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "risk_run_duration_seconds",
		Help:    "Expected-Shortfall run latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// ScenariosExcluded counts scenarios dropped from runs after
	// revaluation failures.
	ScenariosExcluded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_scenarios_excluded_total",
		Help: "Scenarios excluded from risk runs",
	})

	// PositionsExcluded counts positions dropped from runs after base
	// valuation failures.
	PositionsExcluded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_positions_excluded_total",
		Help: "Positions excluded from risk runs",
	})

	// WebSocketClients tracks connected progress-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "risk_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "risk_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
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

// Unwrap lets http.ResponseController reach Hijack on the underlying
// writer, which WebSocket upgrades need.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
