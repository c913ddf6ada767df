// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charmarket_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "charmarket_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// ListedStocks tracks the number of currently listed stocks.
	ListedStocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "charmarket_listed_stocks",
		Help: "Number of currently listed stocks",
	})

	// BetsPlacedTotal counts directional bets placed, partitioned by type.
	BetsPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charmarket_bets_placed_total",
		Help: "Total directional bets placed",
	}, []string{"type"})

	// BetsSettledTotal counts settlements by terminal status.
	BetsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charmarket_bets_settled_total",
		Help: "Total directional bets settled",
	}, []string{"status"})

	// DriftRunsTotal counts completed drift sweeps.
	DriftRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "charmarket_drift_runs_total",
		Help: "Completed daily drift applications",
	})

	// ExposureLimitRejections counts bets rejected by the exposure limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "charmarket_exposure_limit_rejections_total",
		Help: "Bets rejected by the exposure limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "charmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "charmarket_http_request_duration_seconds",
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
