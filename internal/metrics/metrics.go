// Package metrics provides Prometheus instrumentation for the perp engine.
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
	// PositionsOpened counts opened positions, partitioned by direction.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"direction"})

	// PositionsClosed counts settled positions by close reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_positions_closed_total",
		Help: "Total number of positions settled",
	}, []string{"reason"})

	// SettlementLatency tracks settlement execution latency.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_settlement_latency_seconds",
		Help:    "Position settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"reason"})

	// LiquidityRejections counts opens refused by the solvency gate.
	LiquidityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_liquidity_rejections_total",
		Help: "Opens rejected because the pool could not cover the max payout",
	})

	// PoolDeposits counts LP deposits per asset.
	PoolDeposits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_pool_deposits_total",
		Help: "Total LP deposits",
	}, []string{"asset"})

	// PoolWithdrawals counts LP withdrawals per asset.
	PoolWithdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_pool_withdrawals_total",
		Help: "Total LP withdrawals",
	}, []string{"asset"})

	// FeesDistributed tracks distributed fee volume in base units.
	FeesDistributed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_fees_distributed_total",
		Help: "Cumulative distributed fees in base units",
	}, []string{"asset"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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
