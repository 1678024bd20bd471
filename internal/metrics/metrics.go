// Package metrics provides Prometheus instrumentation for the exchange.
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
	// OrdersSubmitted counts orders accepted by the matching engine,
	// partitioned by side and whether any part rested on the book.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_submitted_total",
		Help: "Total orders accepted by the matching engine",
	}, []string{"side", "rested"})

	// TradesMatched counts individual fills produced by matching.
	TradesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_trades_matched_total",
		Help: "Total trades produced by order matching",
	})

	// MatchLatency is the end-to-end latency of submitOrder transactions.
	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_match_latency_seconds",
		Help:    "Order matching transaction latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Total orders cancelled by their owners",
	})

	// MarketsResolved counts market resolutions by outcome.
	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_markets_resolved_total",
		Help: "Total markets resolved",
	}, []string{"outcome"})

	// TxRetries counts transaction re-runs after serialization conflicts.
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_tx_retries_total",
		Help: "Settlement transactions re-run after a write-write conflict",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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

		// Use the raw path for the label; routes here are low-cardinality.
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
