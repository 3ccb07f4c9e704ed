// Package metrics provides Prometheus instrumentation for the call market.
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
	// ClearingRounds counts clearing rounds by outcome (traded, no_trade, error).
	ClearingRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callmarket_clearing_rounds_total",
		Help: "Total number of clearing rounds",
	}, []string{"outcome"})

	// ClearingLatency tracks the duration of a clearing round, book read to commit.
	ClearingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callmarket_clearing_latency_seconds",
		Help:    "Clearing round latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ClearedQuantity tracks cumulative cleared units per market.
	ClearedQuantity = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callmarket_cleared_quantity_total",
		Help: "Cumulative quantity cleared",
	}, []string{"market_id"})

	// ShortVolume tracks stock issued by short sales per market.
	ShortVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callmarket_short_volume_total",
		Help: "Cumulative stock created by short sales",
	}, []string{"market_id"})

	// OrdersSubmitted counts accepted orders by side.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callmarket_orders_submitted_total",
		Help: "Total number of orders accepted",
	}, []string{"side"})

	// OrdersRejected counts submissions refused before reaching the book.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callmarket_orders_rejected_total",
		Help: "Order submissions rejected",
	}, []string{"reason"})

	// MarketsClosed counts open-to-closed lifecycle transitions.
	MarketsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callmarket_markets_closed_total",
		Help: "Markets transitioned to closed",
	})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callmarket_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts clearing outcomes handed to the event stream.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callmarket_events_published_total",
		Help: "Clearing events published, by result",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callmarket_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded; it is only known
		// after chi has routed the request.
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

// Hijack lets the websocket upgrader take over connections routed through
// the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
