// Package metrics provides Prometheus instrumentation for the risk engine.
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
	// ScansTotal counts completed liquidation scans.
	ScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_risk_scans_total",
		Help: "Total number of liquidation scans",
	})

	// ScanDuration tracks how long a full scan takes.
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atmx_risk_scan_duration_seconds",
		Help:    "Liquidation scan duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// LiquidatablePortfolios is the candidate count of the latest scan.
	LiquidatablePortfolios = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_risk_liquidatable_portfolios",
		Help: "Portfolios with negative health in the latest scan",
	})

	// ScanSkippedRecords counts enumerated records that were not priced,
	// by reason ("malformed", "unpriced").
	ScanSkippedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_risk_scan_skipped_records_total",
		Help: "Records skipped during scans",
	}, []string{"reason"})

	// LiquidationsTotal counts liquidation attempts by outcome class.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_risk_liquidations_total",
		Help: "Liquidation attempts by outcome",
	}, []string{"outcome"})

	// LiquidationLatency tracks attempt latency from re-fetch to router result.
	LiquidationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atmx_risk_liquidation_latency_seconds",
		Help:    "Liquidation attempt latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// OracleUpdatesTotal counts price update attempts by result.
	OracleUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_risk_oracle_updates_total",
		Help: "Oracle price updates by result",
	}, []string{"result"})

	// EventPublishFailures counts liquidation events a sink failed to take.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_risk_event_publish_failures_total",
		Help: "Liquidation event publish failures by sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets the WebSocket upgrade through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
