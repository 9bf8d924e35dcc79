// Package metrics provides Prometheus instrumentation for the position engine.
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
	// LedgerWritesTotal counts committed ledger writes by entity and operation.
	LedgerWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sauda_ledger_writes_total",
		Help: "Committed ledger writes",
	}, []string{"entity", "op"})

	// UnitOfWorkDuration tracks the time from ledger write to commit of all
	// derived rows, by operation.
	UnitOfWorkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sauda_unit_of_work_duration_seconds",
		Help:    "Ledger write plus recalculation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// RecalculationsTotal counts derived rows rewritten, by kind
	// (pending, stock, snapshot_date).
	RecalculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sauda_recalculations_total",
		Help: "Derived rows recomputed",
	}, []string{"kind"})

	// OverDeliveriesTotal counts deliveries that pushed a contract past its
	// contracted weight.
	OverDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sauda_over_deliveries_total",
		Help: "Over-delivered contracts detected",
	})

	// BackfillJobsTotal counts finished maintenance jobs by kind and status.
	BackfillJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sauda_backfill_jobs_total",
		Help: "Finished backfill jobs",
	}, []string{"kind", "status"})

	// BackfillUnitsTotal counts per-key / per-date units processed by
	// backfills, by kind and result.
	BackfillUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sauda_backfill_units_total",
		Help: "Backfill units processed",
	}, []string{"kind", "result"})

	// BackfillRunning is 1 while a backfill holds the single-run lock.
	BackfillRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sauda_backfill_running",
		Help: "Whether a backfill is running",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sauda_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sauda_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sauda_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
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

		// Label by route pattern, not raw path, so ids don't explode cardinality.
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

// Hijack lets the websocket upgrader take over connections behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
