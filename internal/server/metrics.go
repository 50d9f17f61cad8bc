// metrics.go registers all Prometheus metrics for the HTTP server and exposes
// helpers used by handlers and middleware.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the route pattern rather than the raw URL path.
	labelHandler = "handler"

	// metricsNamespace prefixes every collector.
	metricsNamespace = "codeqa"

	// documentsProbeTimeout bounds the store count behind the documents gauge.
	documentsProbeTimeout = 2 * time.Second
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// askRequestsTotal counts completed /api/ask requests, partitioned by
	// outcome: "ok", "timeout", or "error".
	askRequestsTotal *prometheus.CounterVec

	// askDurationSeconds records the wall-clock duration of each /api/ask
	// request from first byte received to stream completion.
	askDurationSeconds *prometheus.HistogramVec

	// askActiveStreams is the number of /api/ask SSE streams currently open.
	askActiveStreams prometheus.Gauge

	// askSources records how many snippets each question retrieved.
	askSources prometheus.Histogram

	// rateLimitedTotal counts requests rejected by the per-IP limiter.
	rateLimitedTotal prometheus.Counter

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		askRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ask",
			Name:      "requests_total",
			Help:      "Total number of /api/ask requests completed, partitioned by outcome.",
		}, []string{"outcome"}),

		askDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ask",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of /api/ask requests from receipt to stream completion.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		askActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ask",
			Name:      "active_streams",
			Help:      "Number of /api/ask SSE streams currently open.",
		}),

		askSources: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ask",
			Name:      "sources",
			Help:      "Number of code snippets retrieved per question.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10},
		}),

		rateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the per-IP rate limiter.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}

// instrument records request count and latency for every request served by
// next. The handler label is the matched route pattern.
func (m *serverMetrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := wrapResponseWriter(w)
		start := time.Now()
		next.ServeHTTP(rw, r)

		handler := r.Pattern
		if handler == "" {
			handler = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, handler, strconv.Itoa(rw.status)).Inc()
		m.httpDurationSeconds.WithLabelValues(r.Method, handler).Observe(time.Since(start).Seconds())
	})
}

// registerDocumentsGauge exposes the indexed document count as a gauge
// evaluated at scrape time. Count failures report -1.
func registerDocumentsGauge(reg prometheus.Registerer, count func(context.Context) (int, error), log *slog.Logger) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "index",
		Name:      "documents",
		Help:      "Number of documents in the vector store for the served repository.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), documentsProbeTimeout)
		defer cancel()
		n, err := count(ctx)
		if err != nil {
			log.Warn("metrics: document count failed", slog.Any("error", err))
			return -1
		}
		return float64(n)
	})
}
