// Package metrics exposes the Prometheus instrumentation shared by
// every outbox adapter and the bus dispatcher, plus the HTTP handler
// that serves it. Adapted from the teacher's internal/outbox/metrics.go
// and the startMetricsServer helper in cmd/outbox/main.go, extended
// with bus-level dispatch/middleware counters the teacher's
// narrower outbox-only metrics didn't need.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics is the full set of counters/gauges/histograms emitted by a
// running worker process.
type Metrics struct {
	PendingCount       prometheus.Gauge
	ProcessedTotal     prometheus.Counter
	PublishErrorsTotal prometheus.Counter
	ProcessingDuration prometheus.Histogram
	BatchSize          prometheus.Histogram
	DLQTotal           prometheus.Counter

	// DispatchTotal counts middleware-chain runs by outcome label
	// ("ok", "dropped", "error"). The worker's metrics middleware,
	// installed on both the emit and handler pipelines, records only
	// "ok".
	DispatchTotal *prometheus.CounterVec
	// DispatchDuration times one run through a middleware chain (emit
	// or handler).
	DispatchDuration prometheus.Histogram
	// MiddlewareDropsTotal counts events dropped by emit or handler
	// middleware (not calling next, or calling it with dropEvent).
	MiddlewareDropsTotal *prometheus.CounterVec
}

// NewMetrics builds a Metrics registered under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		PendingCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_count",
			Help:      "Number of outbox records currently eligible or in flight.",
		}),
		ProcessedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_total",
			Help:      "Total number of outbox records settled successfully.",
		}),
		PublishErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of handler/publish errors encountered.",
		}),
		ProcessingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing a single claimed batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of records claimed per poll.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 200, 500},
		}),
		DLQTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_total",
			Help:      "Total number of records moved to the failed/dead-letter state.",
		}),
		DispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of bus dispatches by outcome.",
		}, []string{"outcome"}),
		DispatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent running an event through an emit or handler middleware chain.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		MiddlewareDropsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "middleware_drops_total",
			Help:      "Total number of events dropped by middleware, by pipeline.",
		}, []string{"pipeline"}),
	}
}

// DefaultMetrics is the process-wide instance used when the caller
// doesn't need a separate namespace (e.g. for tests).
var DefaultMetrics = NewMetrics("outbox")

// Server wraps an *http.Server exposing /metrics and /health.
type Server struct {
	httpServer *http.Server
}

// StartServer starts the metrics HTTP server in a background goroutine
// and returns immediately, mirroring the teacher's startMetricsServer.
func StartServer(logger *zap.Logger, port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", zap.Int("port", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return &Server{httpServer: httpServer}
}

// Shutdown gracefully stops the metrics HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
