// Package metrics exposes Prometheus metrics and a health endpoint for the
// market history tool. Each Metrics value owns a private registry so that
// several instances, including those created by tests, never collide.
//
// All recording methods are safe on a nil *Metrics, which lets components
// treat metrics as optional.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/johnayoung/go-market-history/internal/config"
	"github.com/johnayoung/go-market-history/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "markethistory"

// HealthChecker interface for components that provide health status
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Metrics holds every collector the tool records into.
type Metrics struct {
	registry *prometheus.Registry

	FeedRequests        *prometheus.CounterVec
	FeedRequestDuration prometheus.Histogram
	FeedTradesFetched   prometheus.Counter

	CacheLookups *prometheus.CounterVec
	CacheAge     prometheus.Gauge

	WindowsBuilt     *prometheus.CounterVec
	TradesAggregated prometheus.Counter
	CandlesSkipped   prometheus.Counter
	GapsDetected     *prometheus.CounterVec

	TradesStored *prometheus.CounterVec
	Errors       *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FeedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "requests_total",
			Help:      "Market history requests by outcome.",
		}, []string{"outcome"}),
		FeedRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "request_duration_seconds",
			Help:      "Latency of market history requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		FeedTradesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "trades_fetched_total",
			Help:      "Trades received from the feed.",
		}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Snapshot cache lookups by result (hit, stale, miss).",
		}, []string{"result"}),
		CacheAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "snapshot_age_seconds",
			Help:      "Age of the most recently served snapshot.",
		}),

		WindowsBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "windows_built_total",
			Help:      "Windows produced by granularity.",
		}, []string{"granularity"}),
		TradesAggregated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "trades_total",
			Help:      "Trades passed through the aggregator.",
		}),
		CandlesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "candles_skipped_total",
			Help:      "Windows that could not be summarized into a candle.",
		}),
		GapsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "gaps_detected_total",
			Help:      "Empty or partial buckets found by kind.",
		}, []string{"kind"}),

		TradesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "trades_total",
			Help:      "Trades written to storage by result (inserted, duplicate).",
		}, []string{"result"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by component and classified type.",
		}, []string{"component", "type"}),
	}

	m.registry.MustRegister(
		m.FeedRequests,
		m.FeedRequestDuration,
		m.FeedTradesFetched,
		m.CacheLookups,
		m.CacheAge,
		m.WindowsBuilt,
		m.TradesAggregated,
		m.CandlesSkipped,
		m.GapsDetected,
		m.TradesStored,
		m.Errors,
	)

	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves m in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFeedRequest records one feed round trip.
func (m *Metrics) ObserveFeedRequest(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.FeedRequests.WithLabelValues(outcome).Inc()
	m.FeedRequestDuration.Observe(duration.Seconds())
}

// ObserveTradesFetched records trades decoded from a feed response.
func (m *Metrics) ObserveTradesFetched(n int) {
	if m == nil {
		return
	}
	m.FeedTradesFetched.Add(float64(n))
}

// ObserveCacheLookup records a cache lookup and the age of what it served.
func (m *Metrics) ObserveCacheLookup(result string, age time.Duration) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
	if age >= 0 {
		m.CacheAge.Set(age.Seconds())
	}
}

// ObserveWindows records one aggregation pass.
func (m *Metrics) ObserveWindows(granularity string, windows, trades int) {
	if m == nil {
		return
	}
	m.WindowsBuilt.WithLabelValues(granularity).Add(float64(windows))
	m.TradesAggregated.Add(float64(trades))
}

// ObserveSkippedCandle records a window that produced no candle.
func (m *Metrics) ObserveSkippedCandle() {
	if m == nil {
		return
	}
	m.CandlesSkipped.Inc()
}

// ObserveGaps records detected gaps of one kind.
func (m *Metrics) ObserveGaps(kind string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.GapsDetected.WithLabelValues(kind).Add(float64(count))
}

// ObserveStored records a storage batch.
func (m *Metrics) ObserveStored(inserted, duplicates int) {
	if m == nil {
		return
	}
	m.TradesStored.WithLabelValues("inserted").Add(float64(inserted))
	m.TradesStored.WithLabelValues("duplicate").Add(float64(duplicates))
}

// ObserveError records a classified error.
func (m *Metrics) ObserveError(component, errorType string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component, errorType).Inc()
}

// Server exposes metrics and health over HTTP.
type Server struct {
	config      config.MetricsConfig
	metrics     *Metrics
	logger      *logger.ComponentLogger
	healthCheck HealthChecker
	startTime   time.Time
	server      *http.Server
}

// NewServer creates a metrics server. checker may be nil.
func NewServer(cfg config.MetricsConfig, m *Metrics, checker HealthChecker, loggerMgr *logger.LoggerManager) *Server {
	return &Server{
		config:      cfg,
		metrics:     m,
		logger:      loggerMgr.GetComponentLogger("metrics"),
		healthCheck: checker,
		startTime:   time.Now(),
	}
}

// Routes returns the server's handler.
func (s *Server) Routes() http.Handler {
	path := s.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, s.metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens in the background. It is a no-op when metrics are disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Debug("metrics server disabled")
		return nil
	}

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("metrics HTTP server starting", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}

	s.logger.Info("metrics server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
	}

	code := http.StatusOK
	if s.healthCheck != nil {
		if err := s.healthCheck.HealthCheck(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
