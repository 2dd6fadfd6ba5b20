package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// CacheCounters is a snapshot of observation cache counters.
type CacheCounters struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
}

// Metrics provides Prometheus metrics for rule validation runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Rule metrics
	rulesExecuted *prometheus.CounterVec
	ruleDuration  prometheus.Histogram

	// Batch metrics
	batchDuration        *prometheus.HistogramVec
	batchWorkers         *prometheus.HistogramVec
	batchSteals          *prometheus.CounterVec
	batchUtilization     *prometheus.GaugeVec
	batchPredictionError *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	cacheMu     sync.RWMutex
	cacheSource func() CacheCounters

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of validation runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of validation runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of validation runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"status"},
		),

		rulesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_executed_total",
				Help:      "Total number of rule executions by outcome and severity",
			},
			[]string{"outcome", "severity"},
		),
		ruleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_duration_seconds",
				Help:      "Duration of single rule executions in seconds",
				Buckets:   buckets,
			},
		),

		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Wall-clock duration of batches in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),
		batchWorkers: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_workers",
				Help:      "Number of workers used per batch",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"mode"},
		),
		batchSteals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_steals_total",
				Help:      "Total number of rules executed by a worker other than the one they were assigned to",
			},
			[]string{"mode"},
		),
		batchUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_batch_worker_utilization",
				Help:      "Worker utilization of the most recent batch (0-1)",
			},
			[]string{"mode"},
		),
		batchPredictionError: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_batch_prediction_error",
				Help:      "Relative prediction error of the most recent batch",
			},
			[]string{"mode"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	cacheHits := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Observation cache hits",
		},
		func() float64 { return float64(m.cacheCounters().Hits) },
	)
	cacheMisses := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Observation cache misses",
		},
		func() float64 { return float64(m.cacheCounters().Misses) },
	)
	cacheEvictions := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Observation cache evictions",
		},
		func() float64 { return float64(m.cacheCounters().Evictions) },
	)
	cacheEntries := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by the observation cache",
		},
		func() float64 { return float64(m.cacheCounters().Entries) },
	)

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.rulesExecuted,
		m.ruleDuration,
		m.batchDuration,
		m.batchWorkers,
		m.batchSteals,
		m.batchUtilization,
		m.batchPredictionError,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		cacheHits,
		cacheMisses,
		cacheEvictions,
		cacheEntries,
	)

	return m, nil
}

// Registry returns the private registry, or nil for a disabled instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetCacheSource sets the function the cache metrics read from.
func (m *Metrics) SetCacheSource(fn func() CacheCounters) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cacheSource = fn
}

func (m *Metrics) cacheCounters() CacheCounters {
	m.cacheMu.RLock()
	fn := m.cacheSource
	m.cacheMu.RUnlock()
	if fn == nil {
		return CacheCounters{}
	}
	return fn()
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(mode string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Rule Metrics

// RecordRuleExecution records one rule execution.
func (m *Metrics) RecordRuleExecution(outcome, severity string, duration time.Duration) {
	if m.rulesExecuted == nil {
		return
	}
	m.rulesExecuted.WithLabelValues(outcome, severity).Inc()
	m.ruleDuration.Observe(duration.Seconds())
}

// Batch Metrics

// RecordBatch records the statistics of one completed batch.
func (m *Metrics) RecordBatch(mode string, duration time.Duration, workers, steals int, utilization, predictionError float64) {
	if m.batchDuration == nil {
		return
	}
	m.batchDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.batchWorkers.WithLabelValues(mode).Observe(float64(workers))
	m.batchSteals.WithLabelValues(mode).Add(float64(steals))
	m.batchUtilization.WithLabelValues(mode).Set(utilization)
	m.batchPredictionError.WithLabelValues(mode).Set(predictionError)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the application
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
