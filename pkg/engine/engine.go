package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/rulecheck/pkg/cache"
	"github.com/openfroyo/rulecheck/pkg/telemetry"
)

// Engine drives a validation run: batches execute strictly in order, the
// rules of a batch execute concurrently on the configured executor.
type Engine struct {
	registry *Registry
	cfg      Config
	logger   zerolog.Logger
	baseEC   *ExecutionContext

	observer  Observer
	profiles  ProfileStore
	cache     *cache.Cache
	ownsCache bool
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	mode      ExecutionMode

	executor batchRunner
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithObserver attaches a progress observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithProfileStore sets the store the adaptive executor learns from.
func WithProfileStore(store ProfileStore) Option {
	return func(e *Engine) {
		e.profiles = store
	}
}

// WithCache shares an existing observation cache. The engine does not close it.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer enables run and batch spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithMode overrides the mode recorded in reports, e.g. for benchmark runs.
func WithMode(mode ExecutionMode) Option {
	return func(e *Engine) {
		e.mode = mode
	}
}

// NewEngine creates an engine validating the tree at repoRoot with the rules in registry.
func NewEngine(repoRoot string, registry *Registry, cfg Config, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, NewConfigError("rule registry is nil", nil).WithCode(ErrCodeValidation)
	}

	e := &Engine{
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   zerolog.Nop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	e.logger = e.logger.With().Str("component", "engine").Logger()

	if e.cache == nil {
		e.cache = cache.New(e.cfg.CacheTTL)
		e.ownsCache = true
	}

	ec, err := NewExecutionContext(repoRoot, e.cache, e.cfg, e.logger)
	if err != nil {
		return nil, err
	}
	e.baseEC = ec

	if e.cfg.Adaptive {
		profiler := NewProfiler(e.profiles, e.cfg, e.logger)
		e.executor = NewAdaptiveExecutor(registry, profiler, e.cfg, e.logger)
	} else {
		e.executor = NewFixedExecutor(registry, e.cfg.MaxWorkers, e.logger)
	}
	if e.mode == "" {
		e.mode = e.executor.Mode()
	}

	if e.metrics != nil {
		c := e.cache
		e.metrics.SetCacheSource(func() telemetry.CacheCounters {
			s := c.Stats()
			return telemetry.CacheCounters{
				Hits:      s.Hits,
				Misses:    s.Misses,
				Evictions: s.Evictions,
				Entries:   s.Entries,
			}
		})
	}

	return e, nil
}

// Mode returns the execution mode recorded in reports.
func (e *Engine) Mode() ExecutionMode {
	return e.mode
}

// Executor returns the batch executor the engine drives.
func (e *Engine) Executor() BatchExecutor {
	return e.executor
}

// Cache returns the observation cache shared by rule executions.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Close releases the cache if the engine created it.
func (e *Engine) Close() error {
	if e.ownsCache {
		return e.cache.Close()
	}
	return nil
}

// Run executes batches in order and returns the validation report.
//
// The graph and the registry are validated first; a structural problem is
// returned as a ConfigError before any rule runs. Rule failures never abort
// the run. Cancellation is honoured between batches only: the report then
// covers the completed batches and the context error is returned with it.
func (e *Engine) Run(ctx context.Context, batches []BatchDefinition) (*ValidationReport, error) {
	if err := ValidateBatches(batches); err != nil {
		e.recordError(err)
		return nil, err
	}
	if err := e.registry.Validate(batches); err != nil {
		e.recordError(err)
		return nil, err
	}
	batches = orderBatches(batches)

	runID := uuid.New().String()
	ec := e.baseEC.withRunID(runID)
	logger := e.logger.With().Str("run_id", runID).Logger()
	total := countRules(batches)

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartRunSpan(ctx, runID)
		defer span.End()
		span.SetAttributes(
			telemetry.AttrRunMode.String(string(e.mode)),
			attribute.Int("run.rules", total),
			attribute.Int("run.batches", len(batches)),
		)
	}
	if e.metrics != nil {
		e.metrics.RecordRunStarted(string(e.mode))
	}

	logger.Info().
		Str("mode", string(e.mode)).
		Int("batches", len(batches)).
		Int("rules", total).
		Int("max_workers", e.cfg.MaxWorkers).
		Msg("Starting validation run")

	before := e.cache.Stats()
	collector := NewStatsCollector()
	start := time.Now()
	completed := 0

	hook := func(res ValidationResult) {
		completed++
		if e.metrics != nil {
			outcome := "passed"
			if !res.Passed {
				outcome = "failed"
			}
			e.metrics.RecordRuleExecution(outcome, string(res.Severity), res.Duration)
		}
		e.observer.RuleCompleted(res, completed, total)
	}

	var runErr error
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			runErr = err
			logger.Warn().Err(err).
				Int("completed_batches", len(collector.Batches())).
				Msg("Run cancelled between batches")
			break
		}

		outcome := e.runBatch(ctx, batch, ec, hook)
		collector.AddBatch(outcome)
		e.observer.BatchCompleted(outcome.Stats)
	}

	end := time.Now()
	after := e.cache.Stats()
	report := collector.Report(ReportMeta{
		RunID:          runID,
		RepoRoot:       ec.RepoRoot,
		Mode:           e.mode,
		Start:          start,
		End:            end,
		PlannedBatches: len(batches),
		CacheHits:      after.Hits - before.Hits,
		CacheMisses:    after.Misses - before.Misses,
		CacheEvictions: after.Evictions - before.Evictions,
	})

	status := "completed"
	if runErr != nil {
		status = "cancelled"
	}
	if e.metrics != nil {
		e.metrics.RecordRunCompleted(status, report.Summary.Duration)
	}

	logger.Info().
		Str("status", status).
		Int("passed", report.PassedCount).
		Int("failed", report.FailedCount).
		Int("steals", report.Summary.TotalSteals).
		Dur("duration", report.Summary.Duration).
		Msg("Validation run finished")

	return report, runErr
}

// runBatch executes one batch. The batch always runs to completion once started.
func (e *Engine) runBatch(ctx context.Context, batch BatchDefinition, ec *ExecutionContext, hook resultHook) BatchOutcome {
	e.observer.BatchStarted(batch, len(batch.RuleIDs))

	batchCtx := context.WithoutCancel(ctx)
	if e.tracer != nil {
		var span trace.Span
		batchCtx, span = e.tracer.StartBatchSpan(batchCtx, batch.BatchID, batch.Name, len(batch.RuleIDs))
		defer span.End()

		inner := hook
		hook = func(res ValidationResult) {
			if !res.Passed {
				telemetry.RecordRuleFailure(span, string(res.RuleID), string(res.Severity))
			}
			inner(res)
		}

		outcome := e.executor.run(batchCtx, batch, ec, hook)
		span.SetAttributes(
			telemetry.AttrBatchWorkers.Int(outcome.Stats.WorkersUsed),
			telemetry.AttrBatchSteals.Int(outcome.Stats.WorkStolenCount),
			telemetry.AttrBatchFailed.Int(outcome.Stats.FailedCount),
		)
		e.recordBatch(outcome.Stats)
		return outcome
	}

	outcome := e.executor.run(batchCtx, batch, ec, hook)
	e.recordBatch(outcome.Stats)
	return outcome
}

func (e *Engine) recordBatch(stats BatchExecutionStats) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordBatch(string(e.mode), stats.Duration, stats.WorkersUsed, stats.WorkStolenCount,
		stats.WorkerUtilization, stats.PredictionError)
	for range stats.Errors {
		e.metrics.RecordError(string(ErrorClassRuleExecution), "")
	}
}

func (e *Engine) recordError(err error) {
	if e.metrics == nil {
		return
	}
	if ee, ok := asEngineError(err); ok {
		e.metrics.RecordError(string(ee.Class), ee.Code)
	}
}

// orderBatches returns a copy of batches sorted by BatchID.
func orderBatches(batches []BatchDefinition) []BatchDefinition {
	out := append([]BatchDefinition(nil), batches...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}
