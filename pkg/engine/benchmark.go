package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rulecheck/pkg/cache"
)

// BenchmarkComparison holds the reports of one benchmark and the derived speedups.
type BenchmarkComparison struct {
	Fixed        BenchmarkReport `json:"fixed"`
	AdaptiveCold BenchmarkReport `json:"adaptive_cold"`
	AdaptiveWarm BenchmarkReport `json:"adaptive_warm"`

	// ColdSpeedup and WarmSpeedup are fixed total time over adaptive total time.
	ColdSpeedup float64 `json:"cold_speedup"`
	WarmSpeedup float64 `json:"warm_speedup"`

	// PredictionImprovement is cold minus warm average prediction error.
	PredictionImprovement float64 `json:"prediction_improvement"`
}

// Reports returns the three reports in execution order.
func (c *BenchmarkComparison) Reports() []BenchmarkReport {
	return []BenchmarkReport{c.Fixed, c.AdaptiveCold, c.AdaptiveWarm}
}

// Benchmark runs the same rule set under the fixed executor and under the
// adaptive executor with a cold and then a warm profile.
type Benchmark struct {
	repoRoot string
	registry *Registry
	cfg      Config
	logger   zerolog.Logger
	observer Observer
}

// NewBenchmark creates a benchmark harness.
func NewBenchmark(repoRoot string, registry *Registry, cfg Config, logger zerolog.Logger) *Benchmark {
	return &Benchmark{
		repoRoot: repoRoot,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "benchmark").Logger(),
	}
}

// WithObserver attaches an observer to every benchmark run.
func (b *Benchmark) WithObserver(o Observer) *Benchmark {
	b.observer = o
	return b
}

// Run executes the three modes in sequence. Each mode gets a fresh
// observation cache; the warm run reuses the profile built by the cold run.
func (b *Benchmark) Run(ctx context.Context, batches []BatchDefinition) (*BenchmarkComparison, error) {
	profiles := NewMemoryProfileStore()

	fixed, err := b.runMode(ctx, batches, ModeFixed, nil)
	if err != nil {
		return nil, err
	}
	cold, err := b.runMode(ctx, batches, ModeAdaptiveCold, profiles)
	if err != nil {
		return nil, err
	}
	warm, err := b.runMode(ctx, batches, ModeAdaptiveWarm, profiles)
	if err != nil {
		return nil, err
	}

	cmp := &BenchmarkComparison{
		Fixed:                 fixed,
		AdaptiveCold:          cold,
		AdaptiveWarm:          warm,
		ColdSpeedup:           speedup(fixed.TotalTime, cold.TotalTime),
		WarmSpeedup:           speedup(fixed.TotalTime, warm.TotalTime),
		PredictionImprovement: cold.AvgPredictionError - warm.AvgPredictionError,
	}

	b.logger.Info().
		Dur("fixed", fixed.TotalTime).
		Dur("adaptive_cold", cold.TotalTime).
		Dur("adaptive_warm", warm.TotalTime).
		Float64("warm_speedup", cmp.WarmSpeedup).
		Msg("Benchmark complete")

	return cmp, nil
}

func (b *Benchmark) runMode(ctx context.Context, batches []BatchDefinition, mode ExecutionMode, profiles ProfileStore) (BenchmarkReport, error) {
	cfg := b.cfg
	cfg.Adaptive = mode != ModeFixed

	c := cache.New(cfg.CacheTTL)
	defer c.Close()

	opts := []Option{
		WithLogger(b.logger),
		WithCache(c),
		WithMode(mode),
	}
	if profiles != nil {
		opts = append(opts, WithProfileStore(profiles))
	}
	if b.observer != nil {
		opts = append(opts, WithObserver(b.observer))
	}

	eng, err := NewEngine(b.repoRoot, b.registry, cfg, opts...)
	if err != nil {
		return BenchmarkReport{}, err
	}

	report, err := eng.Run(ctx, batches)
	if err != nil {
		return BenchmarkReport{}, fmt.Errorf("benchmark mode %s: %w", mode, err)
	}
	return BenchmarkReportFrom(mode, report), nil
}

// BenchmarkReportFrom reduces a validation report to a benchmark report.
func BenchmarkReportFrom(mode ExecutionMode, report *ValidationReport) BenchmarkReport {
	collector := NewStatsCollector()
	for _, s := range report.BatchStats {
		collector.AddBatch(BatchOutcome{Stats: s})
	}
	return collector.BenchmarkReport(mode, report.Summary.Duration)
}

func speedup(base, other time.Duration) float64 {
	if other <= 0 {
		return 0
	}
	return float64(base) / float64(other)
}
