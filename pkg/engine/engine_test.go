package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rulecheck/pkg/cache"
	"github.com/openfroyo/rulecheck/pkg/telemetry"
)

// passRule returns a rule that passes after sleeping for d.
func passRule(d time.Duration) RuleFunc {
	return func(ctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
		if d > 0 {
			time.Sleep(d)
		}
		return ValidationResult{Passed: true, Message: "ok"}, nil
	}
}

// failRule returns a rule that fails with the given severity.
func failRule(sev Severity) RuleFunc {
	return func(ctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
		return ValidationResult{Passed: false, Severity: sev, Message: "failed"}, nil
	}
}

// ruleIDs returns n ids of the form <prefix><start>, <prefix><start+1>, ...
func ruleIDs(prefix string, start, n int) []RuleID {
	ids := make([]RuleID, n)
	for i := range ids {
		ids[i] = RuleID(fmt.Sprintf("%s%03d", prefix, start+i))
	}
	return ids
}

// registryFor registers rule for every id in batches.
func registryFor(t *testing.T, batches []BatchDefinition, rule Rule) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, b := range batches {
		for _, id := range b.RuleIDs {
			if err := reg.Register(id, rule); err != nil {
				t.Fatalf("Register(%s) error = %v", id, err)
			}
		}
	}
	return reg
}

// writeRepo creates files under a temp dir and returns its path.
func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func newTestEngine(t *testing.T, reg *Registry, cfg Config, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(t.TempDir(), reg, cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// scenarioABatches is a 1 / 9 / 374 rule partition.
func scenarioABatches() []BatchDefinition {
	return []BatchDefinition{
		{BatchID: 0, Name: "bootstrap", RuleIDs: []RuleID{"AR001"}},
		{BatchID: 1, Name: "structure", RuleIDs: ruleIDs("AR", 2, 9)},
		{BatchID: 2, Name: "content", RuleIDs: ruleIDs("BR", 0, 374)},
	}
}

func TestEngine_FixedWorkerCounts(t *testing.T) {
	batches := scenarioABatches()
	reg := registryFor(t, batches, passRule(0))
	eng := newTestEngine(t, reg, Config{MaxWorkers: 8})

	report, err := eng.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.TotalRules != 384 {
		t.Errorf("TotalRules = %d, want 384", report.TotalRules)
	}
	if len(report.Results) != 384 {
		t.Errorf("len(Results) = %d, want 384", len(report.Results))
	}

	wantWorkers := []int{1, 8, 8}
	for i, s := range report.BatchStats {
		if s.WorkersUsed != wantWorkers[i] {
			t.Errorf("batch %d WorkersUsed = %d, want %d", i, s.WorkersUsed, wantWorkers[i])
		}
		if s.State != BatchStateComplete {
			t.Errorf("batch %d State = %s, want complete", i, s.State)
		}
	}
	if report.Mode != ModeFixed {
		t.Errorf("Mode = %s, want fixed", report.Mode)
	}
}

func TestEngine_PanickingRuleBecomesHighFailure(t *testing.T) {
	batches := []BatchDefinition{{BatchID: 0, RuleIDs: []RuleID{"div", "ok"}}}

	reg := NewRegistry()
	reg.MustRegister("ok", passRule(0))
	_ = reg.RegisterFunc("div", func(ctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
		zero := 0
		return ValidationResult{Passed: 10/zero > 0}, nil
	})

	eng := newTestEngine(t, reg, Config{MaxWorkers: 2})
	report, err := eng.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var div *ValidationResult
	for i := range report.Results {
		if report.Results[i].RuleID == "div" {
			div = &report.Results[i]
		}
	}
	if div == nil {
		t.Fatal("no result for rule div")
	}
	if div.Passed {
		t.Error("panicking rule should fail")
	}
	if div.Severity != SeverityHigh {
		t.Errorf("Severity = %s, want HIGH", div.Severity)
	}
	if want := "Execution error: runtime error: integer divide by zero"; div.Message != want {
		t.Errorf("Message = %q, want %q", div.Message, want)
	}
	if report.PassedCount != 1 || report.FailedCount != 1 {
		t.Errorf("passed/failed = %d/%d, want 1/1", report.PassedCount, report.FailedCount)
	}
	if report.Summary.ExecutionErrors != 1 {
		t.Errorf("ExecutionErrors = %d, want 1", report.Summary.ExecutionErrors)
	}
}

func TestEngine_ConfigErrorsBeforeAnyRuleRuns(t *testing.T) {
	var ran atomic.Int32
	counting := RuleFunc(func(ctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
		ran.Add(1)
		return ValidationResult{Passed: true}, nil
	})

	tests := []struct {
		name     string
		batches  []BatchDefinition
		register []RuleID
		wantCode string
	}{
		{
			name:     "no batches",
			batches:  nil,
			wantCode: ErrCodeValidation,
		},
		{
			name: "unregistered rule",
			batches: []BatchDefinition{
				{BatchID: 0, RuleIDs: []RuleID{"a"}},
				{BatchID: 1, RuleIDs: []RuleID{"b", "c"}},
			},
			register: []RuleID{"a"},
			wantCode: ErrCodeUnregisteredRule,
		},
		{
			name: "rule in two batches",
			batches: []BatchDefinition{
				{BatchID: 0, RuleIDs: []RuleID{"a"}},
				{BatchID: 1, RuleIDs: []RuleID{"a"}},
			},
			register: []RuleID{"a"},
			wantCode: ErrCodeDuplicateRule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			for _, id := range tt.register {
				reg.MustRegister(id, counting)
			}
			eng := newTestEngine(t, reg, Config{MaxWorkers: 2})

			report, err := eng.Run(context.Background(), tt.batches)
			if err == nil {
				t.Fatal("Run() expected error")
			}
			if report != nil {
				t.Error("Run() should not return a report for a config error")
			}
			if !IsConfigError(err) {
				t.Errorf("IsConfigError(%v) = false", err)
			}
			var ee *EngineError
			if errors.As(err, &ee) && ee.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", ee.Code, tt.wantCode)
			}
		})
	}

	if n := ran.Load(); n != 0 {
		t.Errorf("%d rules ran despite config errors", n)
	}
}

func TestEngine_CancellationBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawCancelled atomic.Bool
	reg := NewRegistry()
	_ = reg.RegisterFunc("cancel", func(rctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
		cancel()
		return ValidationResult{Passed: true}, nil
	})
	_ = reg.RegisterFunc("sibling", func(rctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
		time.Sleep(5 * time.Millisecond)
		if rctx.Err() != nil {
			sawCancelled.Store(true)
		}
		return ValidationResult{Passed: true}, nil
	})
	reg.MustRegister("later", passRule(0))

	batches := []BatchDefinition{
		{BatchID: 0, RuleIDs: []RuleID{"cancel", "sibling"}},
		{BatchID: 1, RuleIDs: []RuleID{"later"}},
	}

	eng := newTestEngine(t, reg, Config{MaxWorkers: 2})
	report, err := eng.Run(ctx, batches)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if report == nil {
		t.Fatal("Run() should return the partial report")
	}
	if len(report.BatchStats) != 1 {
		t.Errorf("completed batches = %d, want 1", len(report.BatchStats))
	}
	if len(report.Results) != 2 {
		t.Errorf("results = %d, want 2 (batch 0 runs to completion)", len(report.Results))
	}
	if !report.Summary.Incomplete {
		t.Error("Summary.Incomplete = false, want true")
	}
	if sawCancelled.Load() {
		t.Error("rules of a started batch should not observe cancellation")
	}
}

func TestEngine_BatchesRunInOrder(t *testing.T) {
	batches := []BatchDefinition{
		{BatchID: 2, RuleIDs: ruleIDs("c", 0, 6)},
		{BatchID: 0, RuleIDs: ruleIDs("a", 0, 6)},
		{BatchID: 1, RuleIDs: ruleIDs("b", 0, 6)},
	}

	var mu sync.Mutex
	done := make(map[byte]int)
	var violations atomic.Int32

	rule := RuleFunc(func(ctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
		return ValidationResult{Passed: true}, nil
	})
	reg := NewRegistry()
	for _, b := range batches {
		for _, id := range b.RuleIDs {
			id := id
			reg.MustRegister(id, RuleFunc(func(ctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
				prefix := id[0]
				mu.Lock()
				// Every rule of the previous batch must have finished.
				if prefix > 'a' && done[prefix-1] != 6 {
					violations.Add(1)
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)
				res, err := rule(ctx, ec)

				mu.Lock()
				done[prefix]++
				mu.Unlock()
				return res, err
			}))
		}
	}

	for _, adaptive := range []bool{false, true} {
		mu.Lock()
		done = make(map[byte]int)
		mu.Unlock()

		eng := newTestEngine(t, reg, Config{MaxWorkers: 4, Adaptive: adaptive})
		report, err := eng.Run(context.Background(), batches)
		if err != nil {
			t.Fatalf("Run(adaptive=%v) error = %v", adaptive, err)
		}

		for i := 1; i < len(report.BatchStats); i++ {
			prev, cur := report.BatchStats[i-1], report.BatchStats[i]
			if prev.BatchID != i-1 || cur.BatchID != i {
				t.Errorf("batch order = %d, %d", prev.BatchID, cur.BatchID)
			}
			if cur.StartTime.Before(prev.EndTime) {
				t.Errorf("batch %d started before batch %d ended", cur.BatchID, prev.BatchID)
			}
		}
	}

	if n := violations.Load(); n != 0 {
		t.Errorf("%d rules started before their previous batch completed", n)
	}
}

func TestEngine_ReportInvariants(t *testing.T) {
	batches := []BatchDefinition{
		{BatchID: 0, RuleIDs: ruleIDs("p", 0, 12)},
		{BatchID: 1, RuleIDs: ruleIDs("f", 0, 5)},
		{BatchID: 2, RuleIDs: []RuleID{"crit"}},
	}
	reg := NewRegistry()
	for _, id := range batches[0].RuleIDs {
		reg.MustRegister(id, passRule(time.Millisecond))
	}
	for _, id := range batches[1].RuleIDs {
		reg.MustRegister(id, failRule(SeverityLow))
	}
	reg.MustRegister("crit", failRule(SeverityCritical))

	for _, adaptive := range []bool{false, true} {
		t.Run(fmt.Sprintf("adaptive=%v", adaptive), func(t *testing.T) {
			cfg := Config{MaxWorkers: 3, Adaptive: adaptive}
			eng := newTestEngine(t, reg, cfg)
			report, err := eng.Run(context.Background(), batches)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if report.PassedCount+report.FailedCount != report.TotalRules {
				t.Errorf("passed %d + failed %d != total %d",
					report.PassedCount, report.FailedCount, report.TotalRules)
			}
			if report.TotalRules != 18 || report.FailedCount != 6 {
				t.Errorf("total/failed = %d/%d, want 18/6", report.TotalRules, report.FailedCount)
			}

			seen := make(map[RuleID]int)
			for _, r := range report.Results {
				seen[r.RuleID]++
			}
			for _, b := range batches {
				for _, id := range b.RuleIDs {
					if seen[id] != 1 {
						t.Errorf("rule %s has %d results, want 1", id, seen[id])
					}
				}
			}

			for _, s := range report.BatchStats {
				upper := minInt(cfg.MaxWorkers, s.RuleCount)
				if s.WorkersUsed < 1 || s.WorkersUsed > upper {
					t.Errorf("batch %d WorkersUsed = %d, want 1..%d", s.BatchID, s.WorkersUsed, upper)
				}
				if s.PassedCount+s.FailedCount != s.RuleCount {
					t.Errorf("batch %d counts do not add up", s.BatchID)
				}
				if s.WorkerUtilization < 0 || s.WorkerUtilization > 1 {
					t.Errorf("batch %d utilization = %v", s.BatchID, s.WorkerUtilization)
				}
			}

			if report.Summary.HighestFailure != SeverityCritical {
				t.Errorf("HighestFailure = %s, want CRITICAL", report.Summary.HighestFailure)
			}
			if report.Summary.FailedBySeverity[SeverityLow] != 5 {
				t.Errorf("FailedBySeverity[LOW] = %d, want 5", report.Summary.FailedBySeverity[SeverityLow])
			}
			if report.RunID == "" {
				t.Error("RunID is empty")
			}
		})
	}
}

func TestEngine_RunIsRepeatable(t *testing.T) {
	batches := []BatchDefinition{
		{BatchID: 0, RuleIDs: ruleIDs("r", 0, 20)},
	}
	reg := NewRegistry()
	for i, id := range batches[0].RuleIDs {
		if i%3 == 0 {
			reg.MustRegister(id, failRule(SeverityMedium))
		} else {
			reg.MustRegister(id, passRule(0))
		}
	}

	eng := newTestEngine(t, reg, Config{MaxWorkers: 4, Adaptive: true})

	outcome := func() map[RuleID]bool {
		report, err := eng.Run(context.Background(), batches)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		m := make(map[RuleID]bool, len(report.Results))
		for _, r := range report.Results {
			m[r.RuleID] = r.Passed
		}
		return m
	}

	first, second := outcome(), outcome()
	for id, passed := range first {
		if second[id] != passed {
			t.Errorf("rule %s passed=%v then %v", id, passed, second[id])
		}
	}
}

func TestEngine_ObserverNotifications(t *testing.T) {
	batches := []BatchDefinition{
		{BatchID: 0, RuleIDs: ruleIDs("a", 0, 3)},
		{BatchID: 1, RuleIDs: ruleIDs("b", 0, 7)},
	}
	reg := registryFor(t, batches, passRule(0))

	var (
		mu        sync.Mutex
		started   []int
		finished  []int
		completed []int
		totals    = make(map[int]bool)
	)
	obs := ObserverFuncs{
		OnBatchStarted: func(b BatchDefinition, total int) {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, b.BatchID)
		},
		OnRuleCompleted: func(r ValidationResult, done, total int) {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, done)
			totals[total] = true
		},
		OnBatchCompleted: func(s BatchExecutionStats) {
			mu.Lock()
			defer mu.Unlock()
			finished = append(finished, s.BatchID)
		},
	}

	eng := newTestEngine(t, reg, Config{MaxWorkers: 4}, WithObserver(obs))
	if _, err := eng.Run(context.Background(), batches); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if fmt.Sprint(started) != "[0 1]" || fmt.Sprint(finished) != "[0 1]" {
		t.Errorf("started %v finished %v, want [0 1] both", started, finished)
	}
	if len(completed) != 10 {
		t.Fatalf("RuleCompleted calls = %d, want 10", len(completed))
	}
	for i, c := range completed {
		if c != i+1 {
			t.Errorf("completed[%d] = %d, want %d", i, c, i+1)
		}
	}
	if len(totals) != 1 || !totals[10] {
		t.Errorf("totals = %v, want only 10", totals)
	}
}

func TestEngine_CacheSharedAcrossRules(t *testing.T) {
	root := writeRepo(t, map[string]string{"README.md": "# hello"})

	batches := []BatchDefinition{{BatchID: 0, RuleIDs: ruleIDs("readme", 0, 8)}}
	reader := RuleFunc(func(ctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
		data, err := ec.ReadFile(ctx, "README.md")
		if err != nil {
			return ValidationResult{}, err
		}
		return ValidationResult{Passed: len(data) > 0}, nil
	})
	reg := registryFor(t, batches, reader)

	c := cache.New(time.Minute)
	defer c.Close()

	eng, err := NewEngine(root, reg, Config{MaxWorkers: 4}, WithCache(c))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	report, err := eng.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.FailedCount != 0 {
		t.Errorf("FailedCount = %d, want 0", report.FailedCount)
	}
	// Concurrent first reads may all miss, but they share one load.
	sum := report.Summary
	if sum.CacheHits+sum.CacheMisses != 8 {
		t.Errorf("hits %d + misses %d, want 8 lookups", sum.CacheHits, sum.CacheMisses)
	}
	if sum.CacheMisses < 1 || sum.CacheMisses > 4 {
		t.Errorf("CacheMisses = %d, want 1..4", sum.CacheMisses)
	}

	// A shared cache stays usable after the engine is closed.
	if err := eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("cache entries = %d, want 1", c.Len())
	}
}

func TestEngine_WithTelemetry(t *testing.T) {
	tcfg := telemetry.DefaultConfig()
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}

	batches := []BatchDefinition{
		{BatchID: 0, RuleIDs: []RuleID{"ok", "bad"}},
	}
	reg := NewRegistry()
	reg.MustRegister("ok", passRule(0))
	reg.MustRegister("bad", RuleFunc(func(ctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
		return ValidationResult{}, errors.New("boom")
	}))

	eng := newTestEngine(t, reg, Config{MaxWorkers: 2, Adaptive: true},
		WithMetrics(metrics), WithTracer(tracer), WithLogger(zerolog.Nop()))

	report, err := eng.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.FailedCount != 1 {
		t.Errorf("FailedCount = %d, want 1", report.FailedCount)
	}

	families, err := metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"rulecheck_runs_started_total",
		"rulecheck_rules_executed_total",
		"rulecheck_batch_workers",
		"rulecheck_errors_by_class_total",
		"rulecheck_cache_hits_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestNewEngine_InvalidRoot(t *testing.T) {
	_, err := NewEngine(filepath.Join(t.TempDir(), "missing"), NewRegistry(), Config{})
	if !IsConfigError(err) {
		t.Errorf("NewEngine() error = %v, want config error", err)
	}

	_, err = NewEngine(t.TempDir(), nil, Config{})
	if !IsConfigError(err) {
		t.Errorf("NewEngine(nil registry) error = %v, want config error", err)
	}
}
