package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// resultHook is called once per rule, from the goroutine collecting results.
type resultHook func(ValidationResult)

// batchRunner is implemented by the executors the engine drives.
type batchRunner interface {
	BatchExecutor
	run(ctx context.Context, batch BatchDefinition, ec *ExecutionContext, onResult resultHook) BatchOutcome
}

// ruleOutcome pairs a result with the execution error it was converted from.
type ruleOutcome struct {
	result ValidationResult
	err    error
	worker int
}

// FixedExecutor runs every batch with min(max_workers, rule_count) workers
// fed from a shared channel work queue.
type FixedExecutor struct {
	registry   *Registry
	maxWorkers int
	logger     zerolog.Logger
}

// NewFixedExecutor creates a fixed-worker executor. A non-positive maxWorkers
// selects DefaultMaxWorkers.
func NewFixedExecutor(registry *Registry, maxWorkers int, logger zerolog.Logger) *FixedExecutor {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers()
	}
	return &FixedExecutor{
		registry:   registry,
		maxWorkers: maxWorkers,
		logger:     logger.With().Str("component", "fixed-executor").Logger(),
	}
}

// Mode implements BatchExecutor.
func (e *FixedExecutor) Mode() ExecutionMode {
	return ModeFixed
}

// WorkerCount returns the number of workers used for a batch of n rules.
func (e *FixedExecutor) WorkerCount(n int) int {
	return minInt(e.maxWorkers, n)
}

// ExecuteBatch implements BatchExecutor.
func (e *FixedExecutor) ExecuteBatch(ctx context.Context, batch BatchDefinition, ec *ExecutionContext) BatchOutcome {
	return e.run(ctx, batch, ec, nil)
}

func (e *FixedExecutor) run(ctx context.Context, batch BatchDefinition, ec *ExecutionContext, onResult resultHook) BatchOutcome {
	lifecycle := NewBatchLifecycle()
	stats := newBatchStats(batch)
	n := len(batch.RuleIDs)
	workerCount := e.WorkerCount(n)

	lifecycle.mustTransition(BatchStateDispatching)
	collector := newOutcomeCollector(n, workerCount, onResult)

	if n <= 1 {
		// A single rule runs on the calling goroutine.
		lifecycle.mustTransition(BatchStateRunning)
		lifecycle.mustTransition(BatchStateDraining)
		for _, id := range batch.RuleIDs {
			collector.add(invokeRule(ctx, e.registry, id, ec, 0))
		}
	} else {
		workQueue := make(chan RuleID, n)
		for _, id := range batch.RuleIDs {
			workQueue <- id
		}
		close(workQueue)

		lifecycle.mustTransition(BatchStateRunning)

		var dequeued atomic.Int64
		outcomes := make(chan ruleOutcome, n)
		var wg sync.WaitGroup

		for i := 0; i < workerCount; i++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for id := range workQueue {
					if dequeued.Add(1) == int64(n) {
						lifecycle.mustTransition(BatchStateDraining)
					}
					outcomes <- invokeRule(ctx, e.registry, id, ec, worker)
				}
			}(i)
		}

		go func() {
			wg.Wait()
			close(outcomes)
		}()

		for o := range outcomes {
			collector.add(o)
		}
	}

	lifecycle.mustTransition(BatchStateComplete)
	stats.WorkersUsed = workerCount
	collector.finalize(&stats, time.Now())
	stats.State = lifecycle.State()

	e.logger.Debug().
		Int("batch_id", batch.BatchID).
		Int("rules", n).
		Int("workers", workerCount).
		Dur("duration", stats.Duration).
		Msg("Batch complete")

	return BatchOutcome{Results: collector.results, Stats: stats}
}

// invokeRule is the single point where a rule is called. Returned errors and
// panics are converted into a failing result.
func invokeRule(ctx context.Context, registry *Registry, id RuleID, ec *ExecutionContext, worker int) (out ruleOutcome) {
	out.worker = worker
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := NewRuleExecutionError(fmt.Sprintf("rule panicked: %v", r), nil).
				WithRule(id).
				WithDetail("stack", string(debug.Stack()))
			out.result = convertFailure(id, fmt.Sprint(r))
			out.err = err
		}
		out.result.Duration = time.Since(start)
	}()

	rule, ok := registry.Lookup(id)
	if !ok {
		err := NewRuleExecutionError("rule not registered", nil).WithRule(id).WithCode(ErrCodeUnregisteredRule)
		out.result = convertFailure(id, "rule not registered")
		out.err = err
		return out
	}

	res, err := rule.Check(ctx, ec)
	if err != nil {
		out.result = convertFailure(id, err.Error())
		out.err = NewRuleExecutionError("rule returned an error", err).WithRule(id)
		return out
	}

	res.RuleID = id
	if res.Severity == "" {
		res.Severity = SeverityInfo
		if !res.Passed {
			res.Severity = SeverityMedium
		}
	}
	out.result = res
	return out
}

// convertFailure builds the result reported for a rule that could not run to completion.
func convertFailure(id RuleID, cause string) ValidationResult {
	return ValidationResult{
		RuleID:   id,
		Passed:   false,
		Severity: SeverityHigh,
		Message:  "Execution error: " + cause,
	}
}

// outcomeCollector accumulates results and per-worker busy time for one batch.
// It is only used from the goroutine driving the batch.
type outcomeCollector struct {
	results  []ValidationResult
	errors   []string
	busy     []time.Duration
	onResult resultHook
}

func newOutcomeCollector(n, workers int, onResult resultHook) *outcomeCollector {
	if workers < 1 {
		workers = 1
	}
	return &outcomeCollector{
		results:  make([]ValidationResult, 0, n),
		errors:   make([]string, 0),
		busy:     make([]time.Duration, workers),
		onResult: onResult,
	}
}

func (c *outcomeCollector) add(o ruleOutcome) {
	c.results = append(c.results, o.result)
	if o.err != nil {
		c.errors = append(c.errors, fmt.Sprintf("%s: %s", o.result.RuleID, o.result.Message))
	}
	if o.worker >= 0 && o.worker < len(c.busy) {
		c.busy[o.worker] += o.result.Duration
	}
	if c.onResult != nil {
		c.onResult(o.result)
	}
}

func (c *outcomeCollector) finalize(stats *BatchExecutionStats, end time.Time) {
	stats.EndTime = end
	stats.Duration = end.Sub(stats.StartTime)
	stats.Errors = c.errors

	for _, r := range c.results {
		if r.Passed {
			stats.PassedCount++
		} else {
			stats.FailedCount++
		}
	}

	var total time.Duration
	for _, b := range c.busy {
		total += b
	}
	stats.BusyTime = total
	stats.WorkerUtilization = utilization(c.busy, stats.Duration)
	stats.LoadBalanceVariance = busyVariance(c.busy)
}

func newBatchStats(batch BatchDefinition) BatchExecutionStats {
	return BatchExecutionStats{
		BatchID:   batch.BatchID,
		Name:      batch.Name,
		RuleCount: len(batch.RuleIDs),
		StartTime: time.Now(),
		State:     BatchStatePlanned,
	}
}

// utilization returns sum(busy) / (workers * wall), capped at 1.
func utilization(busy []time.Duration, wall time.Duration) float64 {
	if len(busy) == 0 || wall <= 0 {
		return 0
	}
	var total time.Duration
	for _, b := range busy {
		total += b
	}
	u := total.Seconds() / (float64(len(busy)) * wall.Seconds())
	if u > 1 {
		u = 1
	}
	return u
}

// busyVariance returns the population variance of per-worker busy time, in seconds squared.
func busyVariance(busy []time.Duration) float64 {
	if len(busy) == 0 {
		return 0
	}
	var sum float64
	for _, b := range busy {
		sum += b.Seconds()
	}
	mean := sum / float64(len(busy))

	var sq float64
	for _, b := range busy {
		d := b.Seconds() - mean
		sq += d * d
	}
	return sq / float64(len(busy))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
