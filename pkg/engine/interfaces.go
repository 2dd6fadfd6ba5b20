package engine

import (
	"context"
)

// Rule is a single executable check.
//
// Check must not mutate the execution context. A returned error, or a panic,
// is converted into a failing ValidationResult by the executor.
type Rule interface {
	Check(ctx context.Context, ec *ExecutionContext) (ValidationResult, error)
}

// RuleFunc adapts a plain function to the Rule interface.
type RuleFunc func(ctx context.Context, ec *ExecutionContext) (ValidationResult, error)

// Check calls f(ctx, ec).
func (f RuleFunc) Check(ctx context.Context, ec *ExecutionContext) (ValidationResult, error) {
	return f(ctx, ec)
}

// BatchExecutor runs every rule of a single batch.
//
// ExecuteBatch returns only after each rule in the batch has produced a result.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, batch BatchDefinition, ec *ExecutionContext) BatchOutcome
	Mode() ExecutionMode
}

// Observer receives progress notifications from a run.
// All methods may be called from multiple goroutines and must not block for long.
type Observer interface {
	BatchStarted(batch BatchDefinition, total int)
	RuleCompleted(result ValidationResult, completed, total int)
	BatchCompleted(stats BatchExecutionStats)
}

// ProfileStore persists per-rule execution durations across runs.
type ProfileStore interface {
	// LoadProfiles returns the recorded durations, in seconds and oldest first,
	// for the requested rules. Rules without history are absent from the map.
	LoadProfiles(ctx context.Context, ids []RuleID) (map[RuleID][]float64, error)

	// AppendDurations appends one sample per rule. Existing samples are never rewritten.
	AppendDurations(ctx context.Context, runID string, durations map[RuleID]float64) error
}

// nopObserver is used when no observer is attached.
type nopObserver struct{}

func (nopObserver) BatchStarted(BatchDefinition, int) {}

func (nopObserver) RuleCompleted(ValidationResult, int, int) {}

func (nopObserver) BatchCompleted(BatchExecutionStats) {}

// ObserverFuncs builds an Observer from optional callbacks.
type ObserverFuncs struct {
	OnBatchStarted   func(batch BatchDefinition, total int)
	OnRuleCompleted  func(result ValidationResult, completed, total int)
	OnBatchCompleted func(stats BatchExecutionStats)
}

// BatchStarted implements Observer.
func (o ObserverFuncs) BatchStarted(batch BatchDefinition, total int) {
	if o.OnBatchStarted != nil {
		o.OnBatchStarted(batch, total)
	}
}

// RuleCompleted implements Observer.
func (o ObserverFuncs) RuleCompleted(result ValidationResult, completed, total int) {
	if o.OnRuleCompleted != nil {
		o.OnRuleCompleted(result, completed, total)
	}
}

// BatchCompleted implements Observer.
func (o ObserverFuncs) BatchCompleted(stats BatchExecutionStats) {
	if o.OnBatchCompleted != nil {
		o.OnBatchCompleted(stats)
	}
}
