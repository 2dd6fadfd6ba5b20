package engine

import (
	"runtime"
	"time"
)

// RuleID uniquely names one check. It is stable across runs and is used for
// profile lookup and result correlation.
type RuleID string

// BatchDefinition is a set of mutually independent rules that may run concurrently.
type BatchDefinition struct {
	// BatchID is the position of the batch in execution order, starting at 0.
	BatchID int `json:"batch_id" yaml:"batch_id"`

	// Name is a human-readable label for the batch.
	Name string `json:"name" yaml:"name"`

	// RuleIDs lists the rules in the batch.
	RuleIDs []RuleID `json:"rule_ids" yaml:"rule_ids"`
}

// DependencyGraph is the on-disk description of the precomputed batch partition.
type DependencyGraph struct {
	Batches []BatchDefinition `json:"batches" yaml:"batches"`
}

// TotalRules returns the number of rules across all batches.
func (g *DependencyGraph) TotalRules() int {
	total := 0
	for _, b := range g.Batches {
		total += len(b.RuleIDs)
	}
	return total
}

// ValidationResult is the outcome of one rule in one run.
// It is produced exactly once per rule and treated as immutable afterwards.
type ValidationResult struct {
	RuleID   RuleID                 `json:"rule_id"`
	Passed   bool                   `json:"passed"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`

	// Duration is the time the rule spent executing. Set by the executor.
	Duration time.Duration `json:"duration_ns"`
}

// BatchExecutionStats describes one batch execution. It is owned by the goroutine
// driving the batch and is returned by value once the batch is complete.
type BatchExecutionStats struct {
	BatchID             int           `json:"batch_id"`
	Name                string        `json:"name"`
	RuleCount           int           `json:"rule_count"`
	StartTime           time.Time     `json:"start_time"`
	EndTime             time.Time     `json:"end_time"`
	Duration            time.Duration `json:"duration_ns"`
	WorkersUsed         int           `json:"workers_used"`
	PassedCount         int           `json:"passed_count"`
	FailedCount         int           `json:"failed_count"`
	Errors              []string      `json:"errors,omitempty"`
	WorkStolenCount     int           `json:"work_stolen_count"`
	WorkerUtilization   float64       `json:"worker_utilization"`
	LoadBalanceVariance float64       `json:"load_balance_variance"`
	PredictionError     float64       `json:"prediction_error"`

	// PredictedDuration is the predicted wall-clock duration of the batch, in seconds.
	PredictedDuration float64 `json:"predicted_duration"`

	// BusyTime is the total time workers spent executing rules.
	BusyTime time.Duration `json:"busy_time_ns"`

	// ColdStart is true when no rule in the batch had execution history.
	ColdStart bool `json:"cold_start"`

	// State is the final lifecycle state of the batch.
	State BatchState `json:"state"`
}

// BatchOutcome bundles the results and statistics of one executed batch.
type BatchOutcome struct {
	Results []ValidationResult
	Stats   BatchExecutionStats
}

// RuleExecutionProfile holds the execution history of a single rule.
type RuleExecutionProfile struct {
	RuleID              RuleID    `json:"rule_id"`
	HistoricalDurations []float64 `json:"historical_durations"`
	PredictedDuration   float64   `json:"predicted_duration"`
}

// ValidationReport is the final output of a run.
type ValidationReport struct {
	Timestamp   time.Time             `json:"timestamp"`
	RunID       string                `json:"run_id"`
	RepoRoot    string                `json:"repo_root"`
	Mode        ExecutionMode         `json:"mode"`
	TotalRules  int                   `json:"total_rules"`
	PassedCount int                   `json:"passed_count"`
	FailedCount int                   `json:"failed_count"`
	Results     []ValidationResult    `json:"results"`
	BatchStats  []BatchExecutionStats `json:"batch_stats"`
	Summary     ReportSummary         `json:"summary"`
}

// ReportSummary aggregates a report for quick inspection.
type ReportSummary struct {
	Duration          time.Duration    `json:"duration_ns"`
	BatchCount        int              `json:"batch_count"`
	PassRate          float64          `json:"pass_rate"`
	FailedBySeverity  map[Severity]int `json:"failed_by_severity"`
	ExecutionErrors   int              `json:"execution_errors"`
	TotalSteals       int              `json:"total_steals"`
	AvgUtilization    float64          `json:"avg_worker_utilization"`
	CacheHits         uint64           `json:"cache_hits"`
	CacheMisses       uint64           `json:"cache_misses"`
	CacheEvictions    uint64           `json:"cache_evictions"`
	Incomplete        bool             `json:"incomplete,omitempty"`
	CompletedBatches  int              `json:"completed_batches"`
	HighestFailure    Severity         `json:"highest_failure,omitempty"`
	SlowestRule       RuleID           `json:"slowest_rule,omitempty"`
	SlowestRuleTimeNs time.Duration    `json:"slowest_rule_time_ns,omitempty"`
}

// Config holds the engine options.
type Config struct {
	// MaxWorkers bounds the worker pool of every batch.
	MaxWorkers int

	// ShowProgress enables the progress observer in callers that provide one.
	ShowProgress bool

	// CacheTTL is the lifetime of an observation cache entry.
	CacheTTL time.Duration

	// Adaptive selects the adaptive controller instead of the fixed executor.
	Adaptive bool

	// DefaultRuleEstimate is the predicted duration of a rule with no history.
	DefaultRuleEstimate time.Duration

	// MinWorkPerWorker is the smallest predicted workload worth a dedicated worker.
	MinWorkPerWorker time.Duration

	// ProfileWindow is the number of most recent samples used for prediction.
	ProfileWindow int
}

// DefaultMaxWorkers returns CPU count minus one, never less than one.
func DefaultMaxWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:          DefaultMaxWorkers(),
		CacheTTL:            60 * time.Second,
		DefaultRuleEstimate: 10 * time.Millisecond,
		MinWorkPerWorker:    2 * time.Millisecond,
		ProfileWindow:       10,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.DefaultRuleEstimate <= 0 {
		c.DefaultRuleEstimate = d.DefaultRuleEstimate
	}
	if c.MinWorkPerWorker <= 0 {
		c.MinWorkPerWorker = d.MinWorkPerWorker
	}
	if c.ProfileWindow <= 0 {
		c.ProfileWindow = d.ProfileWindow
	}
	return c
}
