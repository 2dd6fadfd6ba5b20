package engine

import (
	"sort"
	"sync"
	"time"
)

// StatsCollector reduces batch outcomes into reports. It holds no execution
// logic and is safe for concurrent use.
type StatsCollector struct {
	mu      sync.Mutex
	results []ValidationResult
	batches []BatchExecutionStats
}

// NewStatsCollector creates an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		results: make([]ValidationResult, 0),
		batches: make([]BatchExecutionStats, 0),
	}
}

// AddBatch records the outcome of one batch.
func (c *StatsCollector) AddBatch(outcome BatchOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, outcome.Results...)
	c.batches = append(c.batches, outcome.Stats)
}

// Batches returns the recorded batch statistics in the order they were added.
func (c *StatsCollector) Batches() []BatchExecutionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]BatchExecutionStats(nil), c.batches...)
}

// Results returns the recorded results in the order they were added.
func (c *StatsCollector) Results() []ValidationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ValidationResult(nil), c.results...)
}

// ReportMeta carries the run-level fields of a report that the collector cannot derive.
type ReportMeta struct {
	RunID    string
	RepoRoot string
	Mode     ExecutionMode
	Start    time.Time
	End      time.Time

	// PlannedBatches is the number of batches the run intended to execute.
	PlannedBatches int

	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
}

// Report builds the validation report from everything recorded so far.
func (c *StatsCollector) Report(meta ReportMeta) *ValidationReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := &ValidationReport{
		Timestamp:  meta.End,
		RunID:      meta.RunID,
		RepoRoot:   meta.RepoRoot,
		Mode:       meta.Mode,
		Results:    append([]ValidationResult(nil), c.results...),
		BatchStats: append([]BatchExecutionStats(nil), c.batches...),
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}

	for _, b := range c.batches {
		report.TotalRules += b.RuleCount
	}

	summary := ReportSummary{
		Duration:         meta.End.Sub(meta.Start),
		BatchCount:       len(c.batches),
		CompletedBatches: len(c.batches),
		FailedBySeverity: make(map[Severity]int),
		CacheHits:        meta.CacheHits,
		CacheMisses:      meta.CacheMisses,
		CacheEvictions:   meta.CacheEvictions,
		Incomplete:       meta.PlannedBatches > len(c.batches),
	}
	if meta.Start.IsZero() || meta.End.IsZero() {
		summary.Duration = 0
	}

	for _, r := range report.Results {
		if r.Passed {
			report.PassedCount++
		} else {
			report.FailedCount++
			summary.FailedBySeverity[r.Severity]++
			if summary.HighestFailure == "" || r.Severity.Rank() > summary.HighestFailure.Rank() {
				summary.HighestFailure = r.Severity
			}
		}
		if r.Duration > summary.SlowestRuleTimeNs {
			summary.SlowestRule = r.RuleID
			summary.SlowestRuleTimeNs = r.Duration
		}
	}

	var utilSum float64
	for _, b := range c.batches {
		summary.ExecutionErrors += len(b.Errors)
		summary.TotalSteals += b.WorkStolenCount
		utilSum += b.WorkerUtilization
	}
	if len(c.batches) > 0 {
		summary.AvgUtilization = utilSum / float64(len(c.batches))
	}
	if report.TotalRules > 0 {
		summary.PassRate = float64(report.PassedCount) / float64(report.TotalRules)
	}

	report.Summary = summary
	return report
}

// BenchmarkReport summarizes one benchmark mode.
type BenchmarkReport struct {
	Mode                 ExecutionMode `json:"mode"`
	TotalTime            time.Duration `json:"total_time_ns"`
	AvgWorkerUtilization float64       `json:"avg_worker_utilization"`

	// OverallEfficiency is total busy time over total worker time across all batches.
	OverallEfficiency float64 `json:"overall_efficiency"`

	TotalSteals  int             `json:"total_steals"`
	BatchTimes   []time.Duration `json:"batch_times_ns"`
	BatchWorkers []int           `json:"batch_workers"`

	// AvgPredictionError is the mean prediction error over batches; 0 for fixed mode.
	AvgPredictionError float64 `json:"avg_prediction_error"`

	TotalRules  int `json:"total_rules"`
	FailedCount int `json:"failed_count"`
}

// StealPercentage returns steals as a share of executed rules, in percent.
func (r BenchmarkReport) StealPercentage() float64 {
	if r.TotalRules == 0 {
		return 0
	}
	return 100 * float64(r.TotalSteals) / float64(r.TotalRules)
}

// BenchmarkReport summarizes the recorded batches as one benchmark mode.
func (c *StatsCollector) BenchmarkReport(mode ExecutionMode, totalTime time.Duration) BenchmarkReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	br := BenchmarkReport{
		Mode:         mode,
		TotalTime:    totalTime,
		BatchTimes:   make([]time.Duration, 0, len(c.batches)),
		BatchWorkers: make([]int, 0, len(c.batches)),
	}

	var utilSum, predSum, busy, capacity float64
	for _, b := range c.batches {
		br.BatchTimes = append(br.BatchTimes, b.Duration)
		br.BatchWorkers = append(br.BatchWorkers, b.WorkersUsed)
		br.TotalSteals += b.WorkStolenCount
		br.TotalRules += b.RuleCount
		br.FailedCount += b.FailedCount
		utilSum += b.WorkerUtilization
		predSum += b.PredictionError
		busy += b.BusyTime.Seconds()
		capacity += float64(b.WorkersUsed) * b.Duration.Seconds()
	}
	if n := len(c.batches); n > 0 {
		br.AvgWorkerUtilization = utilSum / float64(n)
		if mode != ModeFixed {
			br.AvgPredictionError = predSum / float64(n)
		}
	}
	if capacity > 0 {
		br.OverallEfficiency = busy / capacity
		if br.OverallEfficiency > 1 {
			br.OverallEfficiency = 1
		}
	}
	return br
}

// SortResults orders results by rule id. Reports keep completion order; this
// is for callers that want stable output.
func SortResults(results []ValidationResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RuleID < results[j].RuleID
	})
}
