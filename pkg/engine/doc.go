// Package engine executes repository validation rules in dependency-ordered batches.
//
// # Overview
//
// A run moves through four stages:
//
//  1. Plan - Load the precomputed dependency graph (BatchPlanner)
//  2. Check - Verify every referenced rule is registered (Registry)
//  3. Execute - Run each batch concurrently, batches strictly in order (BatchExecutor)
//  4. Report - Reduce batch outcomes into a ValidationReport (StatsCollector)
//
// The dependency graph is computed offline. BatchPlanner only decodes it
// (YAML, JSON or CUE) and checks its structure; DAGBuilder can produce one
// from per-rule dependency declarations.
//
// # Executors
//
// FixedExecutor runs every batch with min(MaxWorkers, rule count) workers
// pulling from a shared channel queue.
//
// AdaptiveExecutor asks the Profiler for each rule's predicted duration,
// picks a worker count with ChooseWorkerCount and pre-assigns rules to
// per-worker deques, longest first. Idle workers steal from the back of the
// busiest deque. Actual durations are appended to the ProfileStore when the
// batch completes, so the next run predicts better.
//
// Either way, a rule that returns an error or panics yields a failing result
// with severity HIGH and a message starting with "Execution error". One bad
// rule never aborts its batch or the run.
//
// # Shared observations
//
// Rules read the repository through ExecutionContext, which routes Stat,
// ReadFile, ReadDir and ListFiles through a TTL cache (package cache).
// Concurrent misses on the same path share one filesystem read.
//
// # Usage
//
//	reg := engine.NewRegistry()
//	reg.MustRegister("readme-exists", engine.RuleFunc(checkReadme))
//
//	batches, err := engine.NewBatchPlanner("graph.yaml", logger).Load(ctx)
//	if err != nil {
//	    return err
//	}
//
//	eng, err := engine.NewEngine(repoRoot, reg, engine.Config{MaxWorkers: 8, Adaptive: true},
//	    engine.WithLogger(logger),
//	    engine.WithProfileStore(store),
//	)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	report, err := eng.Run(ctx, batches)
//
// # Cancellation
//
// Run checks its context between batches. A batch that has started always
// runs to completion; after cancellation Run returns the report of the
// completed batches together with the context error.
//
// # Error Handling
//
// Errors are classified with EngineError:
//
//   - config: malformed graph or registry, fatal before any rule runs
//   - rule_execution: a single rule failed to run, converted into a result
//   - cache: an observation cache failure, degraded to a direct read
//   - profile_store: history unreadable, adaptive mode falls back to cold-start estimates
//   - permanent: internal invariant violations
package engine
