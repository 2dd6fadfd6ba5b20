// Package telemetry provides logging, tracing and metrics for rulecheck.
//
// Three pieces make up the package:
//
//  1. Structured logging with zerolog, configured through LoggingConfig
//  2. OpenTelemetry tracing with a stdout or OTLP exporter
//  3. Prometheus metrics on a private registry
//
// # Usage
//
// Initialize telemetry at process startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
//	ctx = tel.WithContext(ctx)
//
// The engine takes the tracer and metrics through engine.WithTracer and
// engine.WithMetrics. Both are safe to use when disabled: a disabled tracer
// hands out no-op spans and a disabled Metrics drops every observation.
//
// # Metrics
//
// All metrics carry the configured namespace (default "rulecheck"):
//
//   - runs_started_total{mode}, runs_completed_total{status}, run_duration_seconds{status}
//   - rules_executed_total{outcome,severity}, rule_duration_seconds
//   - batch_duration_seconds{mode}, batch_workers{mode}, work_steals_total{mode}
//   - last_batch_worker_utilization{mode}, last_batch_prediction_error{mode}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//   - cache_hits_total, cache_misses_total, cache_evictions_total, cache_entries
//   - active_runs
//
// The cache metrics read whatever source was last passed to SetCacheSource,
// so one Metrics instance can outlive the engines that feed it.
//
// # Tracing
//
// A run produces one "run.execute" span with a "batch.execute" child per
// batch. Failed rules are recorded as "rule.failed" events on the batch span
// rather than as spans of their own.
package telemetry
