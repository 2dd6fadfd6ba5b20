package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	// None of these may panic on a disabled instance
	m.RecordRunStarted("fixed")
	m.RecordRunCompleted("completed", time.Second)
	m.RecordRuleExecution("passed", "INFO", time.Millisecond)
	m.RecordBatch("fixed", time.Millisecond, 1, 0, 1, 0)
	m.RecordError("validation", "PARSE_ERROR")
	m.SetCacheSource(func() CacheCounters { return CacheCounters{} })

	if m.Registry() != nil {
		t.Error("disabled metrics should not have a registry")
	}
	if err := m.StartMetricsServer(); err != nil {
		t.Errorf("StartMetricsServer() error = %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestMetrics_RunCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRunStarted("adaptive")
	m.RecordRunStarted("adaptive")
	if got := testutil.ToFloat64(m.activeRuns); got != 2 {
		t.Errorf("active runs = %v, want 2", got)
	}

	m.RecordRunCompleted("completed", 10*time.Millisecond)
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.runsStarted.WithLabelValues("adaptive")); got != 2 {
		t.Errorf("runs started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("completed")); got != 1 {
		t.Errorf("runs completed = %v, want 1", got)
	}
}

func TestMetrics_RuleAndBatch(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRuleExecution("failed", "HIGH", time.Millisecond)
	m.RecordRuleExecution("failed", "HIGH", time.Millisecond)
	m.RecordRuleExecution("passed", "INFO", time.Millisecond)

	if got := testutil.ToFloat64(m.rulesExecuted.WithLabelValues("failed", "HIGH")); got != 2 {
		t.Errorf("failed HIGH = %v, want 2", got)
	}

	m.RecordBatch("adaptive", 5*time.Millisecond, 4, 3, 0.75, 0.2)
	m.RecordBatch("adaptive", 5*time.Millisecond, 4, 2, 0.5, 0.1)

	if got := testutil.ToFloat64(m.batchSteals.WithLabelValues("adaptive")); got != 5 {
		t.Errorf("steals = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.batchUtilization.WithLabelValues("adaptive")); got != 0.5 {
		t.Errorf("utilization = %v, want last value 0.5", got)
	}
	if got := testutil.ToFloat64(m.batchPredictionError.WithLabelValues("adaptive")); got != 0.1 {
		t.Errorf("prediction error = %v, want last value 0.1", got)
	}
}

func TestMetrics_ErrorCodeIsOptional(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError("transient", "")
	m.RecordError("validation", "CYCLE_DETECTED")

	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("transient")); got != 1 {
		t.Errorf("transient = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.errorsByCode); got != 1 {
		t.Errorf("error code series = %d, want 1", got)
	}
}

func TestMetrics_CacheSource(t *testing.T) {
	m := newTestMetrics(t)

	m.SetCacheSource(func() CacheCounters {
		return CacheCounters{Hits: 7, Misses: 3, Evictions: 1, Entries: 4}
	})

	expected := `
# HELP rulecheck_cache_hits_total Observation cache hits
# TYPE rulecheck_cache_hits_total counter
rulecheck_cache_hits_total 7
# HELP rulecheck_cache_entries Entries currently held by the observation cache
# TYPE rulecheck_cache_entries gauge
rulecheck_cache_entries 4
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"rulecheck_cache_hits_total", "rulecheck_cache_entries"); err != nil {
		t.Error(err)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordRunStarted("fixed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rulecheck_runs_started_total") {
		t.Error("response does not contain rulecheck_runs_started_total")
	}
}
