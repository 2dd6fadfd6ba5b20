package stores

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

// setupTestStore creates a migrated in-memory store for testing.
func setupTestStore(t *testing.T) *SQLiteProfileStore {
	t.Helper()

	store, err := OpenProfileStore(context.Background(), MemoryPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteProfileStore_Config(t *testing.T) {
	if _, err := NewSQLiteProfileStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	s, err := NewSQLiteProfileStore(Config{Path: MemoryPath, MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("NewSQLiteProfileStore() error = %v", err)
	}
	if s.cfg.MaxOpenConns != 1 {
		t.Errorf("in-memory MaxOpenConns = %d, want 1", s.cfg.MaxOpenConns)
	}

	s, _ = NewSQLiteProfileStore(Config{Path: "profiles.db"})
	if s.cfg.MaxOpenConns != 4 || s.cfg.BusyTimeout != 5*time.Second {
		t.Errorf("defaults not applied: %+v", s.cfg)
	}
}

func TestSQLiteProfileStore_Uninitialized(t *testing.T) {
	s, _ := NewSQLiteProfileStore(Config{Path: MemoryPath})
	ctx := context.Background()

	if err := s.Migrate(ctx); err == nil {
		t.Error("Migrate() before Init() should fail")
	}
	if err := s.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() before Init() should fail")
	}
	if _, err := s.LoadProfiles(ctx, []engine.RuleID{"a"}); err == nil {
		t.Error("LoadProfiles() before Init() should fail")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on uninitialized store = %v", err)
	}
}

func TestSQLiteProfileStore_Migrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != 1 {
		t.Errorf("schema version = %d, want 1", version)
	}

	// Re-running is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestSQLiteProfileStore_AppendAndLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	runs := []map[engine.RuleID]float64{
		{"a": 0.1, "b": 0.5},
		{"a": 0.2},
		{"a": 0.3, "c": 1.0},
	}
	for i, d := range runs {
		if err := store.AppendDurations(ctx, fmt.Sprintf("run-%d", i), d); err != nil {
			t.Fatalf("AppendDurations(run-%d) error = %v", i, err)
		}
	}

	got, err := store.LoadProfiles(ctx, []engine.RuleID{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("LoadProfiles() error = %v", err)
	}

	tests := []struct {
		id   engine.RuleID
		want []float64
	}{
		{"a", []float64{0.1, 0.2, 0.3}},
		{"b", []float64{0.5}},
	}
	for _, tt := range tests {
		hist := got[tt.id]
		if len(hist) != len(tt.want) {
			t.Errorf("%s history = %v, want %v", tt.id, hist, tt.want)
			continue
		}
		for i := range hist {
			if hist[i] != tt.want[i] {
				t.Errorf("%s history = %v, want %v (oldest first)", tt.id, hist, tt.want)
				break
			}
		}
	}
	if _, ok := got["missing"]; ok {
		t.Error("rule without history should be absent")
	}
	if _, ok := got["c"]; ok {
		t.Error("unrequested rule c was returned")
	}

	runsSeen, err := store.CountRuns(ctx)
	if err != nil || runsSeen != 3 {
		t.Errorf("CountRuns() = %d, %v; want 3", runsSeen, err)
	}
}

func TestSQLiteProfileStore_SkipsInvalidSamples(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.AppendDurations(ctx, "run-1", map[engine.RuleID]float64{
		"ok":  0.25,
		"neg": -1,
		"nan": math.NaN(),
		"inf": math.Inf(1),
	})
	if err != nil {
		t.Fatalf("AppendDurations() error = %v", err)
	}

	got, _ := store.LoadProfiles(ctx, []engine.RuleID{"ok", "neg", "nan", "inf"})
	if len(got) != 1 || len(got["ok"]) != 1 {
		t.Errorf("LoadProfiles() = %v, want only ok", got)
	}

	if err := store.AppendDurations(ctx, "run-2", nil); err != nil {
		t.Errorf("AppendDurations(nil) error = %v", err)
	}
	if got, err := store.LoadProfiles(ctx, nil); err != nil || len(got) != 0 {
		t.Errorf("LoadProfiles(nil) = %v, %v", got, err)
	}
}

func TestSQLiteProfileStore_LoadManyRules(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	durations := make(map[engine.RuleID]float64)
	ids := make([]engine.RuleID, 0, 1200)
	for i := 0; i < 1200; i++ {
		id := engine.RuleID(fmt.Sprintf("rule-%04d", i))
		durations[id] = float64(i) / 1000
		ids = append(ids, id)
	}
	if err := store.AppendDurations(ctx, "bulk", durations); err != nil {
		t.Fatalf("AppendDurations() error = %v", err)
	}

	got, err := store.LoadProfiles(ctx, ids)
	if err != nil {
		t.Fatalf("LoadProfiles() error = %v", err)
	}
	if len(got) != 1200 {
		t.Fatalf("loaded %d rules, want 1200", len(got))
	}
	if got["rule-0999"][0] != 0.999 {
		t.Errorf("rule-0999 = %v", got["rule-0999"])
	}
}

func TestSQLiteProfileStore_ListProfiles(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	store.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	_ = store.AppendDurations(ctx, "r1", map[engine.RuleID]float64{"b": 1, "a": 0.5})
	store.now = func() time.Time { return time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) }
	_ = store.AppendDurations(ctx, "r2", map[engine.RuleID]float64{"a": 1.5})

	summaries, err := store.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles() error = %v", err)
	}
	if len(summaries) != 2 || summaries[0].RuleID != "a" || summaries[1].RuleID != "b" {
		t.Fatalf("ListProfiles() = %+v", summaries)
	}

	a := summaries[0]
	if a.Samples != 2 || a.MeanSeconds != 1 || a.MinSeconds != 0.5 || a.MaxSeconds != 1.5 {
		t.Errorf("summary a = %+v", a)
	}
	if !a.LastRecordedAt.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("a.LastRecordedAt = %v", a.LastRecordedAt)
	}
}

func TestSQLiteProfileStore_PruneAndReset(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = store.AppendDurations(ctx, fmt.Sprintf("run-%d", i), map[engine.RuleID]float64{
			"a": float64(i),
			"b": float64(i) * 10,
		})
	}

	deleted, err := store.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 6 {
		t.Errorf("Prune() deleted %d rows, want 6", deleted)
	}
	got, _ := store.LoadProfiles(ctx, []engine.RuleID{"a"})
	if len(got["a"]) != 2 || got["a"][0] != 3 || got["a"][1] != 4 {
		t.Errorf("after Prune a = %v, want [3 4]", got["a"])
	}
	if _, err := store.Prune(ctx, -1); err == nil {
		t.Error("Prune(-1) should fail")
	}

	deleted, err = store.Reset(ctx, "a")
	if err != nil || deleted != 2 {
		t.Errorf("Reset(a) = %d, %v; want 2", deleted, err)
	}
	deleted, err = store.Reset(ctx)
	if err != nil || deleted != 2 {
		t.Errorf("Reset() = %d, %v; want 2", deleted, err)
	}
	if summaries, _ := store.ListProfiles(ctx); len(summaries) != 0 {
		t.Errorf("ListProfiles() after Reset = %+v", summaries)
	}
}

func TestSQLiteProfileStore_FilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.db")
	ctx := context.Background()

	store, err := OpenProfileStore(ctx, path)
	if err != nil {
		t.Fatalf("OpenProfileStore() error = %v", err)
	}
	if err := store.AppendDurations(ctx, "run-1", map[engine.RuleID]float64{"a": 0.4}); err != nil {
		t.Fatalf("AppendDurations() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenProfileStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.LoadProfiles(ctx, []engine.RuleID{"a"})
	if err != nil || len(got["a"]) != 1 || got["a"][0] != 0.4 {
		t.Errorf("LoadProfiles() after reopen = %v, %v", got, err)
	}
	if reopened.Path() != path {
		t.Errorf("Path() = %s", reopened.Path())
	}
}

func TestSQLiteProfileStore_DrivesProfiler(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_ = store.AppendDurations(ctx, "r1", map[engine.RuleID]float64{"slow": 0.4, "fast": 0.1})
	_ = store.AppendDurations(ctx, "r2", map[engine.RuleID]float64{"slow": 0.6})

	profiler := engine.NewProfiler(store, engine.Config{ProfileWindow: 10}, zerolog.Nop())
	prof, ok, err := profiler.Profile(ctx, "slow")
	if err != nil || !ok {
		t.Fatalf("Profile(slow) = %v, %v", ok, err)
	}
	if math.Abs(prof.PredictedDuration-0.5) > 1e-9 {
		t.Errorf("PredictedDuration = %v, want 0.5", prof.PredictedDuration)
	}
}
