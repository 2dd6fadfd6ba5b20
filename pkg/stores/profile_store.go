package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// maxLoadParams bounds the number of bound parameters per LoadProfiles query.
const maxLoadParams = 500

// Config holds SQLite profile store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// ProfileSummary aggregates the stored history of one rule.
type ProfileSummary struct {
	RuleID         engine.RuleID `json:"rule_id"`
	Samples        int           `json:"samples"`
	MeanSeconds    float64       `json:"mean_seconds"`
	MinSeconds     float64       `json:"min_seconds"`
	MaxSeconds     float64       `json:"max_seconds"`
	LastRecordedAt time.Time     `json:"last_recorded_at"`
}

// SQLiteProfileStore implements engine.ProfileStore using SQLite.
type SQLiteProfileStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ engine.ProfileStore = (*SQLiteProfileStore)(nil)

// NewSQLiteProfileStore creates a store instance. Call Init and Migrate
// before use, or use OpenProfileStore.
func NewSQLiteProfileStore(cfg Config) (*SQLiteProfileStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: sees its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteProfileStore{cfg: cfg, now: time.Now}, nil
}

// OpenProfileStore creates, initializes and migrates a store at path.
func OpenProfileStore(ctx context.Context, path string) (*SQLiteProfileStore, error) {
	s, err := NewSQLiteProfileStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database path.
func (s *SQLiteProfileStore) Path() string {
	return s.cfg.Path
}

func (s *SQLiteProfileStore) dsn() string {
	if s.cfg.Path == MemoryPath {
		return MemoryPath
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteProfileStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteProfileStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteProfileStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLiteProfileStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// LoadProfiles implements engine.ProfileStore. Durations are returned oldest
// first; rules without history are absent from the result.
func (s *SQLiteProfileStore) LoadProfiles(ctx context.Context, ids []engine.RuleID) (map[engine.RuleID][]float64, error) {
	out := make(map[engine.RuleID][]float64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	for start := 0; start < len(ids); start += maxLoadParams {
		end := min(start+maxLoadParams, len(ids))
		if err := s.loadChunk(ctx, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteProfileStore) loadChunk(ctx context.Context, ids []engine.RuleID, out map[engine.RuleID][]float64) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	query := `
		SELECT rule_id, duration_seconds
		FROM rule_durations
		WHERE rule_id IN (` + placeholders(len(ids)) + `)
		ORDER BY rule_id, id
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       string
			duration float64
		)
		if err := rows.Scan(&id, &duration); err != nil {
			return fmt.Errorf("failed to scan duration: %w", err)
		}
		out[engine.RuleID(id)] = append(out[engine.RuleID(id)], duration)
	}
	return rows.Err()
}

// AppendDurations implements engine.ProfileStore. All samples of one call are
// written in a single transaction; negative and non-finite values are skipped.
func (s *SQLiteProfileStore) AppendDurations(ctx context.Context, runID string, durations map[engine.RuleID]float64) error {
	if len(durations) == 0 {
		return nil
	}
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	ids := make([]engine.RuleID, 0, len(durations))
	for id, d := range durations {
		if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rule_durations (run_id, rule_id, duration_seconds, recorded_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	recordedAt := s.now().UnixNano()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, runID, string(id), durations[id], recordedAt); err != nil {
			return fmt.Errorf("failed to append duration for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit durations: %w", err)
	}
	return nil
}

// ListProfiles summarizes the history of every stored rule, ordered by rule id.
func (s *SQLiteProfileStore) ListProfiles(ctx context.Context) ([]ProfileSummary, error) {
	query := `
		SELECT rule_id, COUNT(*), AVG(duration_seconds), MIN(duration_seconds),
		       MAX(duration_seconds), MAX(recorded_at)
		FROM rule_durations
		GROUP BY rule_id
		ORDER BY rule_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var summaries []ProfileSummary
	for rows.Next() {
		var (
			sum  ProfileSummary
			id   string
			last int64
		)
		if err := rows.Scan(&id, &sum.Samples, &sum.MeanSeconds, &sum.MinSeconds, &sum.MaxSeconds, &last); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		sum.RuleID = engine.RuleID(id)
		sum.LastRecordedAt = time.Unix(0, last).UTC()
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// CountRuns returns the number of distinct runs with recorded samples.
func (s *SQLiteProfileStore) CountRuns(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT run_id) FROM rule_durations").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// Prune keeps the newest keep samples of every rule and deletes the rest.
// It returns the number of deleted rows.
func (s *SQLiteProfileStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be non-negative, got %d", keep)
	}

	query := `
		DELETE FROM rule_durations
		WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY rule_id ORDER BY id DESC) AS rn
				FROM rule_durations
			) WHERE rn > ?
		)
	`
	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune profiles: %w", err)
	}
	return result.RowsAffected()
}

// Reset deletes the history of the given rules, or of every rule when none
// are given. It returns the number of deleted rows.
func (s *SQLiteProfileStore) Reset(ctx context.Context, ids ...engine.RuleID) (int64, error) {
	query := "DELETE FROM rule_durations"
	args := make([]any, len(ids))
	if len(ids) > 0 {
		for i, id := range ids {
			args[i] = string(id)
		}
		query += " WHERE rule_id IN (" + placeholders(len(ids)) + ")"
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset profiles: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection.
func (s *SQLiteProfileStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
