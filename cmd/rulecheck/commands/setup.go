package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rulecheck/pkg/cache"
	"github.com/openfroyo/rulecheck/pkg/config"
	"github.com/openfroyo/rulecheck/pkg/engine"
	"github.com/openfroyo/rulecheck/pkg/rules"
	"github.com/openfroyo/rulecheck/pkg/stores"
	"github.com/openfroyo/rulecheck/pkg/telemetry"
)

// session is everything a command needs to execute rules.
type session struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	registry  *engine.Registry
	manifest  *rules.Manifest
	profiles  *stores.SQLiteProfileStore
	cache     *cache.Cache

	closers []func() error
}

// openSession loads configuration, telemetry, rules and the profile store.
func (o *globalOptions) openSession(cmd *cobra.Command) (*session, error) {
	ctx := cmd.Context()

	cfg, err := o.load(cmd)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s := &session{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
		registry:  engine.NewRegistry(),
	}
	s.closers = append(s.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	if err := tel.StartMetricsServer(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	if err := s.loadRules(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// loadRules registers the built-in rules and the manifest, if any.
func (s *session) loadRules(ctx context.Context) error {
	if err := rules.RegisterBuiltins(s.registry); err != nil {
		return err
	}
	if s.cfg.RulesPath == "" {
		return nil
	}

	m, err := rules.LoadManifest(s.cfg.RulesPath)
	if err != nil {
		return err
	}
	if err := rules.Build(ctx, m, s.registry, rules.BuildOptions{Logger: s.logger}); err != nil {
		return err
	}
	s.manifest = m

	log.Debug().
		Str("manifest", m.Source).
		Int("rules", len(m.Rules)).
		Int("registered", s.registry.Len()).
		Msg("Loaded rule manifest")
	return nil
}

// openProfiles opens the SQLite profile store. An empty path keeps history
// in memory for the lifetime of the process.
func (s *session) openProfiles(ctx context.Context) (*stores.SQLiteProfileStore, error) {
	if s.profiles != nil {
		return s.profiles, nil
	}

	path := s.cfg.Profile.Path
	if path == "" {
		path = stores.MemoryPath
	}
	if path != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, engine.NewProfileStoreError("failed to create profile directory", err)
		}
	}

	store, err := stores.OpenProfileStore(ctx, path)
	if err != nil {
		return nil, engine.NewProfileStoreError("failed to open profile database", err).WithDetail("path", path)
	}
	if err := store.HealthCheck(ctx); err != nil {
		store.Close()
		return nil, engine.NewProfileStoreError("profile database is not reachable", err)
	}
	s.profiles = store
	s.closers = append(s.closers, store.Close)
	return store, nil
}

// runProfiles returns the store an adaptive run records into. A profile
// database that cannot be opened degrades the run to an in-memory cold start.
func (s *session) runProfiles(ctx context.Context) engine.ProfileStore {
	store, err := s.openProfiles(ctx)
	if err != nil {
		log.Warn().Err(err).Str("path", s.cfg.Profile.Path).Msg("Profile database unavailable, continuing with cold start")
		if s.telemetry != nil {
			s.telemetry.Metrics.RecordError(string(engine.ErrorClassProfileStore), "")
		}
		return engine.NewMemoryProfileStore()
	}
	return store
}

// openCache creates the run cache and, when configured, a watcher that
// invalidates it as files change.
func (s *session) openCache(ctx context.Context) (*cache.Cache, error) {
	c := cache.New(s.cfg.Engine.CacheTTL)
	s.cache = c
	s.closers = append(s.closers, c.Close)

	if !s.cfg.Engine.Watch {
		return c, nil
	}

	w, err := cache.NewWatcher(c, s.cfg.RepoRoot, s.logger)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to watch repository: %w", err)
	}
	s.closers = append(s.closers, w.Close)
	c.StartSweeper(ctx, 0)
	return c, nil
}

// batches loads the dependency graph named in the configuration.
func (s *session) batches(ctx context.Context) ([]engine.BatchDefinition, error) {
	op := telemetry.StartOperation(s.telemetry.WithContext(ctx), "graph.load")
	batches, err := engine.NewBatchPlanner(s.cfg.GraphPath, op.Logger.Zerolog()).Load(op.Ctx)
	op.End(err)
	return batches, err
}

// engineOptions returns the options shared by run and bench.
func (s *session) engineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(s.logger),
		engine.WithTracer(s.telemetry.Tracer),
	}
	if s.cfg.Telemetry.Metrics.Enabled {
		opts = append(opts, engine.WithMetrics(s.telemetry.Metrics))
	}
	return opts
}

// Close releases resources in reverse order of acquisition.
func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func parseDuration(flag, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, engine.NewConfigError(fmt.Sprintf("invalid --%s value %q", flag, value), err).
			WithCode(engine.ErrCodeValidation)
	}
	return d, nil
}
