package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rulecheck/pkg/engine"
	"github.com/openfroyo/rulecheck/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RULECHECK_"

// Load reads the configuration file at path, applies defaults and
// environment overrides, and validates the result.
//
// The loading sequence is:
// 1. Start from Default()
// 2. Overlay the file (YAML, or CUE checked against the config schema)
// 3. Fill zero values with defaults
// 4. Apply RULECHECK_* environment overrides
// 5. Validate
//
// An empty path skips step 2.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			code := engine.ErrCodeInternal
			if os.IsNotExist(err) {
				code = engine.ErrCodeNotFound
			}
			return nil, engine.NewConfigError(fmt.Sprintf("failed to read configuration file %q", path), err).WithCode(code)
		}
		if err := decode(cfg, data, path); err != nil {
			return nil, err
		}
	}

	ApplyDefaults(cfg)
	applyEnvOverrides(cfg, os.LookupEnv)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays data onto cfg according to the file extension.
func decode(cfg *Config, data []byte, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		normalized, err := NewSchemaRegistry().Normalize(data, path)
		if err != nil {
			return err
		}
		data = normalized
	case ".yaml", ".yml", "":
	default:
		return engine.NewConfigError(fmt.Sprintf("unsupported configuration format %q", filepath.Ext(path)), nil).
			WithCode(engine.ErrCodeValidation)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return engine.NewConfigError(fmt.Sprintf("failed to parse configuration file %q", path), err).
			WithCode(engine.ErrCodeParse)
	}
	return nil
}

// ApplyDefaults fills unset fields with their default values.
func ApplyDefaults(cfg *Config) {
	d := Default()

	if cfg.RepoRoot == "" {
		cfg.RepoRoot = d.RepoRoot
	}
	if cfg.GraphPath == "" {
		cfg.GraphPath = d.GraphPath
	}
	if cfg.FailOn == "" {
		cfg.FailOn = d.FailOn
	}
	cfg.FailOn = strings.ToUpper(strings.TrimSpace(cfg.FailOn))

	if cfg.Engine.MaxWorkers == 0 {
		cfg.Engine.MaxWorkers = d.Engine.MaxWorkers
	}
	if cfg.Engine.CacheTTL == 0 {
		cfg.Engine.CacheTTL = d.Engine.CacheTTL
	}
	if cfg.Engine.DefaultRuleEstimate == 0 {
		cfg.Engine.DefaultRuleEstimate = d.Engine.DefaultRuleEstimate
	}
	if cfg.Engine.MinWorkPerWorker == 0 {
		cfg.Engine.MinWorkPerWorker = d.Engine.MinWorkPerWorker
	}
	if cfg.Engine.ProfileWindow == 0 {
		cfg.Engine.ProfileWindow = d.Engine.ProfileWindow
	}

	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	t, dt := cfg.Telemetry, d.Telemetry
	if t.ServiceName == "" {
		t.ServiceName = dt.ServiceName
	}
	if t.ServiceVersion == "" {
		t.ServiceVersion = dt.ServiceVersion
	}
	if t.Logging.Level == "" {
		t.Logging.Level = dt.Logging.Level
	}
	if t.Logging.Format == "" {
		t.Logging.Format = dt.Logging.Format
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = dt.Metrics.Path
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = dt.Metrics.Namespace
	}
}

// applyEnvOverrides applies RULECHECK_SECTION_FIELD environment variables.
// Unparseable values are ignored.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if val, ok := lookup(EnvPrefix + name); ok && val != "" {
			*dst = val
		}
	}
	integer := func(name string, dst *int) {
		if val, ok := lookup(EnvPrefix + name); ok && val != "" {
			if i, err := strconv.Atoi(val); err == nil {
				*dst = i
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if val, ok := lookup(EnvPrefix + name); ok && val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				*dst = b
			}
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val, ok := lookup(EnvPrefix + name); ok && val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				*dst = d
			}
		}
	}

	str("REPO_ROOT", &cfg.RepoRoot)
	str("GRAPH", &cfg.GraphPath)
	str("RULES", &cfg.RulesPath)
	str("FAIL_ON", &cfg.FailOn)
	cfg.FailOn = strings.ToUpper(cfg.FailOn)

	integer("ENGINE_MAX_WORKERS", &cfg.Engine.MaxWorkers)
	boolean("ENGINE_ADAPTIVE", &cfg.Engine.Adaptive)
	boolean("ENGINE_SHOW_PROGRESS", &cfg.Engine.ShowProgress)
	duration("ENGINE_CACHE_TTL", &cfg.Engine.CacheTTL)
	integer("ENGINE_PROFILE_WINDOW", &cfg.Engine.ProfileWindow)
	boolean("ENGINE_WATCH", &cfg.Engine.Watch)

	str("PROFILE_PATH", &cfg.Profile.Path)
	integer("PROFILE_KEEP", &cfg.Profile.Keep)

	str("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	str("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	boolean("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	str("TELEMETRY_TRACING_EXPORTER", &cfg.Telemetry.Tracing.Exporter)
	str("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	boolean("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	str("TELEMETRY_METRICS_ADDRESS", &cfg.Telemetry.Metrics.ListenAddress)
}
