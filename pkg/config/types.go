package config

import (
	"time"

	"github.com/openfroyo/rulecheck/pkg/engine"
	"github.com/openfroyo/rulecheck/pkg/telemetry"
)

// Config is the rulecheck configuration file.
type Config struct {
	// RepoRoot is the repository tree validated by the rules.
	RepoRoot string `yaml:"repo_root" json:"repo_root" validate:"required"`

	// GraphPath is the batch dependency graph (.yaml, .yml, .json or .cue).
	GraphPath string `yaml:"graph" json:"graph" validate:"required"`

	// RulesPath is the declarative rule manifest. Empty means built-in rules only.
	RulesPath string `yaml:"rules" json:"rules"`

	// FailOn is the lowest failed-rule severity that makes a run exit non-zero.
	FailOn string `yaml:"fail_on" json:"fail_on" validate:"omitempty,oneof=CRITICAL HIGH MEDIUM LOW INFO"`

	// Engine configures the execution engine.
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// Profile configures execution history persistence.
	Profile ProfileConfig `yaml:"profile" json:"profile"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry *telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// EngineConfig mirrors engine.Config with file tags. Zero values select the
// engine defaults.
type EngineConfig struct {
	MaxWorkers          int           `yaml:"max_workers" json:"max_workers" validate:"gte=0,lte=4096"`
	Adaptive            bool          `yaml:"adaptive" json:"adaptive"`
	ShowProgress        bool          `yaml:"show_progress" json:"show_progress"`
	CacheTTL            time.Duration `yaml:"cache_ttl" json:"cache_ttl" validate:"gte=0"`
	DefaultRuleEstimate time.Duration `yaml:"default_rule_estimate" json:"default_rule_estimate" validate:"gte=0"`
	MinWorkPerWorker    time.Duration `yaml:"min_work_per_worker" json:"min_work_per_worker" validate:"gte=0"`
	ProfileWindow       int           `yaml:"profile_window" json:"profile_window" validate:"gte=0,lte=10000"`

	// Watch invalidates cached observations when files under the repository change.
	Watch bool `yaml:"watch" json:"watch"`
}

// ProfileConfig configures the SQLite profile store.
type ProfileConfig struct {
	// Path of the database file. Empty keeps history in memory for one process.
	Path string `yaml:"path" json:"path"`

	// Keep prunes history to the newest Keep samples per rule after each run.
	// Zero disables pruning.
	Keep int `yaml:"keep" json:"keep" validate:"gte=0"`
}

// EngineSettings converts the file representation into an engine.Config.
func (c *Config) EngineSettings() engine.Config {
	return engine.Config{
		MaxWorkers:          c.Engine.MaxWorkers,
		ShowProgress:        c.Engine.ShowProgress,
		CacheTTL:            c.Engine.CacheTTL,
		Adaptive:            c.Engine.Adaptive,
		DefaultRuleEstimate: c.Engine.DefaultRuleEstimate,
		MinWorkPerWorker:    c.Engine.MinWorkPerWorker,
		ProfileWindow:       c.Engine.ProfileWindow,
	}
}

// FailOnSeverity returns the configured failure threshold, CRITICAL when unset.
func (c *Config) FailOnSeverity() engine.Severity {
	if c.FailOn == "" {
		return engine.SeverityCritical
	}
	sev, err := engine.ParseSeverity(c.FailOn)
	if err != nil {
		return engine.SeverityCritical
	}
	return sev
}

// Default returns the default configuration.
func Default() *Config {
	d := engine.DefaultConfig()
	return &Config{
		RepoRoot:  ".",
		GraphPath: "rulecheck-graph.yaml",
		FailOn:    string(engine.SeverityCritical),
		Engine: EngineConfig{
			MaxWorkers:          d.MaxWorkers,
			CacheTTL:            d.CacheTTL,
			DefaultRuleEstimate: d.DefaultRuleEstimate,
			MinWorkPerWorker:    d.MinWorkPerWorker,
			ProfileWindow:       d.ProfileWindow,
		},
		Profile: ProfileConfig{
			Path: ".rulecheck/profiles.db",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
