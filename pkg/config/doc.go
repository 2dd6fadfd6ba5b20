// Package config loads the rulecheck configuration file.
//
// # Overview
//
// A configuration names the repository to validate, the batch dependency
// graph, the rule manifest, and the engine, profile store and telemetry
// settings. Files may be written in YAML or in CUE; CUE sources are checked
// against the built-in #Config schema before decoding.
//
// # Loading sequence
//
//  1. Start from Default()
//  2. Overlay the file, if any
//  3. Fill zero values with defaults (ApplyDefaults)
//  4. Apply RULECHECK_* environment overrides
//  5. Validate struct constraints (go-playground/validator) and the telemetry section
//
// Command line flags are applied by the caller after Load and should be
// followed by another call to Validate.
//
// # Environment overrides
//
// Variables follow RULECHECK_SECTION_FIELD, for example
// RULECHECK_ENGINE_MAX_WORKERS, RULECHECK_ENGINE_CACHE_TTL,
// RULECHECK_PROFILE_PATH and RULECHECK_TELEMETRY_LOGGING_LEVEL. Values that
// fail to parse are ignored.
//
// # Usage Example
//
//	cfg, err := config.Load("rulecheck.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng, err := engine.NewEngine(cfg.RepoRoot, registry, cfg.EngineSettings(), engine.WithLogger(logger))
//
// All errors are *engine.EngineError values of class config.
package config
