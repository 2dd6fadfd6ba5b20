package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity represents how serious a failing rule is.
type Severity string

const (
	// SeverityCritical marks failures that must block a release.
	SeverityCritical Severity = "CRITICAL"

	// SeverityHigh marks serious failures. Execution errors are reported at this level.
	SeverityHigh Severity = "HIGH"

	// SeverityMedium marks failures that should be fixed soon.
	SeverityMedium Severity = "MEDIUM"

	// SeverityLow marks minor findings.
	SeverityLow Severity = "LOW"

	// SeverityInfo marks informational findings.
	SeverityInfo Severity = "INFO"
)

// Severities lists all severities from most to least serious.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// Rank returns a numeric rank where a higher value is more serious.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as serious as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if err := sev.Validate(); err != nil {
		return "", err
	}
	return sev, nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// BatchState represents the lifecycle state of a batch execution.
type BatchState string

const (
	// BatchStatePlanned indicates the batch is known but nothing has been dispatched.
	BatchStatePlanned BatchState = "planned"

	// BatchStateDispatching indicates rules are being assigned to workers.
	BatchStateDispatching BatchState = "dispatching"

	// BatchStateRunning indicates workers are executing rules.
	BatchStateRunning BatchState = "running"

	// BatchStateDraining indicates no rule is left to hand out and stragglers are finishing.
	BatchStateDraining BatchState = "draining"

	// BatchStateComplete indicates every rule in the batch produced a result.
	BatchStateComplete BatchState = "complete"
)

// IsTerminal returns true if the batch state is final.
func (s BatchState) IsTerminal() bool {
	return s == BatchStateComplete
}

// Validate checks if the batch state is valid.
func (s BatchState) Validate() error {
	switch s {
	case BatchStatePlanned, BatchStateDispatching, BatchStateRunning,
		BatchStateDraining, BatchStateComplete:
		return nil
	default:
		return fmt.Errorf("invalid batch state: %s", s)
	}
}

// CanTransition reports whether a batch may move from s to next.
func (s BatchState) CanTransition(next BatchState) bool {
	switch s {
	case BatchStatePlanned:
		return next == BatchStateDispatching
	case BatchStateDispatching:
		return next == BatchStateRunning
	case BatchStateRunning:
		return next == BatchStateDraining
	case BatchStateDraining:
		return next == BatchStateComplete
	default:
		return false
	}
}

// ExecutionMode names the executor configuration a run or benchmark used.
type ExecutionMode string

const (
	// ModeFixed runs every batch with min(max_workers, rule_count) workers.
	ModeFixed ExecutionMode = "fixed"

	// ModeAdaptive chooses worker counts from profiles and rebalances by work stealing.
	ModeAdaptive ExecutionMode = "adaptive"

	// ModeAdaptiveCold is an adaptive benchmark run against an empty profile.
	ModeAdaptiveCold ExecutionMode = "adaptive_cold"

	// ModeAdaptiveWarm is an adaptive benchmark run against the profile left by a cold run.
	ModeAdaptiveWarm ExecutionMode = "adaptive_warm"
)
