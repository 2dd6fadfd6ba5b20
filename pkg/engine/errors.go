package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassConfig indicates a malformed or missing dependency graph or rule registry.
	// Config errors are fatal: a run refuses to start and no rule executes.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassRuleExecution indicates a failure raised while running a single rule.
	// It is converted into a failing ValidationResult and never crosses the worker boundary.
	ErrorClassRuleExecution ErrorClass = "rule_execution"

	// ErrorClassCache indicates an observation cache failure.
	// The affected access degrades to a direct filesystem read.
	ErrorClassCache ErrorClass = "cache"

	// ErrorClassProfileStore indicates the historical profile store is unreadable or corrupt.
	// The adaptive controller falls back to cold-start estimates.
	ErrorClassProfileStore ErrorClass = "profile_store"

	// ErrorClassPermanent indicates a non-recoverable internal error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for recovery logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Rule is the rule ID that caused the error, if applicable.
	Rule RuleID `json:"rule,omitempty"`

	// Batch is the batch ID the error belongs to, or -1 when not applicable.
	Batch int `json:"batch"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Rule != "" {
		msg = fmt.Sprintf("%s (rule=%s)", msg, e.Rule)
	}
	if e.Batch >= 0 {
		msg = fmt.Sprintf("%s (batch=%d)", msg, e.Batch)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Batch:   -1,
		Err:     err,
	}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConfig, message, err)
}

// NewRuleExecutionError creates a new rule execution error.
func NewRuleExecutionError(message string, err error) *EngineError {
	return newEngineError(ErrorClassRuleExecution, message, err)
}

// NewCacheError creates a new cache error.
func NewCacheError(message string, err error) *EngineError {
	return newEngineError(ErrorClassCache, message, err)
}

// NewProfileStoreError creates a new profile store error.
func NewProfileStoreError(message string, err error) *EngineError {
	return newEngineError(ErrorClassProfileStore, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, err)
}

// WithRule adds rule context to an error.
func (e *EngineError) WithRule(id RuleID) *EngineError {
	e.Rule = id
	return e
}

// WithBatch adds batch context to an error.
func (e *EngineError) WithBatch(batchID int) *EngineError {
	e.Batch = batchID
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func asEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func hasClass(err error, class ErrorClass) bool {
	if e, ok := asEngineError(err); ok {
		return e.Class == class
	}
	return false
}

// IsConfigError returns true if the error is classified as a configuration error.
func IsConfigError(err error) bool {
	return hasClass(err, ErrorClassConfig)
}

// IsRuleExecutionError returns true if the error is classified as a rule execution error.
func IsRuleExecutionError(err error) bool {
	return hasClass(err, ErrorClassRuleExecution)
}

// IsCacheError returns true if the error is classified as a cache error.
func IsCacheError(err error) bool {
	return hasClass(err, ErrorClassCache)
}

// IsProfileStoreError returns true if the error is classified as a profile store error.
func IsProfileStoreError(err error) bool {
	return hasClass(err, ErrorClassProfileStore)
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return hasClass(err, ErrorClassPermanent)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeParse            = "PARSE_ERROR"
	ErrCodeDuplicateRule    = "DUPLICATE_RULE"
	ErrCodeUnregisteredRule = "UNREGISTERED_RULE"
	ErrCodeCycleDetected    = "CYCLE_DETECTED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
