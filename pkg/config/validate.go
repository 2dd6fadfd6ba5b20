package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

var validate = validator.New()

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks struct constraints and the telemetry section. The returned
// error is an engine config error carrying the field problems as details.
func Validate(cfg *Config) error {
	if cfg == nil {
		return engine.NewConfigError("configuration is nil", nil).WithCode(engine.ErrCodeValidation)
	}

	var problems []ValidationError
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return engine.NewConfigError("configuration validation failed", err).WithCode(engine.ErrCodeInternal)
		}
		for _, fe := range verrs {
			problems = append(problems, ValidationError{
				Field:   fe.Namespace(),
				Rule:    fe.Tag(),
				Message: describe(fe),
			})
		}
	}

	if cfg.Telemetry != nil {
		if err := cfg.Telemetry.Validate(); err != nil {
			problems = append(problems, ValidationError{
				Field:   "Config.Telemetry",
				Rule:    "telemetry",
				Message: err.Error(),
			})
		}
	}

	if len(problems) == 0 {
		return nil
	}

	msgs := make([]string, len(problems))
	for i, p := range problems {
		msgs[i] = p.String()
	}
	return engine.NewConfigError("invalid configuration: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodeValidation).
		WithDetail("problems", problems)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
