package rules

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

// BuildOptions tunes rule construction.
type BuildOptions struct {
	// ScriptTimeout is the default Starlark timeout; a rule's own timeout wins.
	ScriptTimeout time.Duration

	Logger zerolog.Logger
}

// New compiles one definition into an executable rule.
func New(ctx context.Context, def Definition, opts BuildOptions) (engine.Rule, error) {
	if err := def.check(); err != nil {
		return nil, engine.NewConfigError(err.Error(), nil).WithCode(engine.ErrCodeValidation).WithRule(def.ID)
	}

	var (
		rule engine.Rule
		err  error
	)
	switch def.Kind {
	case KindPathExists, KindPathAbsent:
		rule = newPathRule(def)
	case KindContentMatch:
		rule, err = newContentRule(def)
	case KindRego:
		rule, err = newRegoRule(ctx, def)
	case KindStarlark:
		rule, err = newStarlarkRule(def, opts.ScriptTimeout)
	default:
		return nil, engine.NewConfigError("unknown rule kind "+string(def.Kind), nil).
			WithCode(engine.ErrCodeValidation).WithRule(def.ID)
	}
	if err != nil {
		return nil, engine.NewConfigError("failed to build rule", err).WithCode(engine.ErrCodeParse).WithRule(def.ID)
	}
	return rule, nil
}

// Build compiles every manifest rule and registers it. Nothing is
// registered when any rule fails to compile or collides with a registered id.
func Build(ctx context.Context, m *Manifest, reg *engine.Registry, opts BuildOptions) error {
	logger := opts.Logger.With().Str("component", "rules").Logger()

	built := make([]engine.Rule, len(m.Rules))
	counts := make(map[Kind]int)
	for i := range m.Rules {
		rule, err := New(ctx, m.Rules[i], opts)
		if err != nil {
			return err
		}
		built[i] = rule
		counts[m.Rules[i].Kind]++
	}

	for i := range m.Rules {
		if _, exists := reg.Lookup(m.Rules[i].ID); exists {
			return engine.NewConfigError("rule is already registered", nil).
				WithCode(engine.ErrCodeDuplicateRule).WithRule(m.Rules[i].ID)
		}
	}
	for i, rule := range built {
		if err := reg.Register(m.Rules[i].ID, rule); err != nil {
			return err
		}
	}

	event := logger.Debug().Int("rules", len(built)).Str("source", m.Source)
	for _, k := range Kinds {
		if counts[k] > 0 {
			event = event.Int(string(k), counts[k])
		}
	}
	event.Msg("Rule manifest compiled")
	return nil
}
