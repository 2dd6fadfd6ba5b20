package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

// RegoInput is the document a policy sees as input.
type RegoInput struct {
	RuleID   string                 `json:"rule_id"`
	RepoRoot string                 `json:"repo_root"`
	Path     string                 `json:"path,omitempty"`
	Files    []string               `json:"files"`
	Content  string                 `json:"content,omitempty"`
	Inputs   map[string]interface{} `json:"inputs,omitempty"`
}

type regoRule struct {
	def   Definition
	query rego.PreparedEvalQuery
}

// newRegoRule compiles the policy once; the prepared query is safe for
// concurrent evaluation.
func newRegoRule(ctx context.Context, def Definition) (*regoRule, error) {
	module, err := ast.ParseModule(string(def.ID)+".rego", def.Policy)
	if err != nil {
		return nil, fmt.Errorf("rule %s: failed to parse policy: %w", def.ID, err)
	}

	query := def.Query
	if query == "" {
		query = module.Package.Path.String() + ".deny"
	}

	prepared, err := rego.New(
		rego.Module(string(def.ID)+".rego", def.Policy),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("rule %s: failed to prepare query %s: %w", def.ID, query, err)
	}

	return &regoRule{def: def, query: prepared}, nil
}

// Check implements engine.Rule. The rule passes when the query yields an
// empty collection, false, or no result at all.
func (r *regoRule) Check(ctx context.Context, ec *engine.ExecutionContext) (engine.ValidationResult, error) {
	input, err := r.input(ctx, ec)
	if err != nil {
		return engine.ValidationResult{}, err
	}

	rs, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return engine.ValidationResult{}, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			violations = append(violations, violationsOf(expr.Value)...)
		}
	}
	sort.Strings(violations)

	evidence := map[string]interface{}{"files_evaluated": len(input.Files)}
	if len(violations) == 0 {
		return r.def.result(true, "policy satisfied", evidence), nil
	}
	evidence["violations"] = violations
	return r.def.result(false, strings.Join(violations, "; "), evidence), nil
}

func (r *regoRule) input(ctx context.Context, ec *engine.ExecutionContext) (*RegoInput, error) {
	in := &RegoInput{
		RuleID:   string(r.def.ID),
		RepoRoot: ec.RepoRoot,
		Path:     r.def.Path,
		Inputs:   r.def.Inputs,
	}

	root := "."
	if r.def.Path != "" {
		info, err := ec.Stat(ctx, r.def.Path)
		if err != nil {
			return nil, err
		}
		switch {
		case info.Exists && !info.IsDir:
			data, err := ec.ReadFile(ctx, r.def.Path)
			if err != nil {
				return nil, err
			}
			in.Content = string(data)
			in.Files = []string{r.def.Path}
			return in, nil
		case info.Exists:
			root = r.def.Path
		default:
			in.Files = []string{}
			return in, nil
		}
	}

	files, err := ec.ListFiles(ctx, root)
	if err != nil {
		return nil, err
	}
	in.Files = files
	return in, nil
}

// violationsOf flattens a query value into messages. Objects contribute
// their "message" field.
func violationsOf(v interface{}) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		if val {
			return nil
		}
		return []string{"policy returned false"}
	case string:
		return []string{val}
	case []interface{}:
		var out []string
		for _, item := range val {
			out = append(out, violationsOf(item)...)
		}
		return out
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			return []string{msg}
		}
		if len(val) == 0 {
			return nil
		}
		return []string{fmt.Sprintf("%v", val)}
	default:
		return []string{fmt.Sprintf("%v", val)}
	}
}
