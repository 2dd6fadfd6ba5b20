package rules

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

// hasGlob reports whether p contains path.Match metacharacters.
func hasGlob(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// expand returns the repository paths matching p. A plain path is returned
// as is when it exists. Glob segments do not cross directories.
func expand(ctx context.Context, ec *engine.ExecutionContext, p string) ([]string, error) {
	p = path.Clean(strings.TrimPrefix(filepath.ToSlash(p), "./"))
	if !hasGlob(p) {
		info, err := ec.Stat(ctx, p)
		if engine.IsRuleExecutionError(err) {
			return nil, err
		}
		if err == nil && info.Exists {
			return []string{p}, nil
		}
		return nil, nil
	}
	if _, err := path.Match(p, ""); err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", p, err)
	}

	files, err := ec.ListFiles(ctx, ".")
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, f := range files {
		if ok, _ := path.Match(p, f); ok {
			matches = append(matches, f)
		}
	}
	return matches, nil
}

// result fills the common fields of a rule outcome.
func (d *Definition) result(passed bool, msg string, evidence map[string]interface{}) engine.ValidationResult {
	res := engine.ValidationResult{
		RuleID:   d.ID,
		Passed:   passed,
		Message:  msg,
		Evidence: evidence,
	}
	if passed {
		res.Severity = engine.SeverityInfo
	} else {
		res.Severity = d.Severity
		if d.Message != "" {
			res.Message = d.Message
		}
	}
	return res
}

type pathRule struct {
	def    Definition
	absent bool
}

func newPathRule(def Definition) *pathRule {
	return &pathRule{def: def, absent: def.Kind == KindPathAbsent}
}

// Check implements engine.Rule.
func (r *pathRule) Check(ctx context.Context, ec *engine.ExecutionContext) (engine.ValidationResult, error) {
	matches, err := expand(ctx, ec, r.def.Path)
	if err != nil {
		return engine.ValidationResult{}, err
	}
	evidence := map[string]interface{}{"path": r.def.Path, "matches": matches}

	switch {
	case r.absent && len(matches) == 0:
		return r.def.result(true, fmt.Sprintf("%s is absent", r.def.Path), evidence), nil
	case r.absent:
		return r.def.result(false, fmt.Sprintf("%s must not exist, found %s", r.def.Path, strings.Join(matches, ", ")), evidence), nil
	case len(matches) > 0:
		return r.def.result(true, fmt.Sprintf("found %s", strings.Join(matches, ", ")), evidence), nil
	default:
		return r.def.result(false, fmt.Sprintf("%s is missing", r.def.Path), evidence), nil
	}
}

type contentRule struct {
	def Definition
	re  *regexp.Regexp
}

func newContentRule(def Definition) (*contentRule, error) {
	re, err := regexp.Compile(def.Pattern)
	if err != nil {
		return nil, fmt.Errorf("rule %s: invalid pattern: %w", def.ID, err)
	}
	return &contentRule{def: def, re: re}, nil
}

// Check implements engine.Rule. Every matching file must satisfy the pattern
// (or, when negated, none may).
func (r *contentRule) Check(ctx context.Context, ec *engine.ExecutionContext) (engine.ValidationResult, error) {
	files, err := expand(ctx, ec, r.def.Path)
	if err != nil {
		return engine.ValidationResult{}, err
	}
	if len(files) == 0 {
		return r.def.result(false, fmt.Sprintf("%s does not exist", r.def.Path),
			map[string]interface{}{"path": r.def.Path}), nil
	}

	var offending []string
	for _, f := range files {
		data, err := ec.ReadFile(ctx, f)
		if err != nil {
			return engine.ValidationResult{}, fmt.Errorf("read %s: %w", f, err)
		}
		if r.re.Match(data) == r.def.Negate {
			offending = append(offending, f)
		}
	}

	evidence := map[string]interface{}{
		"pattern": r.def.Pattern,
		"files":   files,
	}
	if len(offending) == 0 {
		return r.def.result(true, fmt.Sprintf("%d file(s) checked", len(files)), evidence), nil
	}

	evidence["offending"] = offending
	verb := "do not match"
	if r.def.Negate {
		verb = "match"
	}
	return r.def.result(false, fmt.Sprintf("%s %s %q", strings.Join(offending, ", "), verb, r.def.Pattern), evidence), nil
}
