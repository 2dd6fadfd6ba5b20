package rules

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

// Globals available to rule scripts, besides the Starlark universe.
var scriptPredeclared = []string{
	"struct", "rule_id", "repo_root", "inputs",
	"exists", "stat", "read_file", "read_dir", "list_files",
}

// starlarkRule runs a script that must assign a bool to the global passed.
// Optional globals: message (string), severity (string), evidence (dict).
type starlarkRule struct {
	def  Definition
	eval *StarlarkEvaluator
	prog *starlark.Program
}

func newStarlarkRule(def Definition, timeout time.Duration) (*starlarkRule, error) {
	if def.Timeout > 0 {
		timeout = def.Timeout
	}
	eval := NewStarlarkEvaluator(timeout)
	prog, err := eval.Compile(string(def.ID)+".star", def.Script, scriptPredeclared)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", def.ID, err)
	}
	return &starlarkRule{def: def, eval: eval, prog: prog}, nil
}

// Check implements engine.Rule.
func (r *starlarkRule) Check(ctx context.Context, ec *engine.ExecutionContext) (engine.ValidationResult, error) {
	inputs, err := toStarlarkValue(r.def.Inputs)
	if err != nil {
		return engine.ValidationResult{}, fmt.Errorf("convert inputs: %w", err)
	}

	predeclared := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"rule_id":   starlark.String(r.def.ID),
		"repo_root": starlark.String(ec.RepoRoot),
		"inputs":    inputs,
	}
	for name, fn := range repoBuiltins(ctx, ec) {
		predeclared[name] = fn
	}

	_, globals, err := r.eval.Run(ctx, r.prog, predeclared)
	if err != nil {
		return engine.ValidationResult{}, err
	}

	passedVal, ok := globals["passed"].(starlark.Bool)
	if !ok {
		return engine.ValidationResult{}, fmt.Errorf("script must assign a bool to passed")
	}
	passed := bool(passedVal)

	msg := "script passed"
	if !passed {
		msg = "script failed"
	}
	if m, ok := globals["message"].(starlark.String); ok {
		msg = string(m)
	}

	var evidence map[string]interface{}
	if ev, ok := globals["evidence"]; ok {
		converted, err := fromStarlarkValue(ev)
		if err != nil {
			return engine.ValidationResult{}, fmt.Errorf("convert evidence: %w", err)
		}
		if m, ok := converted.(map[string]interface{}); ok {
			evidence = m
		}
	}

	res := r.def.result(passed, msg, evidence)
	if s, ok := globals["severity"].(starlark.String); ok && !passed {
		sev, err := engine.ParseSeverity(string(s))
		if err != nil {
			return engine.ValidationResult{}, err
		}
		res.Severity = sev
	}
	return res, nil
}

// repoBuiltins exposes the cache-backed repository view to scripts.
func repoBuiltins(ctx context.Context, ec *engine.ExecutionContext) map[string]*starlark.Builtin {
	return map[string]*starlark.Builtin{
		"exists": starlark.NewBuiltin("exists", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
				return nil, err
			}
			return starlark.Bool(ec.Exists(ctx, p)), nil
		}),
		"stat": starlark.NewBuiltin("stat", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
				return nil, err
			}
			info, err := ec.Stat(ctx, p)
			if err != nil {
				return nil, err
			}
			return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
				"exists": starlark.Bool(info.Exists),
				"is_dir": starlark.Bool(info.IsDir),
				"size":   starlark.MakeInt64(info.Size),
			}), nil
		}),
		"read_file": starlark.NewBuiltin("read_file", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
				return nil, err
			}
			data, err := ec.ReadFile(ctx, p)
			if err != nil {
				return nil, err
			}
			return starlark.String(data), nil
		}),
		"read_dir": starlark.NewBuiltin("read_dir", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			p := "."
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path?", &p); err != nil {
				return nil, err
			}
			entries, err := ec.ReadDir(ctx, p)
			if err != nil {
				return nil, err
			}
			list := make([]starlark.Value, len(entries))
			for i, e := range entries {
				list[i] = starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
					"name":   starlark.String(e.Name),
					"is_dir": starlark.Bool(e.IsDir),
				})
			}
			return starlark.NewList(list), nil
		}),
		"list_files": starlark.NewBuiltin("list_files", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			p := "."
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path?", &p); err != nil {
				return nil, err
			}
			files, err := ec.ListFiles(ctx, p)
			if err != nil {
				return nil, err
			}
			return toStarlarkValue(files)
		}),
	}
}
