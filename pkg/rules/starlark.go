package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultScriptTimeout bounds a single Starlark evaluation.
const DefaultScriptTimeout = 30 * time.Second

// ErrScriptTimeout is returned when a script exceeds its timeout.
var ErrScriptTimeout = errors.New("starlark execution timeout")

// StarlarkEvaluator executes Starlark scripts with a timeout. Scripts cannot
// print or load modules.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// StarlarkResult holds the exported globals of a script.
type StarlarkResult struct {
	// Output maps global names to Go values. Names starting with "_" and
	// callables are not exported.
	Output        map[string]interface{}
	ExecutionTime time.Duration
	Error         string
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Compile parses and resolves a script. Only the predeclared names and the
// Starlark universe may be referenced as free variables.
func (se *StarlarkEvaluator) Compile(filename, script string, predeclared []string) (*starlark.Program, error) {
	names := make(map[string]bool, len(predeclared))
	for _, n := range predeclared {
		names[n] = true
	}
	_, prog, err := starlark.SourceProgram(filename, script, func(name string) bool { return names[name] })
	if err != nil {
		return nil, fmt.Errorf("starlark compilation failed: %w", err)
	}
	return prog, nil
}

// Evaluate compiles and executes a script with the given input values as
// predeclared globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	prog, err := se.Compile("script.star", script, predeclaredNames(predeclared))
	if err != nil {
		return &StarlarkResult{Error: err.Error()}, err
	}

	result, _, err := se.Run(ctx, prog, predeclared)
	return result, err
}

// Run executes a compiled program. The thread is cancelled when ctx is done
// or the evaluator timeout elapses. The raw globals are returned alongside
// the converted result.
func (se *StarlarkEvaluator) Run(ctx context.Context, prog *starlark.Program, predeclared starlark.StringDict) (*StarlarkResult, starlark.StringDict, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "rulecheck",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	globals, err := prog.Init(thread, predeclared)
	elapsed := time.Since(startTime)
	if err != nil {
		if errors.Is(evalCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %v", ErrScriptTimeout, se.timeout)
		} else {
			err = fmt.Errorf("starlark execution failed: %w", err)
		}
		return &StarlarkResult{ExecutionTime: elapsed, Error: err.Error()}, nil, err
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			err = fmt.Errorf("failed to convert output %s: %w", name, err)
			return &StarlarkResult{ExecutionTime: elapsed, Error: err.Error()}, globals, err
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: elapsed,
	}, globals, nil
}

func predeclaredNames(d starlark.StringDict) []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromIndexable(val)
	case *starlark.List:
		return fromIndexable(val)
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIndexable(val starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, val.Len())
	for i := 0; i < val.Len(); i++ {
		item, err := fromStarlarkValue(val.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
