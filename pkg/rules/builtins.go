package rules

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

// Built-in rule ids.
const (
	BuiltinReadme          engine.RuleID = "builtin.readme-present"
	BuiltinLicense         engine.RuleID = "builtin.license-present"
	BuiltinGitignore       engine.RuleID = "builtin.gitignore-present"
	BuiltinLargeFiles      engine.RuleID = "builtin.no-large-files"
	BuiltinConflictMarkers engine.RuleID = "builtin.no-conflict-markers"
)

// LargeFileLimit is the size above which builtin.no-large-files fails.
const LargeFileLimit = 5 << 20

// builtins is the static table of Go rules.
var builtins = map[engine.RuleID]engine.RuleFunc{
	BuiltinReadme:          rootFileRule(BuiltinReadme, "README", engine.SeverityMedium),
	BuiltinLicense:         rootFileRule(BuiltinLicense, "LICENSE", engine.SeverityHigh),
	BuiltinGitignore:       rootFileRule(BuiltinGitignore, ".gitignore", engine.SeverityLow),
	BuiltinLargeFiles:      checkLargeFiles,
	BuiltinConflictMarkers: checkConflictMarkers,
}

// BuiltinIDs returns the ids of the built-in rules in lexical order.
func BuiltinIDs() []engine.RuleID {
	ids := make([]engine.RuleID, 0, len(builtins))
	for id := range builtins {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RegisterBuiltins registers every built-in rule.
func RegisterBuiltins(reg *engine.Registry) error {
	for _, id := range BuiltinIDs() {
		if err := reg.Register(id, builtins[id]); err != nil {
			return err
		}
	}
	return nil
}

// rootFileRule passes when a file named prefix, with any extension and in
// any case, exists at the repository root.
func rootFileRule(id engine.RuleID, prefix string, sev engine.Severity) engine.RuleFunc {
	return func(ctx context.Context, ec *engine.ExecutionContext) (engine.ValidationResult, error) {
		entries, err := ec.ReadDir(ctx, ".")
		if err != nil {
			return engine.ValidationResult{}, err
		}
		for _, e := range entries {
			if e.IsDir {
				continue
			}
			name := strings.ToUpper(e.Name)
			if name == strings.ToUpper(prefix) || strings.HasPrefix(name, strings.ToUpper(prefix)+".") {
				return engine.ValidationResult{
					RuleID:   id,
					Passed:   true,
					Severity: engine.SeverityInfo,
					Message:  "found " + e.Name,
				}, nil
			}
		}
		return engine.ValidationResult{
			RuleID:   id,
			Passed:   false,
			Severity: sev,
			Message:  fmt.Sprintf("no %s file at the repository root", prefix),
		}, nil
	}
}

func checkLargeFiles(ctx context.Context, ec *engine.ExecutionContext) (engine.ValidationResult, error) {
	files, err := ec.ListFiles(ctx, ".")
	if err != nil {
		return engine.ValidationResult{}, err
	}

	var large []string
	for _, f := range files {
		info, err := ec.Stat(ctx, f)
		if err != nil {
			return engine.ValidationResult{}, err
		}
		if info.Size > LargeFileLimit {
			large = append(large, f)
		}
	}

	if len(large) == 0 {
		return engine.ValidationResult{
			RuleID:   BuiltinLargeFiles,
			Passed:   true,
			Severity: engine.SeverityInfo,
			Message:  fmt.Sprintf("%d file(s) under %d bytes", len(files), LargeFileLimit),
		}, nil
	}
	return engine.ValidationResult{
		RuleID:   BuiltinLargeFiles,
		Passed:   false,
		Severity: engine.SeverityMedium,
		Message:  fmt.Sprintf("%d file(s) exceed %d bytes", len(large), LargeFileLimit),
		Evidence: map[string]interface{}{"files": large},
	}, nil
}

// textExtensions limits the conflict marker scan to source-like files.
var textExtensions = map[string]bool{
	".go": true, ".md": true, ".txt": true, ".yaml": true, ".yml": true, ".json": true,
	".py": true, ".js": true, ".ts": true, ".java": true, ".c": true, ".h": true,
	".rs": true, ".rego": true, ".star": true, ".cue": true, ".toml": true, ".sh": true,
}

var conflictMarkers = [][]byte{[]byte("\n<<<<<<< "), []byte("\n>>>>>>> ")}

func checkConflictMarkers(ctx context.Context, ec *engine.ExecutionContext) (engine.ValidationResult, error) {
	files, err := ec.ListFiles(ctx, ".")
	if err != nil {
		return engine.ValidationResult{}, err
	}

	var offending []string
	for _, f := range files {
		if !textExtensions[strings.ToLower(path.Ext(f))] {
			continue
		}
		data, err := ec.ReadFile(ctx, f)
		if err != nil {
			return engine.ValidationResult{}, err
		}
		data = append([]byte("\n"), data...)
		for _, m := range conflictMarkers {
			if bytes.Contains(data, m) {
				offending = append(offending, f)
				break
			}
		}
	}

	if len(offending) == 0 {
		return engine.ValidationResult{
			RuleID:   BuiltinConflictMarkers,
			Passed:   true,
			Severity: engine.SeverityInfo,
			Message:  "no merge conflict markers",
		}, nil
	}
	return engine.ValidationResult{
		RuleID:   BuiltinConflictMarkers,
		Passed:   false,
		Severity: engine.SeverityHigh,
		Message:  "unresolved merge conflict markers in " + strings.Join(offending, ", "),
		Evidence: map[string]interface{}{"files": offending},
	}, nil
}
