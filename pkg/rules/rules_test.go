package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rulecheck/pkg/cache"
	"github.com/openfroyo/rulecheck/pkg/engine"
)

// writeRepo creates a repository tree from relative path -> content.
func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func newContext(t *testing.T, root string) *engine.ExecutionContext {
	t.Helper()
	c := cache.New(time.Minute)
	t.Cleanup(func() { _ = c.Close() })
	ec, err := engine.NewExecutionContext(root, c, engine.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewExecutionContext() error = %v", err)
	}
	return ec
}

func mustRule(t *testing.T, def Definition) engine.Rule {
	t.Helper()
	rule, err := New(context.Background(), def, BuildOptions{ScriptTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New(%s) error = %v", def.ID, err)
	}
	return rule
}

var testRepo = map[string]string{
	"README.md":          "# Project\n\nSee docs.\n",
	"LICENSE":            "Apache License\nVersion 2.0\n",
	"go.mod":             "module example.com/x\n\ngo 1.22\n",
	"cmd/app/main.go":    "package main\n\nfunc main() {}\n",
	"internal/a/a.go":    "package a\n// Copyright 2026 Example\n",
	"internal/b/b.go":    "package b\n",
	"docs/guide.md":      "guide\n",
	".git/HEAD":          "ref: refs/heads/main\n",
	"secrets/prod.env":   "TOKEN=abc\n",
	"config/app.yaml":    "replicas: 3\n",
	"config/worker.yaml": "replicas: 1\n",
	"scripts/release.sh": "#!/bin/sh\n",
}

func TestFileRules(t *testing.T) {
	ec := newContext(t, writeRepo(t, testRepo))

	tests := []struct {
		name       string
		def        Definition
		wantPassed bool
		wantSev    engine.Severity
		wantMsg    string
	}{
		{
			name:       "exists",
			def:        Definition{ID: "readme", Kind: KindPathExists, Path: "README.md", Severity: engine.SeverityHigh},
			wantPassed: true,
			wantSev:    engine.SeverityInfo,
		},
		{
			name:       "exists missing",
			def:        Definition{ID: "changelog", Kind: KindPathExists, Path: "CHANGELOG.md", Severity: engine.SeverityLow},
			wantPassed: false,
			wantSev:    engine.SeverityLow,
			wantMsg:    "CHANGELOG.md is missing",
		},
		{
			name:       "exists glob",
			def:        Definition{ID: "yaml", Kind: KindPathExists, Path: "config/*.yaml"},
			wantPassed: true,
			wantSev:    engine.SeverityInfo,
			wantMsg:    "config/app.yaml, config/worker.yaml",
		},
		{
			name:       "exists directory",
			def:        Definition{ID: "docs", Kind: KindPathExists, Path: "./docs"},
			wantPassed: true,
			wantSev:    engine.SeverityInfo,
		},
		{
			name:       "absent",
			def:        Definition{ID: "no-vendor", Kind: KindPathAbsent, Path: "vendor"},
			wantPassed: true,
			wantSev:    engine.SeverityInfo,
		},
		{
			name: "absent violated with custom message",
			def: Definition{
				ID: "no-env", Kind: KindPathAbsent, Path: "secrets/*.env",
				Severity: engine.SeverityCritical, Message: "committed env files",
			},
			wantPassed: false,
			wantSev:    engine.SeverityCritical,
			wantMsg:    "committed env files",
		},
		{
			name:       "content match",
			def:        Definition{ID: "license-apache", Kind: KindContentMatch, Path: "LICENSE", Pattern: `Apache License`},
			wantPassed: true,
			wantSev:    engine.SeverityInfo,
		},
		{
			name: "content match over glob",
			def: Definition{
				ID: "copyright", Kind: KindContentMatch, Path: "internal/*/*.go",
				Pattern: `Copyright \d{4}`, Severity: engine.SeverityMedium,
			},
			wantPassed: false,
			wantSev:    engine.SeverityMedium,
			wantMsg:    "internal/b/b.go do not match",
		},
		{
			name: "negated content match",
			def: Definition{
				ID: "no-token", Kind: KindContentMatch, Path: "config/*.yaml",
				Pattern: `(?i)token`, Negate: true,
			},
			wantPassed: true,
			wantSev:    engine.SeverityInfo,
		},
		{
			name:       "content match missing file",
			def:        Definition{ID: "contrib", Kind: KindContentMatch, Path: "CONTRIBUTING.md", Pattern: "x"},
			wantPassed: false,
			wantMsg:    "does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := mustRule(t, tt.def).Check(context.Background(), ec)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if res.RuleID != tt.def.ID {
				t.Errorf("RuleID = %s", res.RuleID)
			}
			if res.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v (%s)", res.Passed, tt.wantPassed, res.Message)
			}
			if res.Severity != tt.wantSev {
				t.Errorf("Severity = %q, want %q", res.Severity, tt.wantSev)
			}
			if tt.wantMsg != "" && !strings.Contains(res.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", res.Message, tt.wantMsg)
			}
		})
	}
}

func TestRegoRule(t *testing.T) {
	ec := newContext(t, writeRepo(t, testRepo))

	policy := `package rulecheck.layout

import rego.v1

deny contains msg if {
	some f in input.files
	endswith(f, ".env")
	msg := sprintf("env file %s is committed", [f])
}

deny contains msg if {
	not "go.mod" in input.files
	msg := "go.mod is missing"
}
`

	tests := []struct {
		name       string
		def        Definition
		wantPassed bool
		wantMsg    string
	}{
		{
			name:       "violations from deny set",
			def:        Definition{ID: "layout", Kind: KindRego, Policy: policy, Severity: engine.SeverityHigh},
			wantPassed: false,
			wantMsg:    "env file secrets/prod.env is committed",
		},
		{
			name:       "scoped to a directory",
			def:        Definition{ID: "layout-config", Kind: KindRego, Policy: policy, Path: "config"},
			wantPassed: false,
			wantMsg:    "go.mod is missing",
		},
		{
			name: "file content and inputs",
			def: Definition{
				ID: "replicas", Kind: KindRego, Path: "config/app.yaml",
				Inputs: map[string]interface{}{"min": 2},
				Policy: `package rulecheck.replicas

import rego.v1

deny contains "too few replicas" if {
	doc := yaml.unmarshal(input.content)
	doc.replicas < input.inputs.min
}
`,
			},
			wantPassed: true,
		},
		{
			name: "custom boolean query",
			def: Definition{
				ID: "has-readme", Kind: KindRego, Query: "data.rulecheck.readme.allow",
				Policy: `package rulecheck.readme

import rego.v1

default allow := false

allow if "README.md" in input.files
`,
			},
			wantPassed: true,
		},
		{
			name: "object violations use message",
			def: Definition{
				ID: "objects", Kind: KindRego,
				Policy: `package rulecheck.objects

import rego.v1

deny contains {"message": "structured violation", "code": 7} if true
`,
			},
			wantPassed: false,
			wantMsg:    "structured violation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := mustRule(t, tt.def).Check(context.Background(), ec)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if res.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v (%s)", res.Passed, tt.wantPassed, res.Message)
			}
			if tt.wantMsg != "" && !strings.Contains(res.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", res.Message, tt.wantMsg)
			}
		})
	}
}

func TestFileRules_OutsideRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "repo")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "secret.txt"), []byte("token=abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	ec := newContext(t, root)

	defs := []Definition{
		{ID: "exists", Kind: KindPathExists, Path: "../secret.txt"},
		{ID: "absent", Kind: KindPathAbsent, Path: "../secret.txt"},
		{ID: "content", Kind: KindContentMatch, Path: "../secret.txt", Pattern: "token"},
		{ID: "rego", Kind: KindRego, Path: "../secret.txt", Policy: `package rulecheck.escape

import rego.v1

deny contains input.content if input.content != ""
`},
	}
	for _, def := range defs {
		t.Run(def.ID, func(t *testing.T) {
			res, err := mustRule(t, def).Check(context.Background(), ec)
			if !engine.IsRuleExecutionError(err) {
				t.Fatalf("Check() = %+v, %v, want rule execution error", res, err)
			}
			if strings.Contains(err.Error(), "token=abc") {
				t.Errorf("error leaks file content: %v", err)
			}
		})
	}
}

func TestRegoRule_CompileErrors(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"parse error", Definition{ID: "bad", Kind: KindRego, Policy: "package x\n\ndeny contains if {"}},
		{"bad query", Definition{ID: "badq", Kind: KindRego, Policy: "package x\n", Query: "data.x["}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.def, BuildOptions{})
			if !engine.IsConfigError(err) {
				t.Errorf("New() error = %v, want config error", err)
			}
		})
	}
}

func TestStarlarkRule(t *testing.T) {
	ec := newContext(t, writeRepo(t, testRepo))

	tests := []struct {
		name       string
		def        Definition
		wantPassed bool
		wantSev    engine.Severity
		wantMsg    string
		wantErr    string
	}{
		{
			name: "repository builtins",
			def: Definition{ID: "go-layout", Kind: KindStarlark, Script: `
def check():
    go_files = [f for f in list_files() if f.endswith(".go")]
    has_cmd = exists("cmd") and stat("cmd").is_dir
    return len(go_files) == 3 and has_cmd

passed = check()
message = "go layout ok" if passed else "unexpected layout"
`},
			wantPassed: true,
			wantSev:    engine.SeverityInfo,
			wantMsg:    "go layout ok",
		},
		{
			name: "inputs and severity override",
			def: Definition{
				ID: "go-version", Kind: KindStarlark, Severity: engine.SeverityLow,
				Inputs: map[string]interface{}{"want": "go 1.25"},
				Script: `
passed = inputs["want"] in read_file("go.mod")
severity = "high"
message = "go directive is not " + inputs["want"]
evidence = {"rule": rule_id}
`,
			},
			wantPassed: false,
			wantSev:    engine.SeverityHigh,
			wantMsg:    "go directive is not go 1.25",
		},
		{
			name: "read_dir",
			def: Definition{ID: "dirs", Kind: KindStarlark, Script: `
passed = len([e for e in read_dir("internal") if e.is_dir]) == 2
`},
			wantPassed: true,
			wantSev:    engine.SeverityInfo,
		},
		{
			name:    "missing passed",
			def:     Definition{ID: "nopass", Kind: KindStarlark, Script: "x = 1\n"},
			wantErr: "assign a bool to passed",
		},
		{
			name:    "read of missing file",
			def:     Definition{ID: "missing", Kind: KindStarlark, Script: "passed = read_file(\"nope\") != \"\"\n"},
			wantErr: "starlark execution failed",
		},
		{
			name:    "read outside the repository",
			def:     Definition{ID: "escape", Kind: KindStarlark, Script: "passed = read_file(\"../secret.txt\") != \"\"\n"},
			wantErr: "outside the repository root",
		},
		{
			name:    "list absolute path",
			def:     Definition{ID: "abs", Kind: KindStarlark, Script: "passed = len(list_files(\"/etc\")) > 0\n"},
			wantErr: "outside the repository root",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := mustRule(t, tt.def).Check(context.Background(), ec)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Check() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if res.Passed != tt.wantPassed || res.Severity != tt.wantSev {
				t.Errorf("result = %+v", res)
			}
			if tt.wantMsg != "" && res.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", res.Message, tt.wantMsg)
			}
		})
	}
}

func TestStarlarkRule_CompileErrors(t *testing.T) {
	for _, script := range []string{"passed = (", "passed = open('x')\n"} {
		_, err := New(context.Background(), Definition{ID: "bad", Kind: KindStarlark, Script: script}, BuildOptions{})
		if !engine.IsConfigError(err) {
			t.Errorf("New(%q) error = %v, want config error", script, err)
		}
	}
}

func TestBuiltins(t *testing.T) {
	reg := engine.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	if reg.Len() != len(BuiltinIDs()) {
		t.Errorf("registered %d rules, want %d", reg.Len(), len(BuiltinIDs()))
	}
	if err := RegisterBuiltins(reg); err == nil {
		t.Error("registering built-ins twice should fail")
	}

	clean := newContext(t, writeRepo(t, testRepo))
	dirty := newContext(t, writeRepo(t, map[string]string{
		"readme.txt": "hi",
		"main.go":    "package main\n<<<<<<< HEAD\nfunc a() {}\n=======\nfunc b() {}\n>>>>>>> branch\n",
	}))

	tests := []struct {
		id         engine.RuleID
		ec         *engine.ExecutionContext
		wantPassed bool
		wantSev    engine.Severity
	}{
		{BuiltinReadme, clean, true, engine.SeverityInfo},
		{BuiltinReadme, dirty, true, engine.SeverityInfo},
		{BuiltinLicense, clean, true, engine.SeverityInfo},
		{BuiltinLicense, dirty, false, engine.SeverityHigh},
		{BuiltinGitignore, clean, false, engine.SeverityLow},
		{BuiltinLargeFiles, clean, true, engine.SeverityInfo},
		{BuiltinConflictMarkers, clean, true, engine.SeverityInfo},
		{BuiltinConflictMarkers, dirty, false, engine.SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			rule, ok := reg.Lookup(tt.id)
			if !ok {
				t.Fatalf("%s not registered", tt.id)
			}
			res, err := rule.Check(context.Background(), tt.ec)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if res.Passed != tt.wantPassed || res.Severity != tt.wantSev || res.RuleID != tt.id {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestBuild_RunsThroughEngine(t *testing.T) {
	root := writeRepo(t, testRepo)
	manifest, err := ParseManifest([]byte(`
version: 1
rules:
  - id: readme
    kind: path_exists
    path: README.md
  - id: no-env
    kind: path_absent
    path: secrets/*.env
    severity: critical
    depends_on: [readme]
  - id: replicas
    kind: starlark
    depends_on: [readme]
    script: |
      passed = "replicas" in read_file("config/app.yaml")
`), root)
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}

	reg := engine.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatal(err)
	}
	if err := Build(context.Background(), manifest, reg, BuildOptions{Logger: zerolog.Nop()}); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	graph, err := engine.NewDAGBuilder().Build(manifest.Dependencies(BuiltinIDs()...))
	if err != nil {
		t.Fatalf("DAG Build() error = %v", err)
	}
	if len(graph.Batches) != 2 {
		t.Fatalf("batches = %+v", graph.Batches)
	}

	eng, err := engine.NewEngine(root, reg, engine.Config{MaxWorkers: 4})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer eng.Close()

	report, err := eng.Run(context.Background(), graph.Batches)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.TotalRules != 3+len(BuiltinIDs()) {
		t.Errorf("TotalRules = %d", report.TotalRules)
	}
	for _, r := range report.Results {
		if r.RuleID == "no-env" && (r.Passed || r.Severity != engine.SeverityCritical) {
			t.Errorf("no-env result = %+v", r)
		}
		if r.RuleID == "replicas" && !r.Passed {
			t.Errorf("replicas result = %+v", r)
		}
	}
}

func TestBuild_AtomicOnError(t *testing.T) {
	reg := engine.NewRegistry()
	m := &Manifest{Rules: []Definition{
		{ID: "ok", Kind: KindPathExists, Path: "x"},
		{ID: "broken", Kind: KindStarlark, Script: "passed = ("},
	}}
	if err := Build(context.Background(), m, reg, BuildOptions{}); err == nil {
		t.Fatal("Build() should fail")
	}
	if reg.Len() != 0 {
		t.Errorf("registry has %d rules after a failed build", reg.Len())
	}

	reg.MustRegister("ok", engine.RuleFunc(func(context.Context, *engine.ExecutionContext) (engine.ValidationResult, error) {
		return engine.ValidationResult{RuleID: "ok", Passed: true}, nil
	}))
	m.Rules = m.Rules[:1]
	if err := Build(context.Background(), m, reg, BuildOptions{}); err == nil {
		t.Error("Build() with a colliding id should fail")
	}
}
