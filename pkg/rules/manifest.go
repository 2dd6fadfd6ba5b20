package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

// Kind selects the implementation of a declarative rule.
type Kind string

const (
	// KindPathExists passes when Path exists in the repository.
	KindPathExists Kind = "path_exists"

	// KindPathAbsent passes when Path does not exist.
	KindPathAbsent Kind = "path_absent"

	// KindContentMatch passes when the file at Path matches Pattern.
	// With Negate set it passes when the file does not match.
	KindContentMatch Kind = "content_match"

	// KindRego evaluates an OPA policy; every element of its deny set is a violation.
	KindRego Kind = "rego"

	// KindStarlark runs a Starlark script that assigns the global passed.
	KindStarlark Kind = "starlark"
)

// Kinds lists the supported rule kinds.
var Kinds = []Kind{KindPathExists, KindPathAbsent, KindContentMatch, KindRego, KindStarlark}

// Definition is one rule entry of a manifest.
type Definition struct {
	ID          engine.RuleID   `yaml:"id" json:"id" validate:"required"`
	Kind        Kind            `yaml:"kind" json:"kind" validate:"required,oneof=path_exists path_absent content_match rego starlark"`
	Severity    engine.Severity `yaml:"severity" json:"severity" validate:"omitempty,oneof=CRITICAL HIGH MEDIUM LOW INFO"`
	Description string          `yaml:"description" json:"description,omitempty"`

	// Path is relative to the repository root.
	Path    string `yaml:"path" json:"path,omitempty"`
	Pattern string `yaml:"pattern" json:"pattern,omitempty"`
	Negate  bool   `yaml:"negate" json:"negate,omitempty"`

	// Policy holds inline Rego; PolicyFile is relative to the manifest.
	Policy     string `yaml:"policy" json:"policy,omitempty"`
	PolicyFile string `yaml:"policy_file" json:"policy_file,omitempty"`
	Query      string `yaml:"query" json:"query,omitempty"`

	// Script holds inline Starlark; ScriptFile is relative to the manifest.
	Script     string        `yaml:"script" json:"script,omitempty"`
	ScriptFile string        `yaml:"script_file" json:"script_file,omitempty"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout,omitempty" validate:"gte=0"`

	Inputs  map[string]interface{} `yaml:"inputs" json:"inputs,omitempty"`
	Message string                 `yaml:"message" json:"message,omitempty"`

	// DependsOn lists rules that must complete in an earlier batch.
	DependsOn []engine.RuleID `yaml:"depends_on" json:"depends_on,omitempty"`
}

// Manifest is a declarative rule file.
type Manifest struct {
	Version int          `yaml:"version" json:"version" validate:"gte=0,lte=1"`
	Rules   []Definition `yaml:"rules" json:"rules" validate:"dive"`

	// Source is the file the manifest was loaded from, if any.
	Source string `yaml:"-" json:"-"`
}

var validate = validator.New()

// LoadManifest reads and validates the manifest at path. Policy and script
// files are resolved relative to the manifest directory and inlined.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		code := engine.ErrCodeInternal
		if os.IsNotExist(err) {
			code = engine.ErrCodeNotFound
		}
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read rule manifest %q", path), err).WithCode(code)
	}

	m, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	m.Source = path
	return m, nil
}

// ParseManifest decodes and validates a manifest. baseDir resolves
// policy_file and script_file references.
func ParseManifest(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, engine.NewConfigError("failed to parse rule manifest", err).WithCode(engine.ErrCodeParse)
	}

	for i := range m.Rules {
		d := &m.Rules[i]
		d.ID = engine.RuleID(strings.TrimSpace(string(d.ID)))
		d.Kind = Kind(strings.ToLower(strings.TrimSpace(string(d.Kind))))
		d.Severity = engine.Severity(strings.ToUpper(strings.TrimSpace(string(d.Severity))))
	}

	if err := validate.Struct(&m); err != nil {
		return nil, engine.NewConfigError("invalid rule manifest", err).WithCode(engine.ErrCodeValidation)
	}

	seen := make(map[engine.RuleID]int, len(m.Rules))
	for i := range m.Rules {
		d := &m.Rules[i]
		if prev, dup := seen[d.ID]; dup {
			return nil, engine.NewConfigError(
				fmt.Sprintf("rule %s is defined by entries %d and %d", d.ID, prev, i), nil,
			).WithCode(engine.ErrCodeDuplicateRule).WithRule(d.ID)
		}
		seen[d.ID] = i

		if err := d.resolveFiles(baseDir); err != nil {
			return nil, err
		}
		if err := d.check(); err != nil {
			return nil, engine.NewConfigError(err.Error(), nil).WithCode(engine.ErrCodeValidation).WithRule(d.ID)
		}
	}

	return &m, nil
}

// resolveFiles inlines PolicyFile and ScriptFile.
func (d *Definition) resolveFiles(baseDir string) error {
	read := func(rel string) (string, error) {
		p := rel
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, rel)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			code := engine.ErrCodeInternal
			if os.IsNotExist(err) {
				code = engine.ErrCodeNotFound
			}
			return "", engine.NewConfigError(fmt.Sprintf("rule %s: failed to read %s", d.ID, rel), err).
				WithCode(code).WithRule(d.ID)
		}
		return string(data), nil
	}

	if d.PolicyFile != "" && d.Policy == "" {
		src, err := read(d.PolicyFile)
		if err != nil {
			return err
		}
		d.Policy = src
	}
	if d.ScriptFile != "" && d.Script == "" {
		src, err := read(d.ScriptFile)
		if err != nil {
			return err
		}
		d.Script = src
	}
	return nil
}

// check enforces the per-kind required fields.
func (d *Definition) check() error {
	switch d.Kind {
	case KindPathExists, KindPathAbsent:
		if d.Path == "" {
			return fmt.Errorf("rule %s: kind %s requires path", d.ID, d.Kind)
		}
	case KindContentMatch:
		if d.Path == "" || d.Pattern == "" {
			return fmt.Errorf("rule %s: kind %s requires path and pattern", d.ID, d.Kind)
		}
		if _, err := regexp.Compile(d.Pattern); err != nil {
			return fmt.Errorf("rule %s: invalid pattern: %v", d.ID, err)
		}
	case KindRego:
		if d.Policy == "" {
			return fmt.Errorf("rule %s: kind %s requires policy or policy_file", d.ID, d.Kind)
		}
	case KindStarlark:
		if d.Script == "" {
			return fmt.Errorf("rule %s: kind %s requires script or script_file", d.ID, d.Kind)
		}
	}
	for _, dep := range d.DependsOn {
		if dep == d.ID {
			return fmt.Errorf("rule %s depends on itself", d.ID)
		}
	}
	return nil
}

// IDs returns the rule ids of the manifest in lexical order.
func (m *Manifest) IDs() []engine.RuleID {
	ids := make([]engine.RuleID, len(m.Rules))
	for i := range m.Rules {
		ids[i] = m.Rules[i].ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Dependencies converts the manifest into DAG builder input. extra adds
// rules that are registered outside the manifest, such as built-ins.
func (m *Manifest) Dependencies(extra ...engine.RuleID) []engine.RuleDependency {
	deps := make([]engine.RuleDependency, 0, len(m.Rules)+len(extra))
	for i := range m.Rules {
		deps = append(deps, engine.RuleDependency{
			ID:        m.Rules[i].ID,
			DependsOn: append([]engine.RuleID(nil), m.Rules[i].DependsOn...),
		})
	}
	for _, id := range extra {
		deps = append(deps, engine.RuleDependency{ID: id})
	}
	return deps
}
