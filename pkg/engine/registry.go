package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps rule identifiers to executable rules.
// It is built once at startup and validated against the dependency graph
// before any rule runs.
type Registry struct {
	mu    sync.RWMutex
	rules map[RuleID]Rule
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{
		rules: make(map[RuleID]Rule),
	}
}

// Register adds a rule under id. Registering an id twice is a configuration error.
func (r *Registry) Register(id RuleID, rule Rule) error {
	if id == "" {
		return NewConfigError("rule id is empty", nil).WithCode(ErrCodeValidation)
	}
	if rule == nil {
		return NewConfigError("rule is nil", nil).WithCode(ErrCodeValidation).WithRule(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[id]; exists {
		return NewConfigError("rule already registered", nil).
			WithCode(ErrCodeDuplicateRule).
			WithRule(id)
	}
	r.rules[id] = rule
	return nil
}

// MustRegister is like Register but panics on error. Intended for static tables.
func (r *Registry) MustRegister(id RuleID, rule Rule) {
	if err := r.Register(id, rule); err != nil {
		panic(err)
	}
}

// RegisterFunc registers a plain function as a rule.
func (r *Registry) RegisterFunc(id RuleID, fn func(ctx context.Context, ec *ExecutionContext) (ValidationResult, error)) error {
	return r.Register(id, RuleFunc(fn))
}

// Lookup returns the rule registered under id.
func (r *Registry) Lookup(id RuleID) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// IDs returns the registered rule ids in lexical order.
func (r *Registry) IDs() []RuleID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]RuleID, 0, len(r.rules))
	for id := range r.rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate checks that every rule referenced by batches is registered.
// All missing ids are reported in a single configuration error.
func (r *Registry) Validate(batches []BatchDefinition) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	missing := make([]string, 0)
	for _, b := range batches {
		for _, id := range b.RuleIDs {
			if _, ok := r.rules[id]; !ok {
				missing = append(missing, string(id))
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}

	sort.Strings(missing)
	return NewConfigError(
		fmt.Sprintf("%d rule(s) in the dependency graph are not registered: %s",
			len(missing), strings.Join(missing, ", ")),
		nil,
	).WithCode(ErrCodeUnregisteredRule).WithDetail("rules", missing)
}
