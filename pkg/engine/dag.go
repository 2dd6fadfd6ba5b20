package engine

import (
	"fmt"
	"sort"
	"strings"
)

// RuleDependency declares the rules a rule must run after.
type RuleDependency struct {
	ID        RuleID   `json:"id" yaml:"id"`
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	DependsOn []RuleID `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// DAGBuilder computes a batch partition offline from per-rule dependency
// declarations. Each batch is one topological level: a rule lands in the
// first batch after all of its dependencies.
type DAGBuilder struct {
	// rules maps rule IDs to their declarations
	rules map[RuleID]*RuleDependency

	// adjacencyList maps rule IDs to their dependents
	adjacencyList map[RuleID][]RuleID

	// reverseAdjacencyList maps rule IDs to their dependencies
	reverseAdjacencyList map[RuleID][]RuleID

	// inDegree tracks the number of incoming edges for each node
	inDegree map[RuleID]int

	// levels maps execution level to rule IDs at that level
	levels [][]RuleID
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		rules:                make(map[RuleID]*RuleDependency),
		adjacencyList:        make(map[RuleID][]RuleID),
		reverseAdjacencyList: make(map[RuleID][]RuleID),
		inDegree:             make(map[RuleID]int),
		levels:               make([][]RuleID, 0),
	}
}

// Build validates the declarations, detects cycles and returns one batch per level.
func (b *DAGBuilder) Build(deps []RuleDependency) (*DependencyGraph, error) {
	if len(deps) == 0 {
		return nil, NewConfigError("no rule dependencies declared", nil).WithCode(ErrCodeValidation)
	}

	if err := b.initialize(deps); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	graph := &DependencyGraph{Batches: make([]BatchDefinition, 0, len(b.levels))}
	for level, ids := range b.levels {
		graph.Batches = append(graph.Batches, BatchDefinition{
			BatchID: level,
			Name:    b.levelName(level, ids),
			RuleIDs: append([]RuleID(nil), ids...),
		})
	}
	return graph, nil
}

// initialize sets up the internal data structures from the declarations.
func (b *DAGBuilder) initialize(deps []RuleDependency) error {
	// First pass: index all rules
	for i := range deps {
		dep := &deps[i]
		if dep.ID == "" {
			return NewConfigError("rule declaration has empty id", nil).
				WithCode(ErrCodeValidation)
		}

		if _, exists := b.rules[dep.ID]; exists {
			return NewConfigError("duplicate rule declaration", nil).
				WithCode(ErrCodeDuplicateRule).WithRule(dep.ID)
		}

		b.rules[dep.ID] = dep
		b.adjacencyList[dep.ID] = make([]RuleID, 0)
		b.reverseAdjacencyList[dep.ID] = make([]RuleID, 0)
		b.inDegree[dep.ID] = 0
	}

	// Second pass: build edges, dependency before dependent
	for _, id := range b.sortedIDs() {
		dep := b.rules[id]
		seen := make(map[RuleID]bool, len(dep.DependsOn))
		for _, target := range dep.DependsOn {
			if _, exists := b.rules[target]; !exists {
				return NewConfigError(
					fmt.Sprintf("rule %s depends on undeclared rule %s", id, target), nil,
				).WithCode(ErrCodeValidation).WithRule(id)
			}
			if target == id {
				return NewConfigError("rule depends on itself", nil).
					WithCode(ErrCodeCycleDetected).WithRule(id)
			}
			if seen[target] {
				continue
			}
			seen[target] = true

			b.adjacencyList[target] = append(b.adjacencyList[target], id)
			b.reverseAdjacencyList[id] = append(b.reverseAdjacencyList[id], target)
			b.inDegree[id]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[RuleID]bool)
	recStack := make(map[RuleID]bool)
	path := make([]RuleID, 0)

	for _, id := range b.sortedIDs() {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, path); cycle != nil {
				return NewConfigError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
				).WithCode(ErrCodeCycleDetected).WithDetail("cycle", cycle)
			}
		}
	}

	return nil
}

// detectCyclesUtil returns the cycle path reachable from nodeID, if any.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID RuleID,
	visited map[RuleID]bool,
	recStack map[RuleID]bool,
	path []RuleID,
) []RuleID {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]RuleID(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. Rules inside a level
// are sorted so the output is deterministic.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[RuleID]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]RuleID, 0)
	for id, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 {
		return NewConfigError("no root rules found - all rules have dependencies", nil).
			WithCode(ErrCodeCycleDetected)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		sortRuleIDs(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]RuleID, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}

		currentLevel = nextLevel
	}

	if processedCount != len(b.rules) {
		return NewPermanentError("failed to process all rules - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// levelName returns the shared name of the rules in a level, or a generic label.
func (b *DAGBuilder) levelName(level int, ids []RuleID) string {
	name := ""
	for _, id := range ids {
		n := b.rules[id].Name
		if n == "" || (name != "" && n != name) {
			return fmt.Sprintf("level-%d", level)
		}
		name = n
	}
	return name
}

// GetLevels returns the computed execution levels.
func (b *DAGBuilder) GetLevels() [][]RuleID {
	return b.levels
}

// Dependencies returns the direct dependencies of id.
func (b *DAGBuilder) Dependencies(id RuleID) []RuleID {
	return b.reverseAdjacencyList[id]
}

// ToDOT generates a DOT format representation of the DAG for visualization.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph RuleGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_batch_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Batch %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			sb.WriteString(fmt.Sprintf("    \"%s\";\n", id))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range b.sortedIDs() {
		for _, target := range b.reverseAdjacencyList[id] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", target, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (b *DAGBuilder) sortedIDs() []RuleID {
	ids := make([]RuleID, 0, len(b.rules))
	for id := range b.rules {
		ids = append(ids, id)
	}
	sortRuleIDs(ids)
	return ids
}

func sortRuleIDs(ids []RuleID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []RuleID) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}
