package engine_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

// Example demonstrates running two dependent batches against a small tree.
func Example() {
	root, err := os.MkdirTemp("", "rulecheck-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(root)
	_ = os.WriteFile(filepath.Join(root, "README.md"), []byte("# demo\n"), 0o644)

	reg := engine.NewRegistry()
	reg.MustRegister("readme-exists", engine.RuleFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.ValidationResult, error) {
		if !ec.Exists(ctx, "README.md") {
			return engine.ValidationResult{Passed: false, Severity: engine.SeverityHigh, Message: "README.md is missing"}, nil
		}
		return engine.ValidationResult{Passed: true, Message: "README.md present"}, nil
	}))
	reg.MustRegister("license-exists", engine.RuleFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.ValidationResult, error) {
		if !ec.Exists(ctx, "LICENSE") {
			return engine.ValidationResult{Passed: false, Severity: engine.SeverityLow, Message: "LICENSE is missing"}, nil
		}
		return engine.ValidationResult{Passed: true}, nil
	}))

	batches := []engine.BatchDefinition{
		{BatchID: 0, Name: "presence", RuleIDs: []engine.RuleID{"readme-exists"}},
		{BatchID: 1, Name: "legal", RuleIDs: []engine.RuleID{"license-exists"}},
	}

	eng, err := engine.NewEngine(root, reg, engine.Config{MaxWorkers: 4}, engine.WithLogger(zerolog.Nop()))
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Close()

	report, err := eng.Run(context.Background(), batches)
	if err != nil {
		log.Fatal(err)
	}

	engine.SortResults(report.Results)
	for _, r := range report.Results {
		fmt.Printf("%s passed=%v severity=%s\n", r.RuleID, r.Passed, r.Severity)
	}
	fmt.Printf("total=%d failed=%d\n", report.TotalRules, report.FailedCount)

	// Output:
	// license-exists passed=false severity=LOW
	// readme-exists passed=true severity=INFO
	// total=2 failed=1
}

// ExampleDAGBuilder demonstrates deriving batches from rule dependencies.
func ExampleDAGBuilder() {
	deps := []engine.RuleDependency{
		{ID: "readme-exists"},
		{ID: "readme-title", DependsOn: []engine.RuleID{"readme-exists"}},
		{ID: "readme-links", DependsOn: []engine.RuleID{"readme-exists"}},
		{ID: "docs-index", DependsOn: []engine.RuleID{"readme-links"}},
	}

	graph, err := engine.NewDAGBuilder().Build(deps)
	if err != nil {
		log.Fatal(err)
	}

	for _, b := range graph.Batches {
		fmt.Println(b.BatchID, b.RuleIDs)
	}

	// Output:
	// 0 [readme-exists]
	// 1 [readme-links readme-title]
	// 2 [docs-index]
}

// ExampleChooseWorkerCount shows how predicted cost bounds the worker pool.
func ExampleChooseWorkerCount() {
	minWork := 2 * time.Millisecond

	fmt.Println(engine.ChooseWorkerCount(3*time.Millisecond, 50, 8, minWork))
	fmt.Println(engine.ChooseWorkerCount(time.Second, 50, 8, minWork))
	fmt.Println(engine.ChooseWorkerCount(time.Second, 3, 8, minWork))

	// Output:
	// 2
	// 8
	// 3
}

// ExampleParseGraph demonstrates decoding a YAML dependency graph.
func ExampleParseGraph() {
	doc := []byte(`
batches:
  - batch_id: 0
    name: presence
    rule_ids: [readme-exists, license-exists]
  - batch_id: 1
    name: content
    rule_ids: [readme-title]
`)

	batches, err := engine.ParseGraph(doc, engine.GraphFormatYAML, "graph.yaml")
	if err != nil {
		log.Fatal(err)
	}
	for _, b := range batches {
		fmt.Printf("%d %s %d\n", b.BatchID, b.Name, len(b.RuleIDs))
	}

	// Output:
	// 0 presence 2
	// 1 content 1
}
