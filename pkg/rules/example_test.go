package rules_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/rulecheck/pkg/engine"
	"github.com/openfroyo/rulecheck/pkg/rules"
)

func ExampleBuild() {
	repo, _ := os.MkdirTemp("", "rulecheck-example")
	defer os.RemoveAll(repo)
	_ = os.WriteFile(filepath.Join(repo, "README.md"), []byte("# demo\n"), 0o644)

	manifest, err := rules.ParseManifest([]byte(`
rules:
  - id: readme
    kind: path_exists
    path: README.md
  - id: readme-title
    kind: content_match
    path: README.md
    pattern: "^# "
    depends_on: [readme]
`), repo)
	if err != nil {
		fmt.Println(err)
		return
	}

	reg := engine.NewRegistry()
	if err := rules.Build(context.Background(), manifest, reg, rules.BuildOptions{}); err != nil {
		fmt.Println(err)
		return
	}
	graph, err := engine.NewDAGBuilder().Build(manifest.Dependencies())
	if err != nil {
		fmt.Println(err)
		return
	}

	eng, err := engine.NewEngine(repo, reg, engine.Config{MaxWorkers: 2})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer eng.Close()

	report, err := eng.Run(context.Background(), graph.Batches)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("batches=%d passed=%d failed=%d\n", len(report.BatchStats), report.PassedCount, report.FailedCount)
	// Output: batches=2 passed=2 failed=0
}
