package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rulecheck/pkg/engine"
	"github.com/openfroyo/rulecheck/pkg/rules"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect or generate the dependency graph",
		Long: `The dependency graph partitions rules into ordered batches. Rules in the
same batch are independent of each other and may run concurrently.`,
	}

	cmd.AddCommand(newGraphValidateCommand(opts))
	cmd.AddCommand(newGraphBuildCommand(opts))

	return cmd
}

func newGraphValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the graph structure and that every rule is registered",
		Example: `  rulecheck graph validate --graph graph.yaml --rules rules.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			batches, err := s.batches(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.registry.Validate(batches); err != nil {
				return err
			}

			rulesInGraph := 0
			for _, b := range batches {
				rulesInGraph += len(b.RuleIDs)
			}
			log.Info().
				Str("graph", s.cfg.GraphPath).
				Int("batches", len(batches)).
				Int("rules", rulesInGraph).
				Msg("Dependency graph is valid")

			if unused := s.registry.Len() - rulesInGraph; unused > 0 {
				log.Warn().Int("count", unused).Msg("Registered rules are not referenced by the graph")
			}

			fmt.Fprintf(out(cmd), "%s %d batches, %d rules\n", passStyle.Render("valid"), len(batches), rulesInGraph)
			return nil
		},
	}
}

// dependencyFile is the input of graph build --from.
type dependencyFile struct {
	Rules []engine.RuleDependency `yaml:"rules"`
}

func newGraphBuildCommand(opts *globalOptions) *cobra.Command {
	var (
		from   string
		output string
		dot    bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compute batches from rule dependencies",
		Long: `Compute the batch partition from per-rule dependency declarations.

By default the declarations come from the depends_on fields of the rule
manifest, plus the built-in rules. With --from they are read from a YAML or
JSON file with a top-level "rules" list of {id, name, depends_on}.`,
		Example: `  # Generate the graph for a manifest
  rulecheck graph build --rules rules.yaml --output graph.yaml

  # Generate from an explicit dependency file and print it as DOT
  rulecheck graph build --from deps.yaml --dot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := loadDependencies(cmd, opts, from)
			if err != nil {
				return err
			}

			builder := engine.NewDAGBuilder()
			graph, err := builder.Build(deps)
			if err != nil {
				return err
			}

			if dot {
				_, err := fmt.Fprint(out(cmd), builder.ToDOT())
				return err
			}

			format := engine.GraphFormatYAML
			if output != "" {
				if format, err = engine.FormatFromPath(output); err != nil {
					return engine.NewConfigError("cannot write dependency graph", err).WithCode(engine.ErrCodeValidation)
				}
			}
			if opts.jsonOutput && output == "" {
				format = engine.GraphFormatJSON
			}

			data, err := engine.EncodeGraph(graph.Batches, format)
			if err != nil {
				return err
			}
			if output == "" {
				_, err := out(cmd).Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}

			log.Info().
				Str("path", output).
				Int("batches", len(graph.Batches)).
				Int("rules", graph.TotalRules()).
				Msg("Wrote dependency graph")
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "dependency file (default: the rule manifest)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "graph file to write (.yaml or .json; default stdout)")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in Graphviz DOT format")

	return cmd
}

func loadDependencies(cmd *cobra.Command, opts *globalOptions, from string) ([]engine.RuleDependency, error) {
	if from != "" {
		data, err := os.ReadFile(from)
		if err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("failed to read dependency file %q", from), err).
				WithCode(engine.ErrCodeNotFound)
		}
		var f dependencyFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("failed to parse dependency file %q", from), err).
				WithCode(engine.ErrCodeParse)
		}
		return f.Rules, nil
	}

	cfg, err := opts.load(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.RulesPath == "" {
		return nil, engine.NewConfigError("graph build needs --rules or --from", nil).WithCode(engine.ErrCodeValidation)
	}
	m, err := rules.LoadManifest(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	return m.Dependencies(rules.BuiltinIDs()...), nil
}
