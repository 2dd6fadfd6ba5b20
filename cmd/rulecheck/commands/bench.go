package commands

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

func newBenchCommand(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Compare fixed and adaptive execution",
		Long: `Run the rule set three times: with the fixed executor, with the adaptive
executor and no history, and with the adaptive executor using the history
recorded by the previous run. Each run starts with an empty cache.

The benchmark keeps its history in memory; the profile database is not touched.`,
		Example: `  rulecheck bench --graph graph.yaml --rules rules.yaml --max-workers 8
  rulecheck bench --json --output bench.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			batches, err := s.batches(ctx)
			if err != nil {
				return err
			}
			if err := s.registry.Validate(batches); err != nil {
				return err
			}

			bench := engine.NewBenchmark(s.cfg.RepoRoot, s.registry, s.cfg.EngineSettings(), s.logger)
			if s.cfg.Engine.ShowProgress && !opts.jsonOutput {
				bench = bench.WithObserver(newProgressObserver(cmd.ErrOrStderr()))
			}

			cmp, err := bench.Run(ctx, batches)
			if err != nil {
				return err
			}

			if output != "" {
				if err := writeJSON(output, cmp); err != nil {
					return err
				}
				log.Info().Str("path", output).Msg("Wrote benchmark comparison")
			}

			if opts.jsonOutput {
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				return enc.Encode(cmp)
			}
			renderBenchmark(out(cmd), cmp)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the JSON comparison to this file")

	return cmd
}
