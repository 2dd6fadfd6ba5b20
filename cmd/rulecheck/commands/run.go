package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rulecheck/pkg/engine"
)

// ThresholdError reports a run whose failures reached the --fail-on severity.
type ThresholdError struct {
	Threshold engine.Severity
	Failed    int
	Highest   engine.Severity
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("%d rule(s) failed, highest severity %s (fail-on %s)", e.Failed, e.Highest, e.Threshold)
}

// checkThreshold returns a ThresholdError when any failed rule is at least
// as severe as threshold.
func checkThreshold(report *engine.ValidationReport, threshold engine.Severity) error {
	failed := 0
	for _, r := range report.Results {
		if !r.Passed && r.Severity.AtLeast(threshold) {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return &ThresholdError{Threshold: threshold, Failed: failed, Highest: report.Summary.HighestFailure}
}

func newRunCommand(opts *globalOptions) *cobra.Command {
	var (
		output string
		failOn string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Validate the repository",
		Long: `Run every rule of the dependency graph against the repository.

Batches run in graph order. Within a batch, rules run concurrently on a
worker pool sized by --max-workers, or by the adaptive controller with
--adaptive. The command exits non-zero when a failed rule is at least as
severe as --fail-on.`,
		Example: `  # Run with the defaults from rulecheck.yaml
  rulecheck run --config rulecheck.yaml

  # Adaptive execution with a persistent profile and a JSON report
  rulecheck run --graph graph.yaml --rules rules.yaml --adaptive \
    --profile-db .rulecheck/profiles.db --output report.json

  # Fail on anything of HIGH severity or worse
  rulecheck run --fail-on high`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			threshold := s.cfg.FailOnSeverity()
			if cmd.Flags().Changed("fail-on") {
				if threshold, err = engine.ParseSeverity(failOn); err != nil {
					return engine.NewConfigError("invalid --fail-on value", err).WithCode(engine.ErrCodeValidation)
				}
			}

			batches, err := s.batches(ctx)
			if err != nil {
				return err
			}

			c, err := s.openCache(ctx)
			if err != nil {
				return err
			}
			engineOpts := append(s.engineOptions(), engine.WithCache(c))

			if s.cfg.Engine.Adaptive {
				engineOpts = append(engineOpts, engine.WithProfileStore(s.runProfiles(ctx)))
			}
			if s.cfg.Engine.ShowProgress && !opts.jsonOutput {
				engineOpts = append(engineOpts, engine.WithObserver(newProgressObserver(cmd.ErrOrStderr())))
			}

			eng, err := engine.NewEngine(s.cfg.RepoRoot, s.registry, s.cfg.EngineSettings(), engineOpts...)
			if err != nil {
				return err
			}
			defer eng.Close()

			report, runErr := eng.Run(ctx, batches)
			if report == nil {
				return runErr
			}

			if s.profiles != nil && s.cfg.Profile.Keep > 0 {
				if pruned, err := s.profiles.Prune(ctx, s.cfg.Profile.Keep); err != nil {
					log.Warn().Err(err).Msg("Failed to prune execution history")
				} else if pruned > 0 {
					log.Debug().Int64("pruned", pruned).Msg("Pruned execution history")
				}
			}

			if output != "" {
				if err := writeJSON(output, report); err != nil {
					return err
				}
				log.Info().Str("path", output).Msg("Wrote validation report")
			}

			if opts.jsonOutput {
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				renderReport(out(cmd), report)
			}

			if runErr != nil {
				return runErr
			}
			return checkThreshold(report, threshold)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the JSON report to this file")
	cmd.Flags().StringVar(&failOn, "fail-on", "", "lowest failed severity that fails the run (CRITICAL, HIGH, MEDIUM, LOW, INFO)")

	return cmd
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
