package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rulecheck/pkg/engine"
	"github.com/openfroyo/rulecheck/pkg/stores"
)

func newProfileCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect or clear recorded rule durations",
		Long: `The adaptive executor predicts batch cost from the durations recorded
in the profile database (--profile-db).`,
	}

	cmd.AddCommand(newProfileShowCommand(opts))
	cmd.AddCommand(newProfileResetCommand(opts))

	return cmd
}

// openStore opens the configured profile database without loading rules.
func openStore(cmd *cobra.Command, opts *globalOptions) (*stores.SQLiteProfileStore, error) {
	cfg, err := opts.load(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Profile.Path == "" || cfg.Profile.Path == stores.MemoryPath {
		return nil, engine.NewConfigError("no profile database configured", nil).WithCode(engine.ErrCodeValidation)
	}
	s := &session{cfg: cfg}
	return s.openProfiles(cmd.Context())
}

func newProfileShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "show",
		Short:   "Show per-rule execution history",
		Example: `  rulecheck profile show --profile-db .rulecheck/profiles.db`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			profiles, err := store.ListProfiles(cmd.Context())
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				return enc.Encode(profiles)
			}
			renderProfiles(out(cmd), profiles)
			return nil
		},
	}
}

func newProfileResetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [rule-id...]",
		Short: "Delete recorded durations",
		Long:  `Delete the recorded durations of the named rules, or of every rule when none is named.`,
		Example: `  rulecheck profile reset
  rulecheck profile reset builtin.no-large-files`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			ids := make([]engine.RuleID, len(args))
			for i, a := range args {
				ids[i] = engine.RuleID(a)
			}

			deleted, err := store.Reset(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			log.Info().Int64("samples", deleted).Str("path", store.Path()).Msg("Reset execution history")
			fmt.Fprintf(out(cmd), "deleted %d sample(s)\n", deleted)
			return nil
		},
	}
}
