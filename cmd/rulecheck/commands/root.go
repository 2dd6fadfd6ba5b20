package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rulecheck/pkg/config"
)

// globalOptions holds the persistent flags. Each flag overrides the value
// from the config file only when it was set on the command line.
type globalOptions struct {
	configPath  string
	graphPath   string
	rulesPath   string
	repoRoot    string
	profileDB   string
	maxWorkers  int
	adaptive    bool
	cacheTTL    string
	progress    bool
	watch       bool
	metricsAddr string
	jsonOutput  bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "rulecheck",
		Short: "rulecheck - parallel repository rule validation",
		Long: `rulecheck validates a repository tree against a set of rules.

Rules are grouped into batches by a precomputed dependency graph. Batches run
in order; the rules of a batch run concurrently on a bounded worker pool.

Features:
  - Fixed or adaptive worker pools with work stealing
  - Execution profiles persisted in SQLite
  - Declarative rules: paths, content patterns, Rego policies, Starlark scripts
  - TTL cache shared by all rules of a run`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file path (.yaml or .cue)")
	flags.StringVarP(&opts.graphPath, "graph", "g", "", "dependency graph file")
	flags.StringVarP(&opts.rulesPath, "rules", "r", "", "rule manifest file")
	flags.StringVar(&opts.repoRoot, "repo", "", "repository root to validate")
	flags.StringVar(&opts.profileDB, "profile-db", "", "SQLite profile database (\":memory:\" for none)")
	flags.IntVarP(&opts.maxWorkers, "max-workers", "w", 0, "maximum workers per batch")
	flags.BoolVar(&opts.adaptive, "adaptive", false, "use the adaptive executor")
	flags.StringVar(&opts.cacheTTL, "cache-ttl", "", "observation cache TTL (e.g. 30s)")
	flags.BoolVar(&opts.progress, "progress", false, "show a progress bar")
	flags.BoolVar(&opts.watch, "watch", false, "invalidate cached observations on file changes")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newBenchCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newProfileCommand(opts))

	return rootCmd
}

// load reads the config file and applies the flags that were set.
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("graph") {
		cfg.GraphPath = o.graphPath
	}
	if flags.Changed("rules") {
		cfg.RulesPath = o.rulesPath
	}
	if flags.Changed("repo") {
		cfg.RepoRoot = o.repoRoot
	}
	if flags.Changed("profile-db") {
		cfg.Profile.Path = o.profileDB
	}
	if flags.Changed("max-workers") {
		cfg.Engine.MaxWorkers = o.maxWorkers
	}
	if flags.Changed("adaptive") {
		cfg.Engine.Adaptive = o.adaptive
	}
	if flags.Changed("cache-ttl") {
		ttl, err := parseDuration("cache-ttl", o.cacheTTL)
		if err != nil {
			return nil, err
		}
		cfg.Engine.CacheTTL = ttl
	}
	if flags.Changed("progress") {
		cfg.Engine.ShowProgress = o.progress
	}
	if flags.Changed("watch") {
		cfg.Engine.Watch = o.watch
	}
	if flags.Changed("metrics-addr") {
		cfg.Telemetry.Metrics.Enabled = true
		cfg.Telemetry.Metrics.ListenAddress = o.metricsAddr
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// out returns where command results are printed.
func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
