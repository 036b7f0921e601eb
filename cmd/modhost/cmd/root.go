package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion returns the version line.
func PrintVersion() string {
	return fmt.Sprintf("modhost v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

type rootOptions struct {
	configPath string
	paths      []string
	recursive  bool
	verbose    bool
}

// NewRootCommand creates the root command for the modhost CLI.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "modhost",
		Short: "modhost - inspect and run hot-reloadable module sets",
		Long: `modhost discovers module manifests, checks their dependencies and
versions, and loads them in dependency order.

Modules are found in the directories given with --path or in the paths of
the configuration file. Environment variables prefixed with MODHOST_
override file values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file (yaml, json or toml)")
	cmd.PersistentFlags().StringSliceVarP(&opts.paths, "path", "p", nil, "Module search directory, may be repeated")
	cmd.PersistentFlags().BoolVarP(&opts.recursive, "recursive", "r", false, "Search subdirectories of each path")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))
	cmd.AddCommand(newDiagnoseCommand(opts))
	cmd.AddCommand(newGraphCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// loadConfig reads the configuration and applies the path flags.
func (o *rootOptions) loadConfig() (*modhost.Config, error) {
	cfg, err := modhost.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if len(o.paths) > 0 {
		cfg.Paths = o.paths
	}
	if o.recursive {
		cfg.RecursiveSearch = true
	}
	return cfg, nil
}

// newHost builds a host logging to the command's error stream.
func (o *rootOptions) newHost(cmd *cobra.Command, mutate ...func(*modhost.Config)) (*modhost.Host, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	for _, m := range mutate {
		m(cfg)
	}
	return modhost.NewHost(cfg, modhost.WithHostLogger(NewLogger(cmd.ErrOrStderr(), o.verbose)))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), PrintVersion())
		},
	}
}
