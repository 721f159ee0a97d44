package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the full command tree
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "manuscript",
		Short: "Plan, approve and run command batches locally, over SSH or on Slurm",
		Long: `manuscript runs reviewed command batches for a project.

Commands are planned, screened for destructive patterns, approved by a
person and only then executed on the local machine, a remote host over
SSH, or a Slurm cluster. Every command is audited with a checksum of the
logs it produced.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default is $HOME/.manuscript/config.yaml)")
	flags.String("data-dir", "", "data directory (overrides config)")
	flags.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	flags.String("log-format", "", "log format: text or json (overrides config)")
	flags.StringP("output", "o", "text", "output format: text, json, yaml")

	root.AddCommand(newExecCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// ExecuteContext runs the root command with ctx
func ExecuteContext(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
