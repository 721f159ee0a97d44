package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/manuscript/internal/version"
)

func newVersionCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.GetInfo()
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			if cc.Output != "text" && cc.Output != "" {
				return cc.Print(cmd, info)
			}
			if verbose {
				fmt.Fprintln(cmd.OutOrStdout(), info.String())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manuscript %s\n", info.Short())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show commit, build date and platform")
	return cmd
}
