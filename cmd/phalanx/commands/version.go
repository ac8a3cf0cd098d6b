package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phalanx-rt/phalanx/pkg/version"
)

// newVersionCmd prints build information.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "phalanx %s (commit %s, built %s)\n",
				version.Version, version.Commit, version.Date)
		},
	}
}
