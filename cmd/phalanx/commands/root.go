// Package commands implements the phalanx CLI commands.
package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/phalanx-rt/phalanx/pkg/config"
)

// params holds the process-wide flag values shared by every command.
var params config.Params

var verbose bool

// newRootCmd builds the root command with the process-wide flags.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "phalanx",
		Short:         "Task-based runtime for hierarchical parallel programs",
		Long:          "phalanx schedules task trees over partitioned logical regions\nwhile preserving program-order data dependencies.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	config.BindFlags(root, viper.New(), &params)
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newSelftestCmd())
	root.AddCommand(newDumpCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the CLI. A non-nil error maps to a nonzero exit code.
func Execute() error {
	return newRootCmd().Execute()
}
