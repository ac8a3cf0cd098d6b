package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/phalanx-rt/phalanx/pkg/config"
	"github.com/phalanx-rt/phalanx/pkg/observability"
	"github.com/phalanx-rt/phalanx/pkg/runtime"
)

// newDumpCmd renders a live reorder-buffer snapshot of a short run.
func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Render a reorder-buffer snapshot of a short in-process run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDump(cmd)
		},
	}
}

func runDump(cmd *cobra.Command) error {
	cfg, _, err := config.Build(params)
	if err != nil {
		return err
	}

	cfg.Logger = observability.NewLogger(verbose, false)

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}

	defer rt.Shutdown()

	gate := make(chan struct{})

	if err := rt.Registry().Register(selftestWriter, "dump-gated",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			<-gate

			return nil, nil
		}); err != nil {
		return err
	}

	if err := rt.Registry().Register(selftestTop, "dump-top",
		runtime.VariantDesc{ID: 1, Inner: true},
		func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
			for range 8 {
				if _, launchErr := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: selftestWriter}); launchErr != nil {
					return nil, launchErr
				}
			}

			// Snapshot while the gated children hold their pipeline slots.
			tc.(*runtime.InnerContext).DumpReorderBuffer(os.Stdout)
			close(gate)

			return nil, nil
		}); err != nil {
		return err
	}

	_, err = rt.Run(cmd.Context(), selftestTop, nil)

	return err
}
