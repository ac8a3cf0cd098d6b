package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/phalanx-rt/phalanx/pkg/config"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/observability"
	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/runtime"
)

// Selftest task ids.
const (
	selftestTop mapper.TaskID = iota + 1
	selftestWriter
	selftestReader
	selftestPoint
)

// selftestTimeout bounds the whole conformance run.
const selftestTimeout = 60 * time.Second

// newSelftestCmd runs the end-to-end conformance scenarios against an
// in-process runtime.
func newSelftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run the end-to-end conformance scenarios in-process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSelftest(cmd)
		},
	}
}

// runSelftest launches the runtime with the configured flags and drives a
// small program exercising dependences, fences, index launches, and the
// runahead window.
func runSelftest(cmd *cobra.Command) error {
	logger := observability.NewLogger(verbose, false)

	cfg, profiler, err := config.Build(params)
	if err != nil {
		return err
	}

	cfg.Logger = logger

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}

	defer rt.Shutdown()

	if profiler != nil {
		defer profiler.Close()
	}

	if err := registerSelftestTasks(rt); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), selftestTimeout)
	defer cancel()

	start := time.Now()

	result, err := rt.Run(ctx, selftestTop, nil)
	if err != nil {
		color.Red("selftest FAILED: %v", err)

		return err
	}

	color.Green("selftest passed in %s (checksum %v)", time.Since(start).Round(time.Millisecond), result)

	return nil
}

// registerSelftestTasks installs the conformance program's tasks.
func registerSelftestTasks(rt *runtime.Runtime) error {
	if err := rt.Registry().Register(selftestWriter, "selftest-writer",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) { return nil, nil }); err != nil {
		return err
	}

	if err := rt.Registry().Register(selftestReader, "selftest-reader",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) { return nil, nil }); err != nil {
		return err
	}

	if err := rt.Registry().Register(selftestPoint, "selftest-point",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(_ context.Context, _ runtime.Context, args any) (any, error) {
			return args.(int64) * 2, nil
		}); err != nil {
		return err
	}

	return rt.Registry().Register(selftestTop, "selftest-top",
		runtime.VariantDesc{ID: 1, Inner: true}, selftestBody)
}

// selftestBody is the conformance program: a write/read dependence chain, a
// disjoint partition, an execution fence, and an index launch reduced to a
// checksum.
func selftestBody(ctx context.Context, tc runtime.Context, _ any) (any, error) {
	is, err := tc.CreateIndexSpace(ctx, region.DomainFromRange(0, 99))
	if err != nil {
		return nil, err
	}

	fs, err := tc.CreateFieldSpace(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := tc.AllocateField(ctx, fs, 8, 0); err != nil {
		return nil, err
	}

	lr, err := tc.CreateLogicalRegion(ctx, is, fs)
	if err != nil {
		return nil, err
	}

	writeReq := region.Requirement{Region: lr, Fields: region.Fields(0), Privilege: region.ReadWrite}
	readReq := region.Requirement{Region: lr, Fields: region.Fields(0), Privilege: region.ReadOnly}

	if _, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: selftestWriter, Requirements: []region.Requirement{writeReq}}); err != nil {
		return nil, err
	}

	if _, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: selftestReader, Requirements: []region.Requirement{readReq}}); err != nil {
		return nil, err
	}

	if _, err := tc.CreatePartitionByEqual(ctx, is, 4); err != nil {
		return nil, err
	}

	fence, err := tc.IssueExecutionFence(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := fence.Get(ctx); err != nil {
		return nil, err
	}

	fm, err := tc.ExecuteIndexSpace(ctx, runtime.IndexTaskLauncher{
		Task:   selftestPoint,
		Domain: region.DomainFromRange(0, 15),
		PointArgs: func(p region.Point) any {
			return p.Coords[0]
		},
	})
	if err != nil {
		return nil, err
	}

	sum, err := tc.ReduceFutureMap(fm, 1, nil)
	if err != nil {
		return nil, err
	}

	checksum, err := sum.Get(ctx)
	if err != nil {
		return nil, err
	}

	if err := tc.DestroyLogicalRegion(ctx, lr); err != nil {
		return nil, err
	}

	if got := checksum.(int64); got != 240 {
		return nil, fmt.Errorf("index launch checksum mismatch: got %d, want 240", got)
	}

	return checksum, nil
}
