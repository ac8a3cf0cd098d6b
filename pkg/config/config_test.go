package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/config"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
)

func TestBindFlags_Defaults(t *testing.T) {
	t.Parallel()

	var params config.Params

	cmd := &cobra.Command{Use: "test"}
	config.BindFlags(cmd, viper.New(), &params)

	require.NoError(t, cmd.ParseFlags(nil))
	assert.Equal(t, 2, params.CPUs)
	assert.Equal(t, config.DefaultWindow, params.Window)
	assert.Equal(t, config.DefaultHysteresis, params.Hysteresis)
	assert.True(t, params.SafeMapper)
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	n, err := config.ParseSize("256MB")
	require.NoError(t, err)
	assert.Equal(t, uint64(256_000_000), n)

	_, err = config.ParseSize("not-a-size")
	require.ErrorIs(t, err, config.ErrInvalidSizeFormat)

	n, err = config.ParseSize("0")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBuild_BasicConfig(t *testing.T) {
	t.Parallel()

	cfg, profiler, err := config.Build(config.Params{
		CPUs:       4,
		UtilProcs:  1,
		StackSize:  "4MiB",
		Window:     64,
		Hysteresis: 50,
		SafeMapper: false,
	})
	require.NoError(t, err)
	assert.Nil(t, profiler)
	assert.Equal(t, 4, cfg.Machine.CPUs)
	assert.Equal(t, 64, cfg.WindowSize)
	assert.Equal(t, mapper.ModeProduction, cfg.MapperMode)
}

func TestBuild_MachineFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cpus: 8\ngpus: 2\nutils: 3\n"), 0o600))

	cfg, _, err := config.Build(config.Params{
		CPUs:        1,
		StackSize:   "1MiB",
		MachineFile: path,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Machine.CPUs)
	assert.Equal(t, 2, cfg.Machine.GPUs)
	assert.Equal(t, 3, cfg.Machine.Utils)
}

func TestBuild_MachineFileSchemaViolation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cpus: -1\nbogus: true\n"), 0o600))

	_, _, err := config.Build(config.Params{StackSize: "1MiB", MachineFile: path})
	require.ErrorIs(t, err, config.ErrInvalidMachineFile)
}

func TestBuild_ProfilerFromParams(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prof.lz4")

	cfg, profiler, err := config.Build(config.Params{
		CPUs:          1,
		StackSize:     "1MiB",
		Profile:       path,
		ProfFootprint: "1KiB",
	})
	require.NoError(t, err)
	require.NotNil(t, profiler)

	defer profiler.Close()

	assert.Same(t, profiler, cfg.Profiler)
}
