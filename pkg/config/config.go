// Package config builds the runtime configuration from CLI parameters,
// size strings in humanize format, and an optional machine YAML file
// validated against an embedded schema.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/profiling"
	"github.com/phalanx-rt/phalanx/pkg/runtime"
)

// Sentinel errors for configuration.
var (
	// ErrInvalidSizeFormat is returned for unparseable size strings.
	ErrInvalidSizeFormat = errors.New("invalid size format")

	// ErrInvalidMachineFile is returned when the machine YAML fails schema
	// validation.
	ErrInvalidMachineFile = errors.New("invalid machine file")
)

// Default parameter values.
const (
	// DefaultStackSize is the per-processor stack budget.
	DefaultStackSize = "8MiB"

	// DefaultWindow caps unretired children per context.
	DefaultWindow = 1024

	// DefaultHysteresis is the wake margin below the window, in percent.
	DefaultHysteresis = 25

	// DefaultMaxFrames caps in-flight frames per context.
	DefaultMaxFrames = 2

	// DefaultMaxTemplates caps cached templates per trace.
	DefaultMaxTemplates = 16
)

// Params holds raw CLI parameter values. Size strings use humanize format
// (e.g. "256MB", "1GiB").
type Params struct {
	CPUs      int
	GPUs      int
	IOProcs   int
	PyProcs   int
	UtilProcs int

	StackSize string

	Window       int
	Hysteresis   int
	MaxFrames    int
	MaxTemplates int

	SafeMapper bool

	Profile       string
	ProfFootprint string
	ProfLatency   time.Duration

	MachineFile string
}

// BindFlags registers the process-wide flags on a command and binds them
// into the given viper instance. params is filled from the parsed flags
// only; values set in viper are not copied back into it.
func BindFlags(cmd *cobra.Command, v *viper.Viper, params *Params) {
	flags := cmd.PersistentFlags()

	flags.IntVar(&params.CPUs, "cpus", 2, "CPU processors per node")
	flags.IntVar(&params.GPUs, "gpus", 0, "GPU processors per node")
	flags.IntVar(&params.IOProcs, "io-procs", 0, "IO processors per node")
	flags.IntVar(&params.PyProcs, "py-procs", 0, "Python processors per node")
	flags.IntVar(&params.UtilProcs, "util-procs", 2, "utility processors per node")
	flags.StringVar(&params.StackSize, "stack-size", DefaultStackSize, "per-processor stack size")
	flags.IntVar(&params.Window, "window", DefaultWindow, "runahead window per context")
	flags.IntVar(&params.Hysteresis, "hysteresis", DefaultHysteresis, "window wake margin in percent")
	flags.IntVar(&params.MaxFrames, "max-frames", DefaultMaxFrames, "max outstanding frames per context")
	flags.IntVar(&params.MaxTemplates, "max-templates", DefaultMaxTemplates, "max trace templates per trace id")
	flags.BoolVar(&params.SafeMapper, "safe-mapper", true, "make mapper violations fatal")
	flags.StringVar(&params.Profile, "profile", "", "profiling output file")
	flags.StringVar(&params.ProfFootprint, "prof-footprint", "0", "minimum instance footprint to profile")
	flags.DurationVar(&params.ProfLatency, "prof-latency", 0, "minimum mapper call latency to profile")
	flags.StringVar(&params.MachineFile, "machine", "", "machine description YAML file")

	_ = v.BindPFlags(flags)
}

// machineSchema validates the machine YAML's shape.
const machineSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"cpus":  {"type": "integer", "minimum": 0},
		"gpus":  {"type": "integer", "minimum": 0},
		"ios":   {"type": "integer", "minimum": 0},
		"pys":   {"type": "integer", "minimum": 0},
		"utils": {"type": "integer", "minimum": 0}
	}
}`

// machineFile is the YAML shape of a machine description.
type machineFile struct {
	CPUs  int `yaml:"cpus"`
	GPUs  int `yaml:"gpus"`
	IOs   int `yaml:"ios"`
	Pys   int `yaml:"pys"`
	Utils int `yaml:"utils"`
}

// loadMachineFile parses and schema-validates a machine description.
func loadMachineFile(path string) (machine.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return machine.Config{}, fmt.Errorf("read machine file: %w", err)
	}

	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return machine.Config{}, fmt.Errorf("%w: %v", ErrInvalidMachineFile, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(machineSchema),
		gojsonschema.NewGoLoader(generic),
	)
	if err != nil {
		return machine.Config{}, fmt.Errorf("%w: %v", ErrInvalidMachineFile, err)
	}

	if !result.Valid() {
		return machine.Config{}, fmt.Errorf("%w: %v", ErrInvalidMachineFile, result.Errors())
	}

	var mf machineFile
	if err := yaml.Unmarshal(raw, &mf); err != nil {
		return machine.Config{}, fmt.Errorf("%w: %v", ErrInvalidMachineFile, err)
	}

	return machine.Config{
		CPUs:  mf.CPUs,
		GPUs:  mf.GPUs,
		IOs:   mf.IOs,
		Pys:   mf.Pys,
		Utils: mf.Utils,
	}, nil
}

// ParseSize parses a humanize-format size string.
func ParseSize(s string) (uint64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSizeFormat, s)
	}

	return n, nil
}

// Build resolves the parameters into a runtime configuration and an
// optional profiler.
func Build(params Params) (runtime.Config, *profiling.Profiler, error) {
	machineCfg := machine.Config{
		CPUs:  params.CPUs,
		GPUs:  params.GPUs,
		IOs:   params.IOProcs,
		Pys:   params.PyProcs,
		Utils: params.UtilProcs,
	}

	if params.MachineFile != "" {
		loaded, err := loadMachineFile(params.MachineFile)
		if err != nil {
			return runtime.Config{}, nil, err
		}

		machineCfg = loaded
	}

	if _, err := ParseSize(params.StackSize); err != nil {
		return runtime.Config{}, nil, err
	}

	mode := mapper.ModeProduction
	if params.SafeMapper {
		mode = mapper.ModeSafe
	}

	cfg := runtime.Config{
		Machine:              machineCfg,
		WindowSize:           params.Window,
		HysteresisPercent:    params.Hysteresis,
		MaxOutstandingFrames: params.MaxFrames,
		MaxTemplatesPerTrace: params.MaxTemplates,
		MapperMode:           mode,
	}

	var profiler *profiling.Profiler

	if params.Profile != "" {
		footprint, err := ParseSize(params.ProfFootprint)
		if err != nil {
			return runtime.Config{}, nil, err
		}

		profiler, err = profiling.New(params.Profile, profiling.Options{
			FootprintThreshold:   footprint,
			CallLatencyThreshold: params.ProfLatency,
		})
		if err != nil {
			return runtime.Config{}, nil, err
		}

		cfg.Profiler = profiler
	}

	return cfg, profiler, nil
}
