package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/memory"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose bool

	goroutines  int
	iterations  int
	seed        int64
	maxSize     int
	growMode    string
	reservation int

	debugger        bool
	overwriteChecks bool
	tracker         bool
	fiendish        bool
	heapOnly        bool
	largePages      bool
)

var growModes = map[string]allocator.GrowMode{
	"linear":  allocator.GrowModeLinear,
	"quarter": allocator.GrowModeQuarter,
	"half":    allocator.GrowModeHalf,
	"double":  allocator.GrowModeDouble,
}

var rootCmd = &cobra.Command{
	Use:   "memstress",
	Short: "Stress the bedrock allocators and print their statistics",
	Long: `memstress runs a randomized multi-goroutine workload against a memory context
or an interned string pool, frees everything it allocated, and prints the
JSON statistics of the allocators involved.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log allocator slow paths to stderr")
	flags.IntVarP(&goroutines, "goroutines", "g", 8, "Number of concurrent workers")
	flags.IntVarP(&iterations, "iterations", "n", 100000, "Operations per worker")
	flags.Int64Var(&seed, "seed", 1, "Seed of the first worker's random source")
	flags.IntVar(&maxSize, "max-size", allocator.DefaultMaxAllocationSize, "Largest allocation served from a size class")
	flags.StringVar(&growMode, "grow-mode", "quarter", "Size class spacing: linear, quarter, half or double")
	flags.IntVar(&reservation, "reservation", 16*1024*1024, "Bytes reserved up front by the system allocator")
	flags.BoolVar(&debugger, "debugger", false, "Enable the allocation debugger")
	flags.BoolVar(&overwriteChecks, "overwrite-checks", false, "Enable safe zones and fill patterns (implies --debugger)")
	flags.BoolVar(&tracker, "tracker", false, "Record allocation call sites (implies --debugger)")
	flags.BoolVar(&fiendish, "fiendish", false, "Serve every allocation from guarded pages")
	flags.BoolVar(&heapOnly, "heap", false, "Disable the pools and use the runtime heap")
	flags.BoolVar(&largePages, "large-pages", false, "Back the pools with large pages where available")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard))
	}
	return slog.New(slog.HandlerOptions{Level: slog.LevelDebug}.NewTextHandler(os.Stderr))
}

func memoryConfig() (memory.Config, error) {
	mode, ok := growModes[strings.ToLower(growMode)]
	if !ok {
		return memory.Config{}, errors.Newf("unknown grow mode %q", growMode)
	}

	return memory.Config{
		EnableAllocationDebugger:  debugger || overwriteChecks || tracker,
		EnableOverwriteChecks:     overwriteChecks,
		EnableAllocationTracker:   tracker,
		EnableFiendishAllocator:   fiendish,
		PoolAllocatorsDisabled:    heapOnly,
		UseLargePages:             largePages,
		MaxPooledSizeInBytes:      maxSize,
		GrowMode:                  mode,
		InitialReservationInBytes: reservation,
	}, nil
}

type statsBuilder interface {
	BuildStatsString(writer *jwriter.Writer)
}

// printStats writes each component's statistics as one member of a json object
func printStats(out io.Writer, components map[string]statsBuilder, order ...string) error {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	for _, name := range order {
		components[name].BuildStatsString(obj.Name(name))
	}
	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "failed to build statistics")
	}

	_, err := fmt.Fprintln(out, string(writer.Bytes()))
	return err
}
