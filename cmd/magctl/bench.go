package main

import (
	"context"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/magzone/pkg/types"
	"github.com/joshuapare/magzone/zone/pressure"
)

var (
	benchSize       int
	benchCount      int
	benchGoroutines int
	benchSlots      int
	benchSeed       uint64
	benchRealloc    bool
	benchMonitor    time.Duration
	benchCheck      bool
)

func init() {
	cmd := newBenchCmd()
	cmd.Flags().IntVar(&benchSize, "size", 256, "Largest allocation size in bytes")
	cmd.Flags().IntVar(&benchCount, "count", 100000, "Allocations per goroutine")
	cmd.Flags().IntVar(&benchGoroutines, "goroutines", runtime.GOMAXPROCS(0), "Concurrent goroutines")
	cmd.Flags().IntVar(&benchSlots, "slots", 1024, "Live blocks per goroutine")
	cmd.Flags().Uint64Var(&benchSeed, "seed", 1, "Random seed")
	cmd.Flags().BoolVar(&benchRealloc, "realloc", false, "Reallocate every fourth replaced block")
	cmd.Flags().DurationVar(&benchMonitor, "pressure-interval", 0, "Run the memory-pressure monitor at this interval")
	cmd.Flags().BoolVar(&benchCheck, "check", false, "Verify heap invariants after the run")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a malloc/free workload and report throughput",
		Long: `The bench command churns a fresh zone from several goroutines and
reports the operation rate and the zone's statistics afterwards.

Example:
  magctl bench --size 4096 --count 1000000
  magctl bench --goroutines 1 --realloc --check
  magctl bench --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context())
		},
	}
	return cmd
}

// BenchReport is the JSON form of a bench run.
type BenchReport struct {
	Workload  workload         `json:"workload"`
	Result    result           `json:"result"`
	OpsPerSec float64          `json:"ops_per_sec"`
	Stats     types.Statistics `json:"stats"`
	Pressure  *pressure.Stats  `json:"pressure,omitempty"`
}

func runBench(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	z, err := newZone()
	if err != nil {
		return err
	}
	defer z.Destroy()

	w := workload{
		MaxSize:    benchSize,
		Count:      benchCount,
		Goroutines: benchGoroutines,
		Slots:      benchSlots,
		Seed:       benchSeed,
		Realloc:    benchRealloc,
	}
	printVerbose("Running %s allocations on %d goroutines, sizes 1-%s\n",
		num(w.Count*w.Goroutines), w.Goroutines, humanize.IBytes(uint64(w.MaxSize)))

	var mon *pressure.Monitor
	if benchMonitor > 0 {
		if mon, err = pressure.New(z, pressure.Options{Interval: benchMonitor}); err != nil {
			return err
		}
		mctx, cancel := context.WithCancel(ctx)
		done := mon.Start(mctx)
		defer func() {
			cancel()
			<-done
		}()
	}

	res, err := w.run(z)
	if err != nil {
		return err
	}
	stats := z.Statistics()
	res.release(z)
	if benchCheck {
		if err := z.Check(); err != nil {
			return err
		}
		printVerbose("Heap invariants hold\n")
	}

	report := BenchReport{Workload: w, Result: res, OpsPerSec: res.OpsPerSec(), Stats: stats}
	if mon != nil {
		st := mon.Stats()
		report.Pressure = &st
	}
	if jsonOut {
		return printJSON(report)
	}

	printInfo("\nBenchmark:\n")
	printInfo("  Mallocs:   %s\n", num(res.Mallocs))
	printInfo("  Frees:     %s\n", num(res.Frees))
	if res.Reallocs > 0 {
		printInfo("  Reallocs:  %s\n", num(res.Reallocs))
	}
	printInfo("  Elapsed:   %s\n", res.Elapsed.Round(time.Microsecond))
	printInfo("  Rate:      %s ops/s\n", num(int64(report.OpsPerSec)))
	printInfo("\nAt peak:\n")
	printStatistics(stats)
	if report.Pressure != nil {
		printInfo("\nPressure monitor: %s polls, %s under floor, %s reclaimed\n",
			num(report.Pressure.Polls), num(report.Pressure.Pressured),
			humanize.IBytes(report.Pressure.Reclaimed))
	}
	return nil
}
