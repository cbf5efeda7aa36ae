package main

import (
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/magzone/pkg/types"
	"github.com/joshuapare/magzone/zone"
)

var (
	statsSize  int
	statsCount int
	statsKeep  bool
)

func init() {
	cmd := newStatsCmd()
	cmd.Flags().IntVar(&statsSize, "size", 32<<10, "Largest allocation size in bytes")
	cmd.Flags().IntVar(&statsCount, "count", 20000, "Allocations per goroutine")
	cmd.Flags().BoolVar(&statsKeep, "keep", true, "Report with the workload's survivors still live")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show zone statistics after a short workload",
		Long: `The stats command runs a short mixed-size workload and prints the
zone statistics, broken down per size class.

Example:
  magctl stats
  magctl stats --keep=false
  magctl stats --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
	return cmd
}

// StatsReport is the JSON form of the stats command.
type StatsReport struct {
	Total   types.Statistics `json:"total"`
	Classes types.ClassStats `json:"classes"`
	Copies  zone.CopyStats   `json:"realloc_copies"`
}

func runStats() error {
	z, err := newZone()
	if err != nil {
		return err
	}
	defer z.Destroy()

	w := workload{
		MaxSize:    statsSize,
		Count:      statsCount,
		Goroutines: runtime.GOMAXPROCS(0),
		Slots:      256,
		Seed:       7,
		Realloc:    true,
	}
	res, err := w.run(z)
	if err != nil {
		return err
	}
	if !statsKeep {
		res.release(z)
	}

	report := StatsReport{Total: z.Statistics(), Classes: z.ClassStatistics(), Copies: z.CopyStats()}
	if jsonOut {
		return printJSON(report)
	}

	printInfo("\nZone Statistics:\n")
	printStatistics(report.Total)
	printRack("Tiny", report.Classes.Tiny)
	printRack("Small", report.Classes.Small)

	l := report.Classes.Large
	printInfo("\nLarge:\n")
	printStatistics(l.Statistics)
	printInfo("  Death row:        %d entries, %s\n", l.CachedEntries, humanize.IBytes(l.CachedBytes))
	printInfo("  Cache hits:       %s of %s\n", num(l.CacheHits), num(l.CacheHits+l.CacheMisses))
	if l.Flotsam {
		printInfo("  Flotsam:          draining\n")
	}
	printInfo("\nRealloc copies:     %s by bytes, %s by pages\n", num(report.Copies.Bytes), num(report.Copies.Pages))
	return nil
}

func printStatistics(s types.Statistics) {
	printInfo("  Blocks in use:    %s\n", num(s.BlocksInUse))
	printInfo("  Bytes in use:     %s\n", humanize.IBytes(s.BytesInUse))
	printInfo("  Max bytes in use: %s\n", humanize.IBytes(s.MaxBytesInUse))
	printInfo("  Bytes allocated:  %s\n", humanize.IBytes(s.BytesAllocated))
}

func printRack(name string, r types.RackStats) {
	printInfo("\n%s:\n", name)
	printStatistics(r.Statistics)
	printInfo("  Regions:          %d (%d in depot)\n", r.Regions, r.DepotRegions)
	printInfo("  Free blocks:      %s\n", num(r.FreeBlocks))
	printVerbose("  Magazines:        %d\n", r.Magazines)
}
