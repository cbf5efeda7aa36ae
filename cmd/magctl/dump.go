package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	dumpOut   string
	dumpSize  int
	dumpCount int
)

func init() {
	cmd := newDumpCmd()
	cmd.Flags().StringVarP(&dumpOut, "out", "o", "", "Heap image file to write (required)")
	cmd.Flags().IntVar(&dumpSize, "size", 64<<10, "Largest allocation size in bytes")
	cmd.Flags().IntVar(&dumpCount, "count", 5000, "Allocations per goroutine")
	_ = cmd.MarkFlagRequired("out")
	rootCmd.AddCommand(cmd)
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump --out <file>",
		Short: "Run a workload and write a heap image",
		Long: `The dump command runs a mixed-size workload, leaves its survivors
live and writes the zone's metadata to a heap image that inspect can read.

Example:
  magctl dump --out heap.img
  magctl dump --out heap.img --size 1024 --count 100000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump()
		},
	}
	return cmd
}

// DumpReport is the JSON form of the dump command.
type DumpReport struct {
	Path        string  `json:"path"`
	Bytes       int64   `json:"bytes"`
	ZoneAddr    uintptr `json:"zone_addr"`
	BlocksInUse uint64  `json:"blocks_in_use"`
}

func runDump() error {
	z, err := newZone()
	if err != nil {
		return err
	}
	defer z.Destroy()

	w := workload{
		MaxSize:    dumpSize,
		Count:      dumpCount,
		Goroutines: runtime.GOMAXPROCS(0),
		Slots:      512,
		Seed:       11,
	}
	if _, err := w.run(z); err != nil {
		return err
	}
	printVerbose("Writing heap image: %s\n", dumpOut)
	if err := z.SnapshotFile(dumpOut); err != nil {
		return fmt.Errorf("failed to write heap image: %w", err)
	}
	st, err := os.Stat(dumpOut)
	if err != nil {
		return err
	}

	report := DumpReport{
		Path:        dumpOut,
		Bytes:       st.Size(),
		ZoneAddr:    z.DescriptorAddr(),
		BlocksInUse: z.Statistics().BlocksInUse,
	}
	if jsonOut {
		return printJSON(report)
	}
	printInfo("Wrote %s (%s) for zone %#x with %s live blocks\n",
		report.Path, humanize.IBytes(uint64(report.Bytes)), report.ZoneAddr, num(report.BlocksInUse))
	return nil
}
