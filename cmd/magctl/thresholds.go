package main

import (
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/magzone/internal/format"
)

func init() {
	rootCmd.AddCommand(newThresholdsCmd())
}

func newThresholdsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thresholds",
		Short: "Print the size-class thresholds in effect on this host",
		Long: `The thresholds command builds a zone the way a program on this host
would and prints its routing thresholds and region geometry.

Example:
  magctl thresholds
  magctl thresholds --largemem on --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThresholds()
		},
	}
}

// ClassGeometry is the JSON form of one class's region layout.
type ClassGeometry struct {
	Quantum    uintptr `json:"quantum"`
	Blocks     uint32  `json:"blocks_per_region"`
	RegionSize uintptr `json:"region_size"`
	Slots      int     `json:"free_list_slots"`
}

// ThresholdsReport is the JSON form of the thresholds command.
type ThresholdsReport struct {
	CPUs           int           `json:"cpus"`
	LargeMem       bool          `json:"largemem"`
	SmallThreshold uintptr       `json:"small_threshold"`
	LargeThreshold uintptr       `json:"large_threshold"`
	CopyThreshold  uintptr       `json:"copy_threshold"`
	Tiny           ClassGeometry `json:"tiny"`
	Small          ClassGeometry `json:"small"`
	DeathRowLimit  uint64        `json:"death_row_limit"`
}

func geometry(g format.Geometry) ClassGeometry {
	return ClassGeometry{Quantum: g.Quantum, Blocks: g.NumBlocks, RegionSize: g.RegionSize, Slots: g.Slots}
}

func runThresholds() error {
	z, err := newZone()
	if err != nil {
		return err
	}
	defer z.Destroy()

	th := z.Thresholds()
	report := ThresholdsReport{
		CPUs:           runtime.NumCPU(),
		LargeMem:       th.LargeMem,
		SmallThreshold: th.SmallThreshold,
		LargeThreshold: th.LargeThreshold,
		CopyThreshold:  th.CopyThreshold,
		Tiny:           geometry(format.Tiny()),
		Small:          geometry(format.Small(th.LargeMem)),
		DeathRowLimit:  format.LargeCacheSizeLimit,
	}
	if jsonOut {
		return printJSON(report)
	}

	mode := "standard"
	if report.LargeMem {
		mode = "large-memory"
	}
	printInfo("\nThresholds (%s mode, %d CPUs):\n", mode, report.CPUs)
	printInfo("  Tiny:   size < %s\n", num(report.SmallThreshold))
	printInfo("  Small:  size < %s\n", num(report.LargeThreshold))
	printInfo("  Large:  everything else\n")
	printInfo("  Realloc copies by pages above %s\n", humanize.IBytes(uint64(report.CopyThreshold)))
	for _, c := range []struct {
		name string
		g    ClassGeometry
	}{{"Tiny", report.Tiny}, {"Small", report.Small}} {
		printInfo("\n%s regions:\n", c.name)
		printInfo("  Quantum:     %d bytes\n", c.g.Quantum)
		printInfo("  Blocks:      %s per %s region\n", num(c.g.Blocks), humanize.IBytes(uint64(c.g.RegionSize)))
		printInfo("  Free lists:  %d slots\n", c.g.Slots)
	}
	printInfo("\nDeath row holds at most %s\n", humanize.IBytes(report.DeathRowLimit))
	return nil
}
