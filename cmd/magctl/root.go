package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/magzone/internal/logger"
	"github.com/joshuapare/magzone/zone"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	largemem string
)

var rootCmd = &cobra.Command{
	Use:   "magctl",
	Short: "Exercise and inspect magazine malloc zones",
	Long: `magctl drives a magzone allocator: it runs allocation workloads,
reports statistics and thresholds, writes heap images and verifies them.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Init(logger.Options{
			Enabled: verbose,
			Writer:  os.Stderr,
			Level:   slog.LevelDebug,
		})
	},
	SilenceUsage: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and zone debug logging")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&largemem, "largemem", "", "Threshold set: auto, on or off (default from MAGZONE_LARGEMEM)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newZone builds a zone from the environment and the --largemem flag.
func newZone() (*zone.Zone, error) {
	cfg, err := zone.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if largemem != "" {
		if cfg.LargeMem, err = zone.ParseLargeMemMode(largemem); err != nil {
			return nil, err
		}
	}
	return zone.New(cfg)
}

// Helper functions for output

var numbers = message.NewPrinter(language.English)

// num formats an integer with thousands separators.
func num(n any) string { return numbers.Sprintf("%d", n) }

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
