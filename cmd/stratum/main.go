package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stratum",
	Short: "Stratum - ALD machine control plane terminals",
	Long: `Stratum runs the three terminals of an atomic layer deposition
machine control plane. Each terminal is a separate process on its own
host, coordinating only through the shared database and the machine PLC:

  sampler   continuous 1 Hz parameter acquisition and setpoint tracking
  executor  recipe execution with full audit trail
  writer    low-latency single-parameter control writes`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stratum version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(samplerCmd)
	rootCmd.AddCommand(executorCmd)
	rootCmd.AddCommand(writerCmd)
}
