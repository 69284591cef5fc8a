package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "etran",
	Short:         "high-throughput file transfer client and daemon",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	rootCmd.AddCommand(daemonCmd, cpCmd, lsCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
