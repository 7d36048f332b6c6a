package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Overridden at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:           "edged",
	Short:         "Edge gateway for industrial weighing scales",
	Long:          "edged accepts TCP connections from weighing scales, parses their\nline protocol, stores every weighing in a local SQLite database, and\nsyncs events to the cloud API with offline batching when the cloud is\nunreachable.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the edged version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("edged %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}
