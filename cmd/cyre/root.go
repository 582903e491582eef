// Package cmd implements Cyre's CLI commands using the cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cyre",
	Short: "Cyre - an in-process reactive action dispatcher",
	Long: `Cyre registers named channels, protects each call with a
configurable pipeline (block, throttle, debounce, change detection,
schema/required/condition checks), schedules delayed and repeating
work, and adapts to load through a breathing regulator.

This binary runs the dispatcher as a foreground process exposing
Prometheus metrics. It also prints the resolved configuration, validates
a channel spec file, and samples counters and breathing state from a
short-lived instance of its own; it does not attach to a running process.`,
	Version: "0.1.0",
}

// Execute adds all child commands to rootCmd and runs it. Called once
// from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults if omitted)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(metricsCmd)
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
