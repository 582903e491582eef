package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/firestige/cyre/internal/config"
	"github.com/firestige/cyre/pkg/cyre"
)

var (
	metricsChannelsFile string
	metricsWait         time.Duration
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Boot the dispatcher briefly and print counters + breathing state",
	Long: `Load configuration, optionally register a batch of channels from
a YAML file, start the dispatcher for a short sampling window and print
each channel's derived counters alongside the breathing regulator's
current snapshot, then shut down. There is no separate daemon process
to attach to (Cyre has no IPC/network control plane), so this command
runs its own short-lived instance the same way the demo/integration
tests do.`,
	Run: func(cmd *cobra.Command, args []string) {
		runMetricsCommand()
	},
}

func init() {
	metricsCmd.Flags().StringVar(&metricsChannelsFile, "channels", "",
		"optional YAML file of channel specs to register before sampling")
	metricsCmd.Flags().DurationVar(&metricsWait, "wait", 500*time.Millisecond,
		"how long to run before taking the snapshot")
}

func runMetricsCommand() {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("loading config", err)
	}

	cy, err := cyre.New(cfg)
	if err != nil {
		exitWithError("constructing dispatcher", err)
	}

	var ids []string
	if metricsChannelsFile != "" {
		specs, err := config.LoadChannelSpecs(metricsChannelsFile)
		if err != nil {
			exitWithError("reading channel specs", err)
		}
		for _, spec := range specs {
			if err := cy.Register(spec.ToPipelineConfig()); err != nil {
				exitWithError(fmt.Sprintf("registering channel %q", spec.ID), err)
			}
			ids = append(ids, spec.ID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := cy.Start(ctx); err != nil {
		cancel()
		exitWithError("starting dispatcher", err)
	}

	time.Sleep(metricsWait)

	headerFmt := color.New(color.FgCyan, color.Underline).SprintfFunc()
	tbl := table.New("Channel", "Calls", "Executions", "Skips", "Throttled", "Debounced", "Errors")
	tbl.WithHeaderFormatter(headerFmt)
	for _, id := range ids {
		c := cy.GetMetrics(id)
		tbl.AddRow(id, c.Calls, c.Executions, c.Skips, c.Throttled, c.Debounced, c.Errors)
	}
	global := cy.GetMetrics("")
	tbl.AddRow("(global)", global.Calls, global.Executions, global.Skips, global.Throttled, global.Debounced, global.Errors)
	tbl.Print()

	bold := color.New(color.Bold).SprintFunc()
	state := cy.GetBreathingState()
	fmt.Println()
	fmt.Println(bold("Breathing state"))
	fmt.Printf("  pattern:         %s\n", state.Pattern)
	fmt.Printf("  stress:          %.3f\n", state.Stress)
	fmt.Printf("  recuperating:    %v\n", state.IsRecuperating)
	fmt.Printf("  rate multiplier: %.2f\n", state.RateMultiplier)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := cy.Shutdown(shutdownCtx); err != nil {
		exitWithError("shutdown", err)
	}
}
