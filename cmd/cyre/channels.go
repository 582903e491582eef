package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/firestige/cyre/internal/config"
)

var channelsFileFlag string

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Validate and describe a channel spec file",
	Long: `Parse a YAML channel spec file the same way serve --channels
would, convert each entry to its protection-pipeline configuration,
validate it, and print a summary table. Exits non-zero on the first
invalid channel.`,
	Run: func(cmd *cobra.Command, args []string) {
		runChannelsCommand()
	},
}

func init() {
	channelsCmd.Flags().StringVarP(&channelsFileFlag, "file", "f", "",
		"channel spec YAML file (required)")
	channelsCmd.MarkFlagRequired("file")
}

func runChannelsCommand() {
	specs, err := config.LoadChannelSpecs(channelsFileFlag)
	if err != nil {
		exitWithError("reading channel specs", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	headerFmt := color.New(color.FgCyan, color.Underline).SprintfFunc()
	tbl := table.New("ID", "Priority", "Block", "Throttle", "Debounce", "Interval", "Repeat", "Valid")
	tbl.WithHeaderFormatter(headerFmt)

	invalid := 0
	for _, spec := range specs {
		cfg := spec.ToPipelineConfig()
		validity := green("yes")
		if err := cfg.Validate(); err != nil {
			validity = red(fmt.Sprintf("no: %v", err))
			invalid++
		}

		repeatStr := "-"
		switch {
		case cfg.Repeat.Infinite:
			repeatStr = "infinite"
		case cfg.Repeat.Set:
			repeatStr = fmt.Sprintf("%d", cfg.Repeat.Count)
		}

		tbl.AddRow(cfg.ID, string(cfg.Priority), cfg.Block, cfg.Throttle, cfg.Debounce, cfg.Interval, repeatStr, validity)
	}

	tbl.Print()
	fmt.Printf("\n%d channel(s), %d invalid\n", len(specs), invalid)
	if invalid > 0 {
		os.Exit(1)
	}
}
