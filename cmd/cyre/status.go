package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/firestige/cyre/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective configuration",
	Long: `Load configuration the same way serve would (file, then
CYRE_-prefixed env overrides) and print the resolved values, without
starting the dispatcher.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStatusCommand()
	},
}

func runStatusCommand() {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("loading config", err)
	}

	lockState := green("unlocked")
	if cfg.LockOnBoot {
		lockState = red("locked on boot")
	}

	fmt.Println(bold("Cyre configuration"))
	fmt.Printf("  log level:          %s\n", cfg.Log.Level)
	fmt.Printf("  registry:           %s\n", lockState)
	fmt.Printf("  breathing cooldown: %s\n", cfg.CooldownDuration())
	fmt.Printf("  metrics ring size:  %d\n", cfg.Metrics.RingBufferCapacity)
	if cfg.Metrics.PrometheusEnabled {
		fmt.Printf("  prometheus:         %s on %s\n", green("enabled"), cfg.Metrics.ListenAddr)
	} else {
		fmt.Printf("  prometheus:         disabled\n")
	}
}
