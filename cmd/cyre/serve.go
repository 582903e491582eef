package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/firestige/cyre/internal/config"
	"github.com/firestige/cyre/internal/log"
	"github.com/firestige/cyre/pkg/cyre"
)

var channelsFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher in the foreground",
	Long: `Load configuration, start the scheduler and breathing sampler,
optionally register a batch of channels from a YAML file, and block
until SIGINT/SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&channelsFile, "channels", "",
		"optional YAML file of channel specs to register at boot")
}

func runServe() {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("loading config", err)
	}
	if err := log.Init(&cfg.Log); err != nil {
		exitWithError("initializing logger", err)
	}
	logger := log.GetLogger()

	cy, err := cyre.New(cfg)
	if err != nil {
		exitWithError("constructing dispatcher", err)
	}

	if channelsFile != "" {
		if err := registerChannelsFromFile(cy, channelsFile); err != nil {
			exitWithError("registering channels", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cy.Start(ctx); err != nil {
		exitWithError("starting dispatcher", err)
	}
	logger.Info("cyre started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("received shutdown signal")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := cy.Shutdown(shutdownCtx); err != nil {
		exitWithError("shutdown", err)
	}
	logger.Info("cyre stopped")
}

func registerChannelsFromFile(cy *cyre.Cyre, path string) error {
	specs, err := config.LoadChannelSpecs(path)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := cy.Register(spec.ToPipelineConfig()); err != nil {
			return fmt.Errorf("registering channel %q: %w", spec.ID, err)
		}
	}
	return nil
}
