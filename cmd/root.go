// Package cmd defines and implements the CLI commands for the crawlfleet executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlfleet/internal/config"
)

var cfgFile string

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// loadConfig is the configuration loader. It's a variable so tests can
// replace it.
var loadConfig = config.Load

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlfleet",
		Short: "Coordinates a fleet of crawl workers over a message bus.",
		Long: `crawlfleet runs the participants of a crawl fleet. A dispatcher keeps a
schedule of crawl targets and hands each due URL to an idle scraper; scrapers
announce themselves, crawl one URL at a time and report back. Participants talk
over an in-process exchange, Google Cloud Pub/Sub or a ZeroMQ forwarder.`,
		SilenceUsage: true,

		// Load configuration once, before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newDispatcherCmd(),
		newScraperCmd(),
		newLocalCmd(),
		newProxyCmd(),
	)
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "crawlfleet: %v\n", err)
		stop()
		os.Exit(1)
	}
}
