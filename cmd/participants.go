package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlfleet/internal/server"
)

// buildApp is the application factory. Tests replace it.
var buildApp = func(ctx context.Context, cmd *cobra.Command, mode server.Mode) (runner, error) {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return nil, err
	}
	if mode == server.ModeLocal {
		if n, _ := cmd.Flags().GetInt("scrapers"); n > 0 {
			cfg.Local.Scrapers = n
		}
	}
	return server.Build(ctx, cfg, mode)
}

// runner is the part of *server.App the commands drive.
type runner interface {
	Run(ctx context.Context) error
}

func newDispatcherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatcher",
		Short: "Runs the scheduler and its admin API",
		Long: `Starts a dispatcher participant. It loads crawl targets from the
configured store and seed file, hands due URLs to idle scrapers and serves the
admin HTTP API on server.port.`,
		RunE: runMode(server.ModeDispatcher),
	}
}

func newScraperCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scraper",
		Short: "Runs one scraper worker",
		Long: `Starts a scraper participant. It announces availability, crawls one
dispatched URL at a time and reports the result to the fleet.`,
		RunE: runMode(server.ModeScraper),
	}
}

func newLocalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Runs a dispatcher and scrapers in one process",
		Long: `Starts a dispatcher and local.scrapers scraper workers on an in-process
exchange. Useful for development and single-host deployments.`,
		RunE: runMode(server.ModeLocal),
	}
	cmd.Flags().Int("scrapers", 0, "number of scrapers (overrides local.scrapers)")
	return cmd
}

func runMode(mode server.Mode) func(cmd *cobra.Command, _ []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		app, err := buildApp(cmd.Context(), cmd, mode)
		if err != nil {
			return fmt.Errorf("failed to initialize %s: %w", mode, err)
		}
		if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run %s: %w", mode, err)
		}
		return nil
	}
}
