package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	zmqbus "github.com/JakeFAU/crawlfleet/internal/bus/zeromq"
	"github.com/JakeFAU/crawlfleet/internal/logging"
)

func newProxyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Runs the ZeroMQ forwarder the zeromq bus backend connects to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			proxy, err := zmqbus.NewProxy(cfg.Bus.ZeroMQ.ProxyXSub, cfg.Bus.ZeroMQ.ProxyXPub, logger)
			if err != nil {
				return err
			}
			logger.Info("forwarding zeromq traffic",
				zap.String("xsub", cfg.Bus.ZeroMQ.ProxyXSub),
				zap.String("xpub", cfg.Bus.ZeroMQ.ProxyXPub),
			)
			return proxy.Run(cmd.Context())
		},
	}
}
