package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sipeed/wabot/pkg/app"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/logger"
)

func newGatewayCmd(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Connect the enabled gateways and start answering messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			level := logger.Level(cfg.Logging.Level)
			if debug {
				level = logger.LevelDebug
			}
			if err := logger.Init(logger.Options{Level: level, File: cfg.Logging.File, JSON: cfg.Logging.JSON}); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			c, err := app.NewContainer(cfg, version)
			if err != nil {
				return err
			}
			defer c.Close()

			if c.API != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Dashboard: http://%s:%d (API key %s)\n",
					cfg.Gateway.Host, cfg.Gateway.Port, c.API.APIKey())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	return cmd
}
