package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"wcfbridge/pkg/bridge"
	"wcfbridge/pkg/logger"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long:  "Connects to the SDK, serves the HTTP facade and forwards events until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := bridge.NewService(cfg, appLogger)
		if err != nil {
			log.Error("Failed to initialize bridge", "error", err)
			return err
		}

		log.Info("Bridge starting", "sdk", cfg.SDK.Address, "http", cfg.HTTP.ListenAddr(), "webhooks", len(cfg.Forwarding.Webhooks))
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error("Bridge runtime failed", "error", err)
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
