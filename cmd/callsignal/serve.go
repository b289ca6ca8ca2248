package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-calls/internal/app"
	"github.com/vovakirdan/wirechat-calls/internal/config"
	"github.com/vovakirdan/wirechat-calls/internal/log"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the call service and its UI bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := config.Load(nil, cfgFile, flagBinder(cmd, map[string]string{
				"addr":             "addr",
				"log-level":        "log_level",
				"store-driver":     "store.driver",
				"self-id":          "self.user_id",
				"peer-mode":        "peer.mode",
				"media-source":     "media.source",
				"auto-answer":      "calls.auto_answer",
				"roster-on-answer": "calls.roster_on_answer",
			}))
			if err != nil {
				return err
			}

			logger := log.New(cfg.LogLevel)
			logger.Info().Str("config", path).Msg("configuration loaded")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, &cfg, logger)
			if err != nil {
				return err
			}

			logger.Info().Str("addr", cfg.Addr).Msg("starting call service")
			if err := application.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("server exited with error")
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().String("self-id", "", "local user id")
	cmd.Flags().String("peer-mode", "", "peer connection driver: pion or simulated")
	cmd.Flags().String("media-source", "", "media source: device or synthetic")
	cmd.Flags().Bool("auto-answer", false, "answer incoming calls in watched chats")
	cmd.Flags().Bool("roster-on-answer", false, "add the answerer to the roster")
	return cmd
}
