package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vovakirdan/wirechat-calls/internal/app"
	"github.com/vovakirdan/wirechat-calls/internal/config"
	"github.com/vovakirdan/wirechat-calls/internal/log"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <call-id>",
		Short: "Print a call session record as yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(nil, cfgFile, flagBinder(cmd, map[string]string{
				"log-level":    "log_level",
				"store-driver": "store.driver",
			}))
			if err != nil {
				return err
			}
			logger := log.NewWithWriter(cfg.LogLevel, os.Stderr)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := app.OpenStore(ctx, cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			sess, err := st.GetSession(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("call %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(sess)
		},
	}
}
