package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vovakirdan/wirechat-calls/internal/config"
)

var cfgFile string

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "callsignal",
	Short: "Call signaling and session lifecycle engine for wirechat.",
	Long: `callsignal negotiates peer-to-peer calls through a shared session
record and exposes the local user's calls to the UI over HTTP and WebSocket.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("store-driver", "", "session store: memory, sqlite or redis")

	rootCmd.AddCommand(newServeCmd(), newInspectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flagBinder maps command-line flags onto config keys.
func flagBinder(cmd *cobra.Command, keys map[string]string) config.Binder {
	return func(v *viper.Viper) error {
		for flag, key := range keys {
			f := cmd.Flags().Lookup(flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
		return nil
	}
}
