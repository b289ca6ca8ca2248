package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDefaultPath = "WIRECHAT_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Binder attaches an extra source, such as command-line flags, to the viper
// instance before the config is unmarshalled.
type Binder func(v *viper.Viper) error

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars < bound flags.
func Load(logger *zerolog.Logger, explicitPath string, binders ...Binder) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix("WIRECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	for _, bind := range binders {
		if err := bind(v); err != nil {
			return cfg, configPath, fmt.Errorf("bind config source: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, configPath, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every key so env vars override nested values too.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("read_header_timeout", cfg.ReadHeaderTimeout)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetDefault("self.user_id", cfg.Self.UserID)
	v.SetDefault("self.display_name", cfg.Self.DisplayName)
	v.SetDefault("self.photo_url", cfg.Self.PhotoURL)

	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.database_path", cfg.Store.DatabasePath)
	v.SetDefault("store.redis_addr", cfg.Store.RedisAddr)
	v.SetDefault("store.redis_password", cfg.Store.RedisPassword)
	v.SetDefault("store.redis_db", cfg.Store.RedisDB)

	v.SetDefault("peer.mode", cfg.Peer.Mode)
	v.SetDefault("peer.ice_servers", cfg.Peer.ICEServers)
	v.SetDefault("peer.connect_delay", cfg.Peer.ConnectDelay)
	v.SetDefault("peer.ice_disconnected_timeout", cfg.Peer.ICEDisconnectedTimeout)
	v.SetDefault("peer.ice_failed_timeout", cfg.Peer.ICEFailedTimeout)
	v.SetDefault("peer.ice_keepalive", cfg.Peer.ICEKeepalive)

	v.SetDefault("media.source", cfg.Media.Source)

	v.SetDefault("calls.roster_on_answer", cfg.Calls.RosterOnAnswer)
	v.SetDefault("calls.auto_answer", cfg.Calls.AutoAnswer)
	v.SetDefault("calls.write_timeout", cfg.Calls.WriteTimeout)
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
