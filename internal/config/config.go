package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	Self  SelfConfig  `mapstructure:"self" yaml:"self"`
	Store StoreConfig `mapstructure:"store" yaml:"store"`
	Peer  PeerConfig  `mapstructure:"peer" yaml:"peer"`
	Media MediaConfig `mapstructure:"media" yaml:"media"`
	Calls CallsConfig `mapstructure:"calls" yaml:"calls"`
}

// SelfConfig identifies the local user.
type SelfConfig struct {
	UserID      string `mapstructure:"user_id" yaml:"user_id"`
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`
	PhotoURL    string `mapstructure:"photo_url" yaml:"photo_url"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"` // memory, sqlite or redis
	DatabasePath  string `mapstructure:"database_path" yaml:"database_path"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
}

// PeerConfig configures peer connections.
type PeerConfig struct {
	Mode                   string        `mapstructure:"mode" yaml:"mode"` // pion or simulated
	ICEServers             []string      `mapstructure:"ice_servers" yaml:"ice_servers"`
	ConnectDelay           time.Duration `mapstructure:"connect_delay" yaml:"connect_delay"`
	ICEDisconnectedTimeout time.Duration `mapstructure:"ice_disconnected_timeout" yaml:"ice_disconnected_timeout"`
	ICEFailedTimeout       time.Duration `mapstructure:"ice_failed_timeout" yaml:"ice_failed_timeout"`
	ICEKeepalive           time.Duration `mapstructure:"ice_keepalive" yaml:"ice_keepalive"`
}

type MediaConfig struct {
	Source string `mapstructure:"source" yaml:"source"` // device or synthetic
}

type CallsConfig struct {
	RosterOnAnswer bool          `mapstructure:"roster_on_answer" yaml:"roster_on_answer"`
	AutoAnswer     bool          `mapstructure:"auto_answer" yaml:"auto_answer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		Self: SelfConfig{
			UserID:      "local",
			DisplayName: "Local user",
		},
		Store: StoreConfig{
			Driver:       StoreSQLite,
			DatabasePath: "wirechat-calls.db",
			RedisAddr:    "localhost:6379",
		},
		Peer: PeerConfig{
			Mode:                   "pion",
			ICEServers:             []string{"stun:stun.l.google.com:19302"},
			ConnectDelay:           50 * time.Millisecond,
			ICEDisconnectedTimeout: 5 * time.Second,
			ICEFailedTimeout:       25 * time.Second,
			ICEKeepalive:           2 * time.Second,
		},
		Media: MediaConfig{Source: "device"},
		Calls: CallsConfig{WriteTimeout: 10 * time.Second},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Self.UserID != "" {
		c.Self.UserID = other.Self.UserID
	}
	if other.Self.DisplayName != "" {
		c.Self.DisplayName = other.Self.DisplayName
	}
	if other.Self.PhotoURL != "" {
		c.Self.PhotoURL = other.Self.PhotoURL
	}
	if other.Store.Driver != "" {
		c.Store.Driver = other.Store.Driver
	}
	if other.Store.DatabasePath != "" {
		c.Store.DatabasePath = other.Store.DatabasePath
	}
	if other.Store.RedisAddr != "" {
		c.Store.RedisAddr = other.Store.RedisAddr
	}
	if other.Peer.Mode != "" {
		c.Peer.Mode = other.Peer.Mode
	}
	if len(other.Peer.ICEServers) > 0 {
		c.Peer.ICEServers = other.Peer.ICEServers
	}
	if other.Media.Source != "" {
		c.Media.Source = other.Media.Source
	}
	if other.Calls.WriteTimeout != 0 {
		c.Calls.WriteTimeout = other.Calls.WriteTimeout
	}
}

// Validate reports every setting that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.Self.UserID == "" {
		errs = append(errs, errors.New("self.user_id is required"))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.DatabasePath == "" {
			errs = append(errs, errors.New("store.database_path is required for sqlite"))
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Peer.Mode {
	case "pion", "simulated":
	default:
		errs = append(errs, fmt.Errorf("unknown peer.mode %q", c.Peer.Mode))
	}
	switch c.Media.Source {
	case "device", "synthetic":
	default:
		errs = append(errs, fmt.Errorf("unknown media.source %q", c.Media.Source))
	}
	if c.Calls.WriteTimeout <= 0 {
		errs = append(errs, errors.New("calls.write_timeout must be positive"))
	}
	return errors.Join(errs...)
}
