// Package config provides the agent configuration and the persistent store
// of data source definitions.
//
// The agent configuration (cloud endpoint, queue limits, logging) is loaded
// through viper from an optional YAML file with RELAY_* environment variable
// overrides. Data source definitions are persisted separately by Store and
// are owned exclusively by the engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the agent configuration
type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	Cloud   CloudConfig  `mapstructure:"cloud"`
	Queue   QueueConfig  `mapstructure:"queue"`
	Health  HealthConfig `mapstructure:"health"`
	Log     LogConfig    `mapstructure:"log"`
}

// CloudConfig configures the transport connection to the remote endpoint
type CloudConfig struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	ClientID     string        `mapstructure:"client_id"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
}

// QueueConfig configures the durable retry queue
type QueueConfig struct {
	Path          string        `mapstructure:"path"`
	MaxSize       int           `mapstructure:"max_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	DrainBatch    int           `mapstructure:"drain_batch"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// HealthConfig configures the local health and metrics listener
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures logging
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
}

// DefaultDataDir returns the per-user agent data directory
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay-agent"
	}
	return filepath.Join(home, ".relay-agent")
}

// Load reads the agent configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("cloud.url", "wss://cloud.relaymesh.io/ws")
	v.SetDefault("cloud.client_id", "relay-agent")
	v.SetDefault("cloud.ping_interval", 30*time.Second)
	v.SetDefault("cloud.ping_timeout", 10*time.Second)
	v.SetDefault("queue.max_size", 100000)
	v.SetDefault("queue.max_retries", 10)
	v.SetDefault("queue.drain_batch", 100)
	v.SetDefault("queue.drain_interval", 2*time.Second)
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.addr", "127.0.0.1:8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.Queue.Path == "" {
		cfg.Queue.Path = filepath.Join(cfg.DataDir, "queue.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for correctness
func (c *Config) Validate() error {
	if c.Cloud.URL == "" {
		return fmt.Errorf("cloud.url is required")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue.max_retries must be positive")
	}
	if c.Queue.DrainBatch <= 0 {
		return fmt.Errorf("queue.drain_batch must be positive")
	}
	if c.Queue.DrainInterval <= 0 {
		return fmt.Errorf("queue.drain_interval must be positive")
	}
	return nil
}
