// Package config loads the replyhub configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for replyhub.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Gemini  GeminiConfig  `yaml:"gemini"`
	Channel ChannelConfig `yaml:"channel"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	// Host and Port form the websocket listen address for foreground
	// agents.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// MetricsPort serves the Prometheus endpoint; 0 disables it.
	MetricsPort int `yaml:"metrics_port"`
}

type StorageConfig struct {
	// Driver selects the key-value backend: "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// Quota is the advertised storage budget in bytes.
	Quota int64 `yaml:"quota"`
}

type GeminiConfig struct {
	// APIKey seeds the stored credential; usually set via
	// ${GEMINI_API_KEY} expansion. Foreground agents may replace it at
	// runtime.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	// RequestTimeout is the base per-attempt timeout; later attempts
	// within a call get proportionally more.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ChannelConfig struct {
	// URL is where the foreground side dials the coordinator.
	URL string `yaml:"url"`
	// HeartbeatInterval spaces liveness pings.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// RequestTimeout bounds ordinary requests; GenerateTimeout bounds
	// reply generation.
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
}

type CacheConfig struct {
	// TTL is how long a cached thread context stays fresh.
	TTL time.Duration `yaml:"ttl"`
	// MaintenancePeriod spaces the eviction sweeps.
	MaintenancePeriod time.Duration `yaml:"maintenance_period"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8765
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "replyhub.db"
	}
	if cfg.Storage.Quota == 0 {
		cfg.Storage.Quota = 10 * 1024 * 1024
	}
	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = "gemini-2.0-flash"
	}
	if cfg.Gemini.RequestTimeout == 0 {
		cfg.Gemini.RequestTimeout = 8 * time.Second
	}
	if cfg.Channel.URL == "" {
		cfg.Channel.URL = fmt.Sprintf("ws://%s:%d/channel", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Channel.HeartbeatInterval == 0 {
		cfg.Channel.HeartbeatInterval = 20 * time.Second
	}
	if cfg.Channel.RequestTimeout == 0 {
		cfg.Channel.RequestTimeout = 30 * time.Second
	}
	if cfg.Channel.GenerateTimeout == 0 {
		cfg.Channel.GenerateTimeout = 120 * time.Second
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = time.Hour
	}
	if cfg.Cache.MaintenancePeriod == 0 {
		cfg.Cache.MaintenancePeriod = time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks settings that would otherwise fail at an awkward moment.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("metrics port %d out of range", c.Server.MetricsPort)
	}
	return nil
}
