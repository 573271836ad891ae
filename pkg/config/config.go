package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the config file read into memory.
const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Stream        StreamConfig        `yaml:"stream"`
	Inject        InjectConfig        `yaml:"inject"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Observability ObservabilityConfig `yaml:"observability"`
	Log           LogConfig           `yaml:"log"`
}

// StoreConfig selects the message log backend
type StoreConfig struct {
	Type  string      `yaml:"type"` // memory, file, redis
	Dir   string      `yaml:"dir"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// StreamConfig tunes scans and subscriber backlogs
type StreamConfig struct {
	PageSize   int `yaml:"page_size"`
	HighWater  int `yaml:"high_water"`
	MaxPending int `yaml:"max_pending"` // 0 disables the hard limit
}

// InjectConfig rate limits injections per session
type InjectConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"` // 0 disables limiting
	Burst         int     `yaml:"burst"`
}

// IngestConfig configures the Redis ingress follower
type IngestConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Stream     string        `yaml:"stream"`
	Checkpoint string        `yaml:"checkpoint"` // defaults to <stream>:checkpoint
	From       string        `yaml:"from"`       // used only when no checkpoint is saved
	Block      time.Duration `yaml:"block"`
	Batch      int64         `yaml:"batch"`
}

// ObservabilityConfig holds HTTP and tracing settings
type ObservabilityConfig struct {
	HTTPPort int    `yaml:"http_port"`
	Exporter string `yaml:"exporter"` // none, otlp, stdout
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// FromEnv builds a configuration from defaults and environment overrides
// only, for running without a config file.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "inspector:"
	}
	if c.Store.Redis.PoolSize == 0 {
		c.Store.Redis.PoolSize = 10
	}
	if c.Stream.PageSize == 0 {
		c.Stream.PageSize = 256
	}
	if c.Stream.HighWater == 0 {
		c.Stream.HighWater = 10000
	}
	if c.Inject.RatePerSecond > 0 && c.Inject.Burst == 0 {
		c.Inject.Burst = 1
	}
	if c.Ingest.Stream == "" {
		c.Ingest.Stream = "inspector:ingest"
	}
	if c.Ingest.From == "" {
		c.Ingest.From = "$"
	}
	if c.Ingest.Block == 0 {
		c.Ingest.Block = 5 * time.Second
	}
	if c.Ingest.Batch == 0 {
		c.Ingest.Batch = 100
	}
	if c.Observability.HTTPPort == 0 {
		c.Observability.HTTPPort = 9090
	}
	if c.Observability.Exporter == "" {
		c.Observability.Exporter = "none"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// applyEnv lets the environment override file settings
func (c *Config) applyEnv() error {
	if v := os.Getenv("INSPECTOR_STORE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("INSPECTOR_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("INSPECTOR_DATA_DIR"); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv("INSPECTOR_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid INSPECTOR_HTTP_PORT %q: %w", v, err)
		}
		c.Observability.HTTPPort = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "file":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}

	if c.Ingest.Enabled && c.Store.Type != "redis" {
		return fmt.Errorf("ingest requires the redis store")
	}
	if c.Stream.PageSize < 0 || c.Stream.HighWater < 0 || c.Stream.MaxPending < 0 {
		return fmt.Errorf("stream limits must not be negative")
	}
	if c.Stream.MaxPending > 0 && c.Stream.MaxPending < c.Stream.HighWater {
		return fmt.Errorf("stream.max_pending (%d) must not be below stream.high_water (%d)", c.Stream.MaxPending, c.Stream.HighWater)
	}
	if c.Inject.RatePerSecond < 0 {
		return fmt.Errorf("inject.rate_per_second must not be negative")
	}
	if c.Observability.HTTPPort < 0 || c.Observability.HTTPPort > 65535 {
		return fmt.Errorf("observability.http_port %d out of range", c.Observability.HTTPPort)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	return nil
}
