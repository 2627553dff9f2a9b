package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds top-level engine behavior.
type EngineConfig struct {
	ClientID          string        `yaml:"client_id"`
	AutoSyncEnabled   bool          `yaml:"auto_sync_enabled"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	BackgroundSync    bool          `yaml:"background_sync_enabled"`
	PredictionEnabled bool          `yaml:"prediction_enabled"`
}

// QueueConfig holds operation queue configuration.
type QueueConfig struct {
	MaxRetries           int `yaml:"max_retries"`
	HistoryLimit         int `yaml:"history_limit"`
	CompressionThreshold int `yaml:"compression_threshold_bytes"`
}

// ConflictConfig holds conflict analysis thresholds. The defaults are a
// documented contract; tests pin them.
type ConflictConfig struct {
	AutoResolveThreshold float64 `yaml:"auto_resolve_threshold"`
	MergeThreshold       float64 `yaml:"merge_threshold"`
	TimestampThreshold   float64 `yaml:"timestamp_threshold"`
}

// NetworkConfig holds network assessment configuration.
type NetworkConfig struct {
	ProbeEndpoints []string      `yaml:"probe_endpoints"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	HistorySize    int           `yaml:"history_size"`
}

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RemoteConfig holds the remote apply endpoint configuration.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config represents the complete configuration for the sync engine.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Queue    QueueConfig    `yaml:"queue"`
	Conflict ConflictConfig `yaml:"conflict"`
	Network  NetworkConfig  `yaml:"network"`
	Storage  StorageConfig  `yaml:"storage"`
	Remote   RemoteConfig   `yaml:"remote"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoadConfig loads configuration from a file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	SetDefaults(cfg)
	return cfg
}

// SetDefaults sets default values for unspecified configuration.
func SetDefaults(cfg *Config) {
	if cfg.Engine.ClientID == "" {
		cfg.Engine.ClientID = "local"
	}
	if cfg.Engine.SyncInterval == 0 {
		cfg.Engine.SyncInterval = 30 * time.Second
	}

	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.HistoryLimit == 0 {
		cfg.Queue.HistoryLimit = 100
	}
	if cfg.Queue.CompressionThreshold == 0 {
		cfg.Queue.CompressionThreshold = 4096
	}

	if cfg.Conflict.AutoResolveThreshold == 0 {
		cfg.Conflict.AutoResolveThreshold = 0.8
	}
	if cfg.Conflict.MergeThreshold == 0 {
		cfg.Conflict.MergeThreshold = 0.7
	}
	if cfg.Conflict.TimestampThreshold == 0 {
		cfg.Conflict.TimestampThreshold = 0.9
	}

	if cfg.Network.ProbeTimeout == 0 {
		cfg.Network.ProbeTimeout = 3 * time.Second
	}
	if cfg.Network.HistorySize == 0 {
		cfg.Network.HistorySize = 20
	}
	if len(cfg.Network.ProbeEndpoints) == 0 {
		cfg.Network.ProbeEndpoints = []string{
			"https://www.gstatic.com/generate_204",
			"https://connectivitycheck.cloudflare.com",
			"https://api.github.com",
		}
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "cardall-sync.db"
	}

	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = 30 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9107
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.Queue.HistoryLimit < 1 {
		return fmt.Errorf("queue.history_limit must be at least 1")
	}
	if err := validateThreshold("conflict.auto_resolve_threshold", c.Conflict.AutoResolveThreshold); err != nil {
		return err
	}
	if err := validateThreshold("conflict.merge_threshold", c.Conflict.MergeThreshold); err != nil {
		return err
	}
	if err := validateThreshold("conflict.timestamp_threshold", c.Conflict.TimestampThreshold); err != nil {
		return err
	}
	if c.Conflict.MergeThreshold > c.Conflict.TimestampThreshold {
		return fmt.Errorf("conflict.merge_threshold must not exceed conflict.timestamp_threshold")
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver must be \"sqlite\" or \"memory\"")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}

func validateThreshold(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be between 0 and 1", name)
	}
	return nil
}
