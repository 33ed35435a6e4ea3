package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MinBatchSize is the lower bound the runtime batch size may be set to.
const MinBatchSize = 1_000

// Config is the full application configuration, loaded once at start.
// Runtime-mutable mining keys live behind Settings.
type Config struct {
	DaemonURL string `yaml:"daemon_url"`
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`

	Mining     MiningConfig     `yaml:"mining"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// MiningConfig configures the mining engine.
type MiningConfig struct {
	Address       string `yaml:"address"`
	BatchSize     int    `yaml:"batch_size"`
	CacheSize     int    `yaml:"cache_size"`
	MaxAttempts   uint64 `yaml:"max_attempts"`
	Backends      int    `yaml:"backends"`
	LowLatency    bool   `yaml:"low_latency"`
	MaxBlockBytes int    `yaml:"max_block_bytes"`
}

// MonitoringConfig configures the local metrics/status server.
type MonitoringConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		DaemonURL: "http://127.0.0.1:3001",
		DataDir:   "data",
		LogLevel:  "info",
		Mining: MiningConfig{
			BatchSize:     800_000,
			CacheSize:     1_000,
			Backends:      2,
			MaxBlockBytes: 100_000,
		},
		Monitoring: MonitoringConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the static fields. Runtime-settable values are validated
// again by Settings on every change.
func (c *Config) Validate() error {
	if c.DaemonURL == "" {
		return fmt.Errorf("daemon_url is required")
	}
	if c.Mining.BatchSize < MinBatchSize {
		return fmt.Errorf("mining.batch_size must be at least %d", MinBatchSize)
	}
	if c.Mining.CacheSize <= 0 {
		return fmt.Errorf("mining.cache_size must be positive")
	}
	if c.Mining.Backends < 1 {
		return fmt.Errorf("mining.backends must be at least 1")
	}
	if c.Monitoring.Enabled && c.Monitoring.ListenAddr == "" {
		return fmt.Errorf("monitoring.listen_addr is required when monitoring is enabled")
	}
	return nil
}
