// Package config loads refshared settings from an optional YAML file with
// environment overrides.
package config

import (
	"fmt"
	"time"

	"refshare/internal/shared"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Sharing   SharingConfig   `koanf:"sharing"`
	Iterators IteratorsConfig `koanf:"iterators"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Addr              string        `koanf:"addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig points at the sqlite file. An empty path keeps maps in
// memory only.
type StorageConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

type SharingConfig struct {
	Policy string `koanf:"policy"` // strict | lenient
}

type IteratorsConfig struct {
	IdleTTL       time.Duration `koanf:"idle_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	MaxBatch      int           `koanf:"max_batch"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadHeaderTimeout <= 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Storage.BusyTimeout <= 0 {
		cfg.Storage.BusyTimeout = 5 * time.Second
	}
	if cfg.Sharing.Policy == "" {
		cfg.Sharing.Policy = shared.Strict.String()
	}
	if cfg.Iterators.IdleTTL <= 0 {
		cfg.Iterators.IdleTTL = 30 * time.Second
	}
	if cfg.Iterators.SweepInterval <= 0 {
		cfg.Iterators.SweepInterval = time.Second
	}
	if cfg.Iterators.MaxBatch <= 0 {
		cfg.Iterators.MaxBatch = 256
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if _, err := c.SharingPolicy(); err != nil {
		return err
	}
	if c.Iterators.MaxBatch > 10000 {
		return fmt.Errorf("iterators.max_batch must be <= 10000, got %d", c.Iterators.MaxBatch)
	}
	if c.Iterators.SweepInterval > c.Iterators.IdleTTL {
		return fmt.Errorf("iterators.sweep_interval (%s) must not exceed iterators.idle_ttl (%s)",
			c.Iterators.SweepInterval, c.Iterators.IdleTTL)
	}
	return nil
}

func (c *Config) SharingPolicy() (shared.Policy, error) {
	return shared.ParsePolicy(c.Sharing.Policy)
}
