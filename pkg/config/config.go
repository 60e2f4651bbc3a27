// Package config loads the probedb configuration from a yaml file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/probedb/probedb/pkg/logger"
	"github.com/probedb/probedb/pkg/telemetry"
)

// StorageConfig configures the storage-engine core.
type StorageConfig struct {
	// Path is the database file location.
	Path string `yaml:"path"`
	// WALDir is the directory holding write-ahead log segments.
	WALDir string `yaml:"wal_dir"`
	// PageSize is the on-disk page size in bytes.
	PageSize int `yaml:"page_size"`
	// PoolSize is the number of buffer pool frames.
	PoolSize int `yaml:"pool_size"`
}

// Config is the root configuration document.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Log       logger.Config    `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Path:     "probedb.db",
			WALDir:   "wal",
			PageSize: 4096,
			PoolSize: 64,
		},
		Log: logger.Config{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "probedb",
			PrometheusPort: 9301,
		},
	}
}

// Load reads a yaml config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Storage.PageSize <= 0 {
		return fmt.Errorf("storage.page_size must be positive, got %d", c.Storage.PageSize)
	}
	if c.Storage.PoolSize <= 0 {
		return fmt.Errorf("storage.pool_size must be positive, got %d", c.Storage.PoolSize)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	return nil
}
