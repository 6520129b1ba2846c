package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Locations
	InstallDir            string `mapstructure:"install-dir"`
	MetadataDir           string `mapstructure:"metadata-dir"`
	BootedIndicator       string `mapstructure:"booted-indicator"`
	ExternalStoragePrefix string `mapstructure:"external-storage-prefix"`

	// Allocation limits
	MinFreePercent     float64 `mapstructure:"min-free-percent"`
	MaxExtents         int     `mapstructure:"max-extents"`
	DefaultScratchSize string  `mapstructure:"default-scratch-size"`
	ZeroFill           bool    `mapstructure:"zero-fill"`

	// Device-mapper
	MapTimeout time.Duration `mapstructure:"map-timeout"`
	DMPrefix   string        `mapstructure:"dm-prefix"`

	// Collaborators
	MkfsCommand   string `mapstructure:"mkfs-command"`
	RebootCommand string `mapstructure:"reboot-command"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// S3 configuration
	S3Bucket   string `mapstructure:"s3-bucket"`
	S3Region   string `mapstructure:"s3-region"`
	S3Endpoint string `mapstructure:"s3-endpoint"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("install-dir", "/data/gsi/dsu")
	viper.SetDefault("metadata-dir", "/metadata/gsi/dsu")
	viper.SetDefault("booted-indicator", "")
	viper.SetDefault("external-storage-prefix", "/mnt/media_rw/")
	viper.SetDefault("min-free-percent", 40.0)
	viper.SetDefault("max-extents", 512)
	viper.SetDefault("default-scratch-size", "2GiB")
	viper.SetDefault("zero-fill", false)
	viper.SetDefault("map-timeout", 10*time.Second)
	viper.SetDefault("dm-prefix", "dsu-")
	viper.SetDefault("mkfs-command", "")
	viper.SetDefault("reboot-command", "")
	viper.SetDefault("sqlite-path", "/metadata/gsi/dsu/history.db")
	viper.SetDefault("fsm-db-path", "/metadata/gsi/dsu/fsm")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")

	// Environment variables (DSU_INSTALL_DIR, etc.)
	viper.SetEnvPrefix("DSU")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/dsu")
	viper.AddConfigPath("$HOME/.dsu")

	// Read config file (ignore if not found)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// ScratchSize parses DefaultScratchSize.
func (c *Config) ScratchSize() (uint64, error) {
	n, err := units.RAMInBytes(c.DefaultScratchSize)
	if err != nil {
		return 0, fmt.Errorf("default-scratch-size: %w", err)
	}
	return uint64(n), nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.InstallDir == "" {
		return fmt.Errorf("install-dir cannot be empty")
	}
	if c.MetadataDir == "" {
		return fmt.Errorf("metadata-dir cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.MinFreePercent <= 0 || c.MinFreePercent >= 100 {
		return fmt.Errorf("min-free-percent must be between 0 and 100")
	}
	if c.MaxExtents <= 0 {
		return fmt.Errorf("max-extents must be positive")
	}
	if n, err := c.ScratchSize(); err != nil || n == 0 {
		return fmt.Errorf("default-scratch-size must be a positive size")
	}
	if c.MapTimeout < 0 {
		return fmt.Errorf("map-timeout must be non-negative")
	}
	if c.DMPrefix == "" {
		return fmt.Errorf("dm-prefix cannot be empty")
	}
	return nil
}
