package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// resetViper isolates a test from config paths and files found by earlier
// Load calls.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadDefaults(t *testing.T) {
	resetViper(t)
	t.Chdir(t.TempDir())
	t.Setenv("DSU_MAX_EXTENTS", "256")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.InstallDir != "/data/gsi/dsu" || cfg.MetadataDir != "/metadata/gsi/dsu" {
		t.Errorf("locations = %s, %s", cfg.InstallDir, cfg.MetadataDir)
	}
	if cfg.MinFreePercent != 40 {
		t.Errorf("min-free-percent = %v, want 40", cfg.MinFreePercent)
	}
	if cfg.MaxExtents != 256 {
		t.Errorf("max-extents = %d, want env override 256", cfg.MaxExtents)
	}
	if cfg.MapTimeout != 10*time.Second {
		t.Errorf("map-timeout = %s", cfg.MapTimeout)
	}
	if n, _ := cfg.ScratchSize(); n != 2<<30 {
		t.Errorf("scratch size = %d, want 2 GiB", n)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile("config.yaml", []byte("install-dir: /data/gsi/other\nmax-extents: 64\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InstallDir != "/data/gsi/other" || cfg.MaxExtents != 64 {
		t.Errorf("config file ignored: install-dir %s, max-extents %d", cfg.InstallDir, cfg.MaxExtents)
	}
}

func TestLoadRejectsMalformedConfigFile(t *testing.T) {
	resetViper(t)
	t.Chdir(t.TempDir())
	if err := os.WriteFile("config.yaml", []byte("max-extents: [64\ninstall-dir: {\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail on a malformed config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			InstallDir:         "/data/gsi/dsu",
			MetadataDir:        "/metadata/gsi/dsu",
			SQLitePath:         "/metadata/gsi/dsu/history.db",
			MinFreePercent:     40,
			MaxExtents:         512,
			DefaultScratchSize: "2GiB",
			DMPrefix:           "dsu-",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty install dir", func(c *Config) { c.InstallDir = "" }},
		{"empty metadata dir", func(c *Config) { c.MetadataDir = "" }},
		{"free percent out of range", func(c *Config) { c.MinFreePercent = 100 }},
		{"zero extents", func(c *Config) { c.MaxExtents = 0 }},
		{"bad scratch size", func(c *Config) { c.DefaultScratchSize = "lots" }},
		{"negative timeout", func(c *Config) { c.MapTimeout = -time.Second }},
		{"empty prefix", func(c *Config) { c.DMPrefix = "" }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
