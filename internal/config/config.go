// Package config loads and saves the hokgo client configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all client settings. Stored at ~/.config/hokgo/config.yaml.
type Config struct {
	// CachePath is the SQLite file holding the response cache and the
	// token pool. Defaults to ~/.local/share/hokgo/cache.db.
	CachePath string `yaml:"cache_path,omitempty"`

	// BinDir is where the camp-security helper is installed.
	// Defaults to ~/.local/share/hokgo/bin.
	BinDir string `yaml:"bin_dir,omitempty"`

	// Region and Language select the Camp API variant.
	Region   int    `yaml:"region,omitempty"`
	Language string `yaml:"language,omitempty"`

	// CacheTTL is the default lifetime of cached responses, as a
	// duration string (e.g. "50m"). Defaults to 50m.
	CacheTTL string `yaml:"cache_ttl,omitempty"`

	// PoolTarget and PoolLowWater tune the token pool.
	PoolTarget   int `yaml:"pool_target,omitempty"`
	PoolLowWater int `yaml:"pool_low_water,omitempty"`

	// MetricsAddr, when set, serves Prometheus metrics on this
	// address (e.g. "127.0.0.1:9321") for the life of the client.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Region:       608,
		Language:     "en",
		CacheTTL:     "50m",
		PoolTarget:   100,
		PoolLowWater: 20,
	}
}

// Path returns the config file location.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".config", "hokgo", "config.yaml"), nil
}

// Load reads the config file, filling unset fields with defaults.
// A missing file yields the defaults without error.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads a config from an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Save writes the config to its standard location.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// CachePathOrDefault resolves the cache file location.
func (c *Config) CachePathOrDefault() (string, error) {
	if c.CachePath != "" {
		return c.CachePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "hokgo", "cache.db"), nil
}

// TTL parses CacheTTL, falling back to the default on a bad value.
func (c *Config) TTL() time.Duration {
	d, err := time.ParseDuration(c.CacheTTL)
	if err != nil || d <= 0 {
		return 50 * time.Minute
	}
	return d
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.Region == 0 {
		c.Region = def.Region
	}
	if c.Language == "" {
		c.Language = def.Language
	}
	if c.CacheTTL == "" {
		c.CacheTTL = def.CacheTTL
	}
	if c.PoolTarget <= 0 {
		c.PoolTarget = def.PoolTarget
	}
	if c.PoolLowWater <= 0 {
		c.PoolLowWater = def.PoolLowWater
	}
}
