// Package config loads and validates the worker configuration. The file is
// read once at startup; the worker has no runtime reconfiguration surface.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tillpoint/go-kiosk-sync/logging"
)

// Config is the complete worker configuration.
type Config struct {
	// RemoteBaseURL is the back-office API origin records are replayed to.
	// Overridable by the --remote-base-url flag.
	RemoteBaseURL string `yaml:"remote_base_url"`

	// UpstreamURL is the POS application origin the router fronts.
	UpstreamURL string `yaml:"upstream_url"`

	// ListenAddr is the worker's HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	Store   StoreConfig    `yaml:"store"`
	Cache   CacheConfig    `yaml:"cache"`
	Router  RouterConfig   `yaml:"router"`
	Sync    SyncConfig     `yaml:"sync"`
	Logging logging.Config `yaml:"logging"`
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the backend connection string.
	DSN string `yaml:"dsn"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// Path is the SQLite file backing the response cache.
	Path string `yaml:"path"`

	// Generation is the current cache generation tag. Bump it with each
	// release of the kiosk shell.
	Generation string `yaml:"generation"`

	// CoreAssets is the fixed list of shell asset paths preloaded at
	// install time. Must include the offline fallback page.
	CoreAssets []string `yaml:"core_assets"`
}

// RouterConfig configures request classification.
type RouterConfig struct {
	APIPrefix   string `yaml:"api_prefix"`
	KioskPrefix string `yaml:"kiosk_prefix"`
	OfflinePath string `yaml:"offline_path"`
}

// SyncConfig configures the background-sync scheduler.
type SyncConfig struct {
	// IntervalSeconds is the scheduler tick. Zero disables scheduled syncs;
	// manual client triggers keep working.
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Interval returns the scheduler tick as a duration.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8787"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Router.APIPrefix == "" {
		c.Router.APIPrefix = "/api/"
	}
	if c.Router.KioskPrefix == "" {
		c.Router.KioskPrefix = "/kiosk"
	}
	if c.Router.OfflinePath == "" {
		c.Router.OfflinePath = "/offline.html"
	}
	if c.Logging.Level == "" {
		c.Logging = logging.DefaultConfig
	}
}

// Validate checks the configuration for fatal mistakes.
func (c *Config) Validate() error {
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote_base_url is required")
	}
	if _, err := url.Parse(c.RemoteBaseURL); err != nil {
		return fmt.Errorf("remote_base_url is not a valid URL: %w", err)
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required")
	}
	if _, err := url.Parse(c.UpstreamURL); err != nil {
		return fmt.Errorf("upstream_url is not a valid URL: %w", err)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.Cache.Generation == "" {
		return fmt.Errorf("cache.generation is required")
	}
	if len(c.Cache.CoreAssets) == 0 {
		return fmt.Errorf("cache.core_assets must not be empty")
	}
	if !contains(c.Cache.CoreAssets, c.Router.OfflinePath) {
		return fmt.Errorf("cache.core_assets must include the offline fallback page %q", c.Router.OfflinePath)
	}
	if c.Sync.IntervalSeconds < 0 {
		return fmt.Errorf("sync.interval_seconds must not be negative")
	}
	return nil
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
