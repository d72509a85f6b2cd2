package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
remote_base_url: https://backoffice.example.com
upstream_url: http://127.0.0.1:3000
store:
  dsn: /var/lib/kiosk/queue.db
cache:
  path: /var/lib/kiosk/cache.db
  generation: v42
  core_assets:
    - /index.html
    - /offline.html
sync:
  interval_seconds: 30
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.ListenAddr != ":8787" {
		t.Errorf("listen_addr = %q, want :8787", cfg.ListenAddr)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("store.driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Router.APIPrefix != "/api/" {
		t.Errorf("api_prefix = %q, want /api/", cfg.Router.APIPrefix)
	}
	if cfg.Router.KioskPrefix != "/kiosk" {
		t.Errorf("kiosk_prefix = %q, want /kiosk", cfg.Router.KioskPrefix)
	}
	if cfg.Router.OfflinePath != "/offline.html" {
		t.Errorf("offline_path = %q, want /offline.html", cfg.Router.OfflinePath)
	}
	if cfg.Sync.Interval() != 30*time.Second {
		t.Errorf("sync interval = %v, want 30s", cfg.Sync.Interval())
	}
	if cfg.Cache.Generation != "v42" {
		t.Errorf("generation = %q, want v42", cfg.Cache.Generation)
	}
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing remote",
			mutate:  func(c *Config) { c.RemoteBaseURL = "" },
			wantErr: "remote_base_url",
		},
		{
			name:    "missing upstream",
			mutate:  func(c *Config) { c.UpstreamURL = "" },
			wantErr: "upstream_url",
		},
		{
			name:    "missing store dsn",
			mutate:  func(c *Config) { c.Store.DSN = "" },
			wantErr: "store.dsn",
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: "store.driver",
		},
		{
			name:    "missing generation",
			mutate:  func(c *Config) { c.Cache.Generation = "" },
			wantErr: "cache.generation",
		},
		{
			name:    "empty core assets",
			mutate:  func(c *Config) { c.Cache.CoreAssets = nil },
			wantErr: "core_assets",
		},
		{
			name:    "offline page not preloaded",
			mutate:  func(c *Config) { c.Cache.CoreAssets = []string{"/index.html"} },
			wantErr: "offline fallback",
		},
		{
			name:    "negative sync interval",
			mutate:  func(c *Config) { c.Sync.IntervalSeconds = -1 },
			wantErr: "interval_seconds",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(validConfig))
			if err != nil {
				t.Fatal(err)
			}

			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("remote_base_url: [")); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(validConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RemoteBaseURL != "https://backoffice.example.com" {
		t.Errorf("remote_base_url = %q", cfg.RemoteBaseURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
