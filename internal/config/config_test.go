package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Client.Port != 9876 {
		t.Errorf("Port = %d, want 9876", cfg.Client.Port)
	}
	if !cfg.Client.Monitoring {
		t.Error("Monitoring should default to true")
	}
	if cfg.Scan.Interval != 5*time.Minute {
		t.Errorf("Scan.Interval = %v, want 5m", cfg.Scan.Interval)
	}
	if cfg.Scan.MaxConcurrentProbes != 50 {
		t.Errorf("MaxConcurrentProbes = %d, want 50", cfg.Scan.MaxConcurrentProbes)
	}
	if cfg.Aggregation.OfflineAfter != 30*time.Minute {
		t.Errorf("OfflineAfter = %v, want 30m", cfg.Aggregation.OfflineAfter)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
client:
  id: design-01
  department: Design
  api_key: um_secret

scan:
  interval: 2m
  max_concurrent_probes: 20

storage:
  database_url: postgres://usagemon@localhost/usagemon
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Client.ID != "design-01" {
		t.Errorf("ID = %q, want design-01", cfg.Client.ID)
	}
	if cfg.Client.Department != "Design" {
		t.Errorf("Department = %q, want Design", cfg.Client.Department)
	}
	if cfg.Scan.Interval != 2*time.Minute {
		t.Errorf("Scan.Interval = %v, want 2m", cfg.Scan.Interval)
	}
	if cfg.Scan.MaxConcurrentProbes != 20 {
		t.Errorf("MaxConcurrentProbes = %d, want 20", cfg.Scan.MaxConcurrentProbes)
	}

	// Values not in the file keep their defaults.
	if cfg.Client.Port != 9876 {
		t.Errorf("Port = %d, want default 9876", cfg.Client.Port)
	}
	if cfg.Scan.ConnectTimeout != 2*time.Second {
		t.Errorf("ConnectTimeout = %v, want default 2s", cfg.Scan.ConnectTimeout)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("USAGEMON_CLIENT_ID", "env-client")
	t.Setenv("USAGEMON_CLIENT_PORT", "8123")
	t.Setenv("USAGEMON_SCAN_INTERVAL", "90s")
	t.Setenv("USAGEMON_REDIS_URL", "redis://localhost:6379/1")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Client.ID != "env-client" {
		t.Errorf("ID = %q, want env-client", cfg.Client.ID)
	}
	if cfg.Client.Port != 8123 {
		t.Errorf("Port = %d, want 8123", cfg.Client.Port)
	}
	if cfg.Scan.Interval != 90*time.Second {
		t.Errorf("Scan.Interval = %v, want 90s", cfg.Scan.Interval)
	}
	if cfg.Storage.RedisURL != "redis://localhost:6379/1" {
		t.Errorf("RedisURL = %q", cfg.Storage.RedisURL)
	}
}

func TestApplyEnvOverridesIgnoresBadValues(t *testing.T) {
	t.Setenv("USAGEMON_CLIENT_PORT", "not-a-port")
	t.Setenv("USAGEMON_SCAN_INTERVAL", "sometimes")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Client.Port != 9876 {
		t.Errorf("Port = %d, want default retained", cfg.Client.Port)
	}
	if cfg.Scan.Interval != 5*time.Minute {
		t.Errorf("Scan.Interval = %v, want default retained", cfg.Scan.Interval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(c *Config) { c.Client.ID = "peer-01" },
		},
		{
			name:    "missing client id",
			mutate:  func(c *Config) {},
			wantErr: true,
		},
		{
			name: "bad port",
			mutate: func(c *Config) {
				c.Client.ID = "peer-01"
				c.Client.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "zero probe bound",
			mutate: func(c *Config) {
				c.Client.ID = "peer-01"
				c.Scan.MaxConcurrentProbes = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
