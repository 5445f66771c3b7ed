// Package config handles engine configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (USAGEMON_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	client:
//	  id: design-workstation-01
//	  department: Design
//	  api_key: um_xxx
//
//	scan:
//	  interval: 5m
//	  connect_timeout: 2s
//	  max_concurrent_probes: 50
//
//	aggregation:
//	  interval: 5m
//	  offline_after: 30m
//
//	storage:
//	  database_url: postgres://usagemon@localhost/usagemon
//	  redis_url: redis://localhost:6379/0
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Client      ClientConfig      `yaml:"client"`
	Scan        ScanConfig        `yaml:"scan"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Storage     StorageConfig     `yaml:"storage"`
}

// ClientConfig defines this instance's identity on the LAN.
type ClientConfig struct {
	ID         string `yaml:"id"`         // Unique client identifier
	Department string `yaml:"department"` // Reporting group, may be empty
	Port       int    `yaml:"port"`       // Peer protocol listen port
	APIKey     string `yaml:"api_key"`    // Shared key for peer requests

	// Monitoring controls the isMonitoring flag reported to peers.
	Monitoring bool `yaml:"monitoring"`
}

// ScanConfig defines discovery behavior.
type ScanConfig struct {
	Interval            time.Duration `yaml:"interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	MaxConcurrentProbes int           `yaml:"max_concurrent_probes"`
}

// AggregationConfig defines statistics and alerting behavior.
type AggregationConfig struct {
	Interval            time.Duration `yaml:"interval"`
	ActivityWindow      time.Duration `yaml:"activity_window"`
	OfflineAfter        time.Duration `yaml:"offline_after"`
	MemoryAlertPercent  float64       `yaml:"memory_alert_percent"`
	UnusedCostThreshold float64       `yaml:"unused_cost_threshold"`
}

// StorageConfig defines persistence backends. Both are optional: without a
// database the engine runs in-memory only, and without Redis snapshots are
// written to Postgres directly.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Port:       9876,
			Monitoring: true,
		},
		Scan: ScanConfig{
			Interval:            5 * time.Minute,
			ConnectTimeout:      2 * time.Second,
			RequestTimeout:      5 * time.Second,
			MaxConcurrentProbes: 50,
		},
		Aggregation: AggregationConfig{
			Interval:            5 * time.Minute,
			ActivityWindow:      30 * 24 * time.Hour,
			OfflineAfter:        30 * time.Minute,
			MemoryAlertPercent:  90,
			UnusedCostThreshold: 100,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Client.ID == "" {
		return fmt.Errorf("client.id is required")
	}
	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		return fmt.Errorf("client.port must be in 1-65535, got %d", c.Client.Port)
	}
	if c.Scan.MaxConcurrentProbes <= 0 {
		return fmt.Errorf("scan.max_concurrent_probes must be positive")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the USAGEMON_ prefix:
// - USAGEMON_CLIENT_ID
// - USAGEMON_CLIENT_DEPARTMENT
// - USAGEMON_CLIENT_PORT
// - USAGEMON_CLIENT_API_KEY
// - USAGEMON_SCAN_INTERVAL (Go duration, e.g. "5m")
// - USAGEMON_DATABASE_URL
// - USAGEMON_REDIS_URL
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("USAGEMON_CLIENT_ID"); v != "" {
		c.Client.ID = v
	}
	if v := os.Getenv("USAGEMON_CLIENT_DEPARTMENT"); v != "" {
		c.Client.Department = v
	}
	if v := os.Getenv("USAGEMON_CLIENT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Client.Port = port
		}
	}
	if v := os.Getenv("USAGEMON_CLIENT_API_KEY"); v != "" {
		c.Client.APIKey = v
	}
	if v := os.Getenv("USAGEMON_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scan.Interval = d
		}
	}
	if v := os.Getenv("USAGEMON_DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := os.Getenv("USAGEMON_REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}
}
