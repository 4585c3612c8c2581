// Package config provides configuration management for the MCP server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
)

// Config represents the server configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// APIConfig represents the upstream workspace API credentials.
type APIConfig struct {
	Key       string `yaml:"key"`
	AccountID string `yaml:"account_id"`
	// EmailHint feeds the pseudonymous user hash on usage rows.
	EmailHint string `yaml:"email_hint"`
	// BaseURL overrides the production endpoint, used in tests.
	BaseURL string `yaml:"base_url"`
	// MaxRetrySeconds bounds the retry backoff per call.
	MaxRetrySeconds int `yaml:"max_retry_seconds"`
}

// CacheConfig represents the local cache database configuration.
type CacheConfig struct {
	// Path to the SQLite database file. Defaults under the user cache dir.
	Path string `yaml:"path"`
	// Timezone used to normalise date-only filter values, IANA name.
	Timezone string    `yaml:"timezone"`
	TTL      TTLConfig `yaml:"ttl"`
}

// TTLConfig holds default cache lifetimes per resource kind, in seconds.
// Zero values fall back to built-in defaults.
type TTLConfig struct {
	Records        int `yaml:"records"`
	Solutions      int `yaml:"solutions"`
	Tables         int `yaml:"tables"`
	Members        int `yaml:"members"`
	Teams          int `yaml:"teams"`
	Views          int `yaml:"views"`
	DeletedRecords int `yaml:"deleted_records"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
	// File enables rotated file logging; empty logs to stderr. Stdout is
	// never used because it carries the MCP stdio transport.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig represents the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			MaxRetrySeconds: 30,
		},
		Cache: CacheConfig{
			Path:     defaultCachePath(),
			Timezone: "UTC",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9091",
		},
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "smartsuite-cache.db"
	}
	return dir + "/smartsuite-mcp/cache.db"
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Load from file if provided
	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the config file
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SMARTSUITE_API_KEY"); v != "" {
		c.API.Key = v
	}
	if v := os.Getenv("SMARTSUITE_ACCOUNT_ID"); v != "" {
		c.API.AccountID = v
	}
	if v := os.Getenv("SMARTSUITE_EMAIL"); v != "" {
		c.API.EmailHint = v
	}
	if v := os.Getenv("SMARTSUITE_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("SMARTSUITE_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("SMARTSUITE_TIMEZONE"); v != "" {
		c.Cache.Timezone = v
	}
	if v := os.Getenv("SMARTSUITE_RECORDS_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Cache.TTL.Records = secs
		}
	}
	if v := os.Getenv("SMARTSUITE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SMARTSUITE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SMARTSUITE_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("SMARTSUITE_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("SMARTSUITE_METRICS_ADDRESS"); v != "" {
		c.Metrics.Address = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.API.Key == "" {
		return fmt.Errorf("api key is required (SMARTSUITE_API_KEY)")
	}
	if c.API.AccountID == "" {
		return fmt.Errorf("account id is required (SMARTSUITE_ACCOUNT_ID)")
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache path is required")
	}
	if _, err := time.LoadLocation(c.Cache.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Cache.Timezone, err)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "json" && f != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}

	ttls := map[string]int{
		"records":         c.Cache.TTL.Records,
		"solutions":       c.Cache.TTL.Solutions,
		"tables":          c.Cache.TTL.Tables,
		"members":         c.Cache.TTL.Members,
		"teams":           c.Cache.TTL.Teams,
		"views":           c.Cache.TTL.Views,
		"deleted_records": c.Cache.TTL.DeletedRecords,
	}
	for kind, secs := range ttls {
		if secs < 0 {
			return fmt.Errorf("negative ttl for %s: %d", kind, secs)
		}
	}

	return nil
}

// Location resolves the configured timezone. Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Cache.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TTLDefaults converts the configured lifetimes into store defaults.
func (c *Config) TTLDefaults() cache.TTLDefaults {
	sec := func(s int) time.Duration { return time.Duration(s) * time.Second }
	return cache.TTLDefaults{
		Records:   sec(c.Cache.TTL.Records),
		Solutions: sec(c.Cache.TTL.Solutions),
		Tables:    sec(c.Cache.TTL.Tables),
		Members:   sec(c.Cache.TTL.Members),
		Teams:     sec(c.Cache.TTL.Teams),
		Views:     sec(c.Cache.TTL.Views),
		Deleted:   sec(c.Cache.TTL.DeletedRecords),
	}
}
