// Package config loads the device configuration from a JSON file with
// RIGSHIFT_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/fieldcrew/rigshift/internal/domain"
	"github.com/fieldcrew/rigshift/internal/hashchain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RIGSHIFT_"

// Config holds the device's runtime configuration.
type Config struct {
	DBPath              string  `json:"db_path" env:"DB_PATH"`
	DeviceID            string  `json:"device_id" env:"DEVICE_ID"`
	ListenAddr          string  `json:"listen_addr" env:"LISTEN_ADDR"`
	CatalogPath         string  `json:"catalog_path" env:"CATALOG_PATH"`
	SyncEndpoint        string  `json:"sync_endpoint" env:"SYNC_ENDPOINT"`
	SyncIntervalSec     int     `json:"sync_interval_sec" env:"SYNC_INTERVAL_SEC"`
	SyncMaxBackoffSec   int     `json:"sync_max_backoff_sec" env:"SYNC_MAX_BACKOFF_SEC"`
	SyncRatePerSec      float64 `json:"sync_rate_per_sec" env:"SYNC_RATE_PER_SEC"`
	MaxSyncAttempts     int     `json:"max_sync_attempts" env:"MAX_SYNC_ATTEMPTS"`
	StartOffline        bool    `json:"start_offline" env:"START_OFFLINE"`
	ResetClearsLock     bool    `json:"reset_clears_lock" env:"RESET_CLEARS_LOCK"`
	LockAfterViolations int     `json:"lock_after_violations" env:"LOCK_AFTER_VIOLATIONS"`
	ViolationWindowSec  int     `json:"violation_window_sec" env:"VIOLATION_WINDOW_SEC"`
	AuthRatePerMinute   int     `json:"auth_rate_per_minute" env:"AUTH_RATE_PER_MINUTE"`
	HashAlgorithm       string  `json:"hash_algorithm" env:"HASH_ALGORITHM"`
	LogLevel            string  `json:"log_level" env:"LOG_LEVEL"`
	LogPretty           bool    `json:"log_pretty" env:"LOG_PRETTY"`
}

// Load reads a JSON config file, applies environment overrides and
// defaults, and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, domain.WrapEngineError(domain.ErrConfigInvalid.Code, "parse environment", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Resolve picks the config file: the explicit flag value, then
// RIGSHIFT_CONFIG, then the first candidate that exists. It returns "" when
// nothing is found.
func Resolve(flagValue string, candidates ...string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "rigshift.db"
	}
	if c.DeviceID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.DeviceID = host
		} else {
			c.DeviceID = "rigshift-device"
		}
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:9810"
	}
	if c.SyncIntervalSec == 0 {
		c.SyncIntervalSec = 30
	}
	if c.SyncMaxBackoffSec == 0 {
		c.SyncMaxBackoffSec = 600
	}
	if c.MaxSyncAttempts == 0 {
		c.MaxSyncAttempts = 3
	}
	if c.LockAfterViolations == 0 {
		c.LockAfterViolations = 3
	}
	if c.ViolationWindowSec == 0 {
		c.ViolationWindowSec = 3600
	}
	if c.AuthRatePerMinute == 0 {
		c.AuthRatePerMinute = 10
	}
	if c.HashAlgorithm == "" {
		c.HashAlgorithm = "rolling"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.SyncIntervalSec < 0 {
		problems = append(problems, "sync_interval_sec must not be negative")
	}
	if c.SyncMaxBackoffSec < c.SyncIntervalSec {
		problems = append(problems, "sync_max_backoff_sec must be at least sync_interval_sec")
	}
	if c.SyncRatePerSec < 0 {
		problems = append(problems, "sync_rate_per_sec must not be negative")
	}
	if c.MaxSyncAttempts < 0 {
		problems = append(problems, "max_sync_attempts must not be negative")
	}
	if c.LockAfterViolations < 0 {
		problems = append(problems, "lock_after_violations must not be negative")
	}
	if c.ViolationWindowSec < 0 {
		problems = append(problems, "violation_window_sec must not be negative")
	}
	if _, err := hashchain.ByName(c.HashAlgorithm); err != nil {
		problems = append(problems, fmt.Sprintf("hash_algorithm %q is not supported", c.HashAlgorithm))
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "disabled":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not supported", c.LogLevel))
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// SyncInterval is the syncer tick.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

// SyncMaxBackoff caps the syncer's retry spacing.
func (c *Config) SyncMaxBackoff() time.Duration {
	return time.Duration(c.SyncMaxBackoffSec) * time.Second
}

// ViolationWindow is the incident counting window.
func (c *Config) ViolationWindow() time.Duration {
	return time.Duration(c.ViolationWindowSec) * time.Second
}
