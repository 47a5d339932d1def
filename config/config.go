// Package config loads stampd runtime configuration from an optional TOML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the stampd service.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DatabaseURL   string `toml:"DatabaseURL"`
	Env           string `toml:"Env"`
	Timezone      string `toml:"Timezone"`

	StampCooldown   duration `toml:"StampCooldown"`
	StampDailyCap   int      `toml:"StampDailyCap"`
	TokenTTL        duration `toml:"TokenTTL"`
	TapRatePerMin   float64  `toml:"TapRatePerMinute"`
	TokenRatePerMin float64  `toml:"TokenRatePerMinute"`

	// Location is resolved from Timezone after load.
	Location *time.Location `toml:"-"`
}

// duration lets TOML carry values like "5m" or "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Load reads the TOML file at path (if any), applies environment overrides,
// and validates the result. An empty path means env-only configuration.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("STAMPD_DB_URL (or DatabaseURL) is required")
	}
	if cfg.StampDailyCap < 1 {
		return nil, fmt.Errorf("daily cap must be at least 1")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress:   ":8080",
		Env:             "dev",
		Timezone:        "UTC",
		StampCooldown:   duration(5 * time.Minute),
		StampDailyCap:   3,
		TokenTTL:        duration(30 * time.Second),
		TapRatePerMin:   60,
		TokenRatePerMin: 30,
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STAMPD_LISTEN"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("STAMPD_DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("STAMPD_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("STAMPD_TZ"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("STAMPD_COOLDOWN"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.StampCooldown = duration(parsed)
		}
	}
	if v := os.Getenv("STAMPD_DAILY_CAP"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.StampDailyCap = parsed
		}
	}
	if v := os.Getenv("STAMPD_TOKEN_TTL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.TokenTTL = duration(parsed)
		}
	}
	if v := os.Getenv("STAMPD_TAP_RATE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TapRatePerMin = parsed
		}
	}
	if v := os.Getenv("STAMPD_TOKEN_RATE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TokenRatePerMin = parsed
		}
	}
}
