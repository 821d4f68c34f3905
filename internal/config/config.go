// Package config loads process settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Bridge struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Reconnect struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	ResetDelay  time.Duration `yaml:"reset_delay"`
}

type Delivery struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
	// SendRate caps outbound sends per second. Zero means unlimited.
	SendRate float64 `yaml:"send_rate"`
}

type Config struct {
	Addr           string    `yaml:"addr"`
	DBPath         string    `yaml:"db_path"`
	Timezone       string    `yaml:"timezone"`
	LogLevel       string    `yaml:"log_level"`
	Debug          bool      `yaml:"debug"`
	ForceFreshAuth bool      `yaml:"force_fresh_auth"`
	Bridge         Bridge    `yaml:"bridge"`
	Reconnect      Reconnect `yaml:"reconnect"`
	Delivery       Delivery  `yaml:"delivery"`
}

func Default() Config {
	return Config{
		Addr:     ":3000",
		DBPath:   "scheduler.db",
		Timezone: "Europe/London",
		LogLevel: "info",
		Bridge: Bridge{
			URL:            "http://127.0.0.1:3001",
			RequestTimeout: 30 * time.Second,
		},
		Reconnect: Reconnect{
			MaxAttempts: 5,
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
			SettleDelay: 5 * time.Second,
			ResetDelay:  2 * time.Second,
		},
		Delivery: Delivery{SendTimeout: 30 * time.Second},
	}
}

// Load starts from Default, overlays path when it is non-empty and then the
// environment. A missing file is an error only when path was given.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		if _, err := strconv.Atoi(raw); err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Addr = ":" + raw
	}
	if raw := os.Getenv("FORCE_FRESH_AUTH"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("FORCE_FRESH_AUTH: %w", err)
		}
		cfg.ForceFreshAuth = v
	}
	if raw := os.Getenv("CHATSCHED_BRIDGE_URL"); raw != "" {
		cfg.Bridge.URL = raw
	}
	if raw := os.Getenv("CHATSCHED_BRIDGE_TOKEN"); raw != "" {
		cfg.Bridge.Token = raw
	}
	if raw := os.Getenv("CHATSCHED_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil || c.Timezone == "" {
		errs = append(errs, fmt.Errorf("timezone %q is not a known zone", c.Timezone))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Bridge.URL == "" {
		errs = append(errs, errors.New("bridge.url is required"))
	}
	if c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must be positive"))
	}
	if c.Reconnect.BackoffBase <= 0 || c.Reconnect.BackoffCap <= 0 {
		errs = append(errs, errors.New("reconnect backoff must be positive"))
	} else if c.Reconnect.BackoffCap < c.Reconnect.BackoffBase {
		errs = append(errs, errors.New("reconnect.backoff_cap is below backoff_base"))
	}
	if c.Reconnect.SettleDelay < 0 || c.Reconnect.ResetDelay < 0 {
		errs = append(errs, errors.New("reconnect delays cannot be negative"))
	}
	if c.Delivery.SendTimeout <= 0 {
		errs = append(errs, errors.New("delivery.send_timeout must be positive"))
	}
	if c.Delivery.SendRate < 0 {
		errs = append(errs, errors.New("delivery.send_rate cannot be negative"))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone. Call after Validate.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
