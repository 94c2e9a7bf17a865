// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads boatsync settings from an optional YAML file, a .env
// file and BOATSYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "BOATSYNC"

type Config struct {
	ServerURL    string          `mapstructure:"server_url"`
	DatabasePath string          `mapstructure:"database_path"`
	Log          LogConfig       `mapstructure:"log"`
	Audit        AuditConfig     `mapstructure:"audit"`
	Sync         SyncConfig      `mapstructure:"sync"`
	DevServer    DevServerConfig `mapstructure:"devserver"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // text|json
}

// AuditConfig controls the rotating conflict audit log
type AuditConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type SyncConfig struct {
	ConflictTolerance time.Duration `mapstructure:"conflict_tolerance"`

	// Offline queue
	MaxAttempts int           `mapstructure:"max_attempts"`
	Retention   time.Duration `mapstructure:"retention"`

	// Status machine retry tiers
	FastRetry       time.Duration `mapstructure:"fast_retry"`
	FastRetryWindow time.Duration `mapstructure:"fast_retry_window"`
	SlowRetry       time.Duration `mapstructure:"slow_retry"`

	// Background jobs
	GeneralInterval     time.Duration `mapstructure:"general_interval"`
	PhotoInterval       time.Duration `mapstructure:"photo_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`

	PushBackoffInitial time.Duration `mapstructure:"push_backoff_initial"`
	PushBackoffMax     time.Duration `mapstructure:"push_backoff_max"`

	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// Unmetered is reported to the scheduler while online; photo uploads wait for it
	Unmetered bool `mapstructure:"unmetered"`
}

type DevServerConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("database_path", "boatsync.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("audit.path", "conflicts.log")
	v.SetDefault("audit.max_size_mb", 10)
	v.SetDefault("audit.max_backups", 3)
	v.SetDefault("audit.max_age_days", 30)

	v.SetDefault("sync.conflict_tolerance", time.Second)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.retention", 168*time.Hour)
	v.SetDefault("sync.fast_retry", 30*time.Second)
	v.SetDefault("sync.fast_retry_window", 5*time.Minute)
	v.SetDefault("sync.slow_retry", 2*time.Minute)
	v.SetDefault("sync.general_interval", 15*time.Minute)
	v.SetDefault("sync.photo_interval", 30*time.Minute)
	v.SetDefault("sync.maintenance_interval", 10*time.Minute)
	v.SetDefault("sync.cleanup_interval", 24*time.Hour)
	v.SetDefault("sync.push_backoff_initial", time.Second)
	v.SetDefault("sync.push_backoff_max", 60*time.Second)
	v.SetDefault("sync.probe_interval", 30*time.Second)
	v.SetDefault("sync.unmetered", true)

	v.SetDefault("devserver.addr", ":8080")
	v.SetDefault("devserver.jwt_secret", "")
}

// Load reads configuration. path may be empty, in which case only defaults,
// .env and the environment apply. A .env file next to the config file (or in
// the working directory) is loaded first; variables already set win.
func Load(path string) (*Config, error) {
	envPath := ".env"
	if path != "" {
		envPath = filepath.Join(filepath.Dir(path), ".env")
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url cannot be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.FastRetry <= 0 || c.Sync.SlowRetry <= 0 {
		return fmt.Errorf("sync retry intervals must be positive")
	}
	return nil
}
