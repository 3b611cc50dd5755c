// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the sync service configuration from
// YAML, with environment-variable overrides and optional hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// validate is the shared validator instance for config structs.
var validate = validator.New()

// ServerConfig holds the HTTP/websocket listener settings.
type ServerConfig struct {
	Host        string `yaml:"host" validate:"required"`
	Port        int    `yaml:"port" validate:"gt=0,lte=65535"`
	MetricsPort int    `yaml:"metrics_port" validate:"gte=0,lte=65535"`
}

// SyncConfig tunes the broadcaster, connection manager, and workflow
// background behavior. Defaults match the documented engine behavior; they
// are configurable mainly so tests and small deployments can shrink the
// intervals.
type SyncConfig struct {
	// RetryInterval is how often the durable-queue retry sweep runs.
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gt=0"`

	// MaxRetries is the delivery attempt ceiling before a queued message
	// is dropped and counted as failed.
	MaxRetries int `yaml:"max_retries" validate:"gt=0"`

	// HealthCheckInterval is how often connections are pinged.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" validate:"gt=0"`

	// MaxMissedPings is the consecutive-miss ceiling before eviction.
	MaxMissedPings int `yaml:"max_missed_pings" validate:"gt=0"`

	// HistoryPruneInterval is how often stale change history is pruned.
	HistoryPruneInterval time.Duration `yaml:"history_prune_interval" validate:"gt=0"`

	// HistoryMaxAge is the inactivity window after which an entity's
	// change history is discarded.
	HistoryMaxAge time.Duration `yaml:"history_max_age" validate:"gt=0"`

	// MaxVersionsPerEntity caps each entity's retained change history.
	MaxVersionsPerEntity int `yaml:"max_versions_per_entity" validate:"gt=0"`

	// SessionSweepInterval is how often expired resolution sessions are
	// removed.
	SessionSweepInterval time.Duration `yaml:"session_sweep_interval" validate:"gt=0"`

	// DegradedQueueThreshold is the pending-message count above which a
	// project's sync health reports degraded.
	DegradedQueueThreshold int `yaml:"degraded_queue_threshold" validate:"gt=0"`

	// SendRateLimit caps outbound frames per second per connection.
	// Zero disables rate limiting.
	SendRateLimit float64 `yaml:"send_rate_limit" validate:"gte=0"`
}

// ArchiveConfig controls the embedded resolved-conflict archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// ClassifierConfig controls the optional LLM-backed semantic conflict
// classifier. When disabled, the heuristic classifier is used.
type ClassifierConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Config is the root configuration for the sync service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sync       SyncConfig       `yaml:"sync"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	LogLevel   string           `yaml:"log_level"`
	LogDir     string           `yaml:"log_dir"`
}

// DefaultConfig returns production defaults. All documented engine
// behavior (5s retry sweep, retry ceiling 5, 30s health checks, 3 missed
// pings, 10 retained versions, 24h history age, 100 pending degraded
// threshold) originates here.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        12300,
			MetricsPort: 9464,
		},
		Sync: SyncConfig{
			RetryInterval:          5 * time.Second,
			MaxRetries:             5,
			HealthCheckInterval:    30 * time.Second,
			MaxMissedPings:         3,
			HistoryPruneInterval:   60 * time.Second,
			HistoryMaxAge:          24 * time.Hour,
			MaxVersionsPerEntity:   10,
			SessionSweepInterval:   60 * time.Second,
			DegradedQueueThreshold: 100,
			SendRateLimit:          0,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Path:    "",
		},
		Classifier: ClassifierConfig{
			Enabled: false,
			Model:   "gpt-4o-mini",
		},
		Telemetry: telemetry.DefaultConfig(),
		LogLevel:  "info",
	}
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides, and validates the result.
//
// Environment overrides:
//   - ALEUTIAN_SYNC_HOST, ALEUTIAN_SYNC_PORT, ALEUTIAN_SYNC_METRICS_PORT
//   - ALEUTIAN_SYNC_LOG_LEVEL, ALEUTIAN_SYNC_LOG_DIR
//   - ALEUTIAN_SYNC_ARCHIVE_PATH (implies Archive.Enabled)
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("invalid config: archive enabled without a path")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.Port {
		return fmt.Errorf("invalid config: metrics port collides with server port")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALEUTIAN_SYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("ALEUTIAN_SYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ALEUTIAN_SYNC_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("ALEUTIAN_SYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ALEUTIAN_SYNC_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("ALEUTIAN_SYNC_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Enabled = true
		cfg.Archive.Path = v
	}
}
