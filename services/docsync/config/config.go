// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

// Package config loads the server configuration with priority
// env > file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Server contains HTTP listener settings.
	Server ServerConfig `yaml:"server"`

	// Storage contains update log storage settings.
	Storage StorageConfig `yaml:"storage"`

	// Session contains document session settings.
	Session SessionConfig `yaml:"session"`

	// Sync contains websocket protocol settings.
	Sync SyncConfig `yaml:"sync"`

	// Log contains logging settings.
	Log LogConfig `yaml:"log"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gt=0,lte=65535"`
}

// StorageConfig contains update log storage settings.
type StorageConfig struct {
	// DataDir is the BadgerDB directory.
	DataDir string `yaml:"data_dir" validate:"required"`

	// SyncWrites keeps synchronous durability on. Turning it off
	// trades the crash guarantee for write latency.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is the value log garbage collection period.
	GCInterval time.Duration `yaml:"gc_interval" validate:"gt=0"`
}

// SessionConfig contains document session settings.
type SessionConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer" validate:"gt=0"`
	CompactThreshold int           `yaml:"compact_threshold" validate:"gt=0"`
	CompactInterval  time.Duration `yaml:"compact_interval" validate:"gt=0"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" validate:"gt=0"`
}

// SyncConfig contains websocket protocol settings.
type SyncConfig struct {
	PingInterval time.Duration `yaml:"ping_interval" validate:"gt=0"`
	PongWait     time.Duration `yaml:"pong_wait" validate:"gt=0"`
	WriteWait    time.Duration `yaml:"write_wait" validate:"gt=0"`

	// MessageRate limits sustained inbound messages per second per
	// connection; MessageBurst is the burst allowance.
	MessageRate  float64 `yaml:"message_rate" validate:"gt=0"`
	MessageBurst int     `yaml:"message_burst" validate:"gt=0"`

	// Pages statically binds page IDs to backing document IDs for the
	// /ws/page route. Empty means page routes answer 404.
	Pages map[string]string `yaml:"pages"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir enables JSON file logging when set.
	Dir string `yaml:"dir"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8600,
		},
		Storage: StorageConfig{
			DataDir:    "./data/docsync",
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Session: SessionConfig{
			SubscriberBuffer: 256,
			CompactThreshold: 500,
			CompactInterval:  60 * time.Second,
			IdleTimeout:      5 * time.Minute,
		},
		Sync: SyncConfig{
			PingInterval: 30 * time.Second,
			PongWait:     60 * time.Second,
			WriteWait:    10 * time.Second,
			MessageRate:  100,
			MessageBurst: 200,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load merges a YAML file (if present) and environment overrides over
// the defaults, then validates the result.
//
// Inputs:
//   - path: Config file path. Empty or missing files are fine.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file is invalid or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("DOCSYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DOCSYNC_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = i
		}
	}
	if v := os.Getenv("DOCSYNC_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("DOCSYNC_SYNC_WRITES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.SyncWrites = b
		}
	}
	if v := os.Getenv("DOCSYNC_COMPACT_THRESHOLD"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Session.CompactThreshold = i
		}
	}
	if v := os.Getenv("DOCSYNC_COMPACT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.CompactInterval = d
		}
	}
	if v := os.Getenv("DOCSYNC_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.IdleTimeout = d
		}
	}
	if v := os.Getenv("DOCSYNC_MESSAGE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sync.MessageRate = f
		}
	}
	if v := os.Getenv("DOCSYNC_MESSAGE_BURST"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MessageBurst = i
		}
	}
	if v := os.Getenv("DOCSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DOCSYNC_LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Sync.PongWait <= c.Sync.PingInterval {
		return fmt.Errorf("sync.pong_wait must exceed sync.ping_interval")
	}
	return nil
}
