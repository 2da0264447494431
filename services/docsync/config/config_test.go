// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8600, cfg.Server.Port)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, 500, cfg.Session.CompactThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/docsync.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
storage:
  data_dir: /var/lib/docsync
session:
  compact_threshold: 50
  idle_timeout: 30s
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/var/lib/docsync", cfg.Storage.DataDir)
	assert.Equal(t, 50, cfg.Session.CompactThreshold)
	assert.Equal(t, 30*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 256, cfg.Session.SubscriberBuffer)
	assert.True(t, cfg.Storage.SyncWrites)
}

func TestLoad_SyncLimitsAndPages(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, float64(100), cfg.Sync.MessageRate)
	assert.Equal(t, 200, cfg.Sync.MessageBurst)
	assert.Empty(t, cfg.Sync.Pages)

	path := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync:
  message_rate: 25
  message_burst: 50
  pages:
    landing: doc-landing
    about: doc-about
`), 0o600))

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, float64(25), cfg.Sync.MessageRate)
	assert.Equal(t, 50, cfg.Sync.MessageBurst)
	assert.Equal(t, "doc-landing", cfg.Sync.Pages["landing"])
	assert.Equal(t, "doc-about", cfg.Sync.Pages["about"])
}

func TestLoad_FileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o600))

	t.Setenv("DOCSYNC_PORT", "9200")
	t.Setenv("DOCSYNC_LOG_LEVEL", "warn")
	t.Setenv("DOCSYNC_IDLE_TIMEOUT", "90s")
	t.Setenv("DOCSYNC_MESSAGE_RATE", "10")
	t.Setenv("DOCSYNC_MESSAGE_BURST", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 90*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, float64(10), cfg.Sync.MessageRate)
	assert.Equal(t, 20, cfg.Sync.MessageBurst)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"zero compact threshold", func(c *Config) { c.Session.CompactThreshold = 0 }},
		{"pong wait below ping interval", func(c *Config) {
			c.Sync.PingInterval = time.Minute
			c.Sync.PongWait = time.Second
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
