// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Tracker.ProbeTimeout)
	assert.Equal(t, 5*time.Second, cfg.Tracker.RetryInterval)
	assert.True(t, cfg.Health.Enabled)
}

func TestLoadSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "kismet.yaml", `
server_name: rooftop
log_level: debug
sources:
  - wlan0
  - "wlan1:type=linuxwifi,channels=\"1,6,11\""
drivers:
  - type: linuxwifi
    description: Linux Wi-Fi capture
    binary: /usr/bin/kismet_cap_linux_wifi
    channel_capable: true
tracker:
  probe_timeout: 3s
  retry_interval: 10s
export:
  stdout:
    enabled: true
    format: json
`)

	cfg, err := Load(filepath.Join(dir, "kismet.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "rooftop", cfg.ServerName)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Len(t, cfg.Sources, 2)
	require.Len(t, cfg.Drivers, 1)
	assert.Equal(t, "linuxwifi", cfg.Drivers[0].Type)
	assert.True(t, cfg.Drivers[0].ChannelCapable)
	assert.Equal(t, 3*time.Second, cfg.Tracker.ProbeTimeout)
	assert.Equal(t, 10*time.Second, cfg.Tracker.RetryInterval)
	assert.True(t, cfg.Export.Stdout.Enabled)
	assert.Equal(t, "json", cfg.Export.Stdout.Format)
	// Untouched sections keep defaults.
	assert.Equal(t, ":2501", cfg.Health.Addr)
}

func TestLoadDirMergesOverlays(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "log_level: warn\n")
	writeFile(t, dir, "sources.yaml", "sources:\n  - wlan0\n")
	writeFile(t, dir, "export.yaml", "export:\n  otlp:\n    enabled: true\n    endpoint: collector:4317\n")

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, []string{"wlan0"}, cfg.Sources)
	assert.True(t, cfg.Export.OTLP.Enabled)
	assert.Equal(t, "collector:4317", cfg.Export.OTLP.Endpoint)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KISMET_LOG_LEVEL", "debug")
	t.Setenv("KISMET_HEALTH_ENABLED", "false")
	t.Setenv("KISMET_TRACKER_RETRY_INTERVAL", "30s")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.Health.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Tracker.RetryInterval)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing health addr", func(c *Config) { c.Health.Addr = "" }},
		{"otlp without endpoint", func(c *Config) {
			c.Export.OTLP.Enabled = true
			c.Export.OTLP.Endpoint = ""
		}},
		{"zero probe timeout", func(c *Config) { c.Tracker.ProbeTimeout = 0 }},
		{"sub-second retry", func(c *Config) { c.Tracker.RetryInterval = 100 * time.Millisecond }},
		{"driver without type", func(c *Config) {
			c.Drivers = []DriverConfig{{Binary: "/bin/cap"}}
		}},
		{"driver without binary", func(c *Config) {
			c.Drivers = []DriverConfig{{Type: "wifi"}}
		}},
		{"duplicate driver type", func(c *Config) {
			c.Drivers = []DriverConfig{
				{Type: "wifi", Binary: "/bin/a"},
				{Type: "wifi", Binary: "/bin/b"},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/kismet.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", "sources: [unterminated\n")
	_, err := Load(filepath.Join(dir, "bad.yaml"))
	assert.Error(t, err)
}
