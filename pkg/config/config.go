// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raimundojimenez/kismet/pkg/export"
)

// Config is the top-level configuration for the capture server.
type Config struct {
	ServerName string `yaml:"server_name" env:"KISMET_SERVER_NAME"`
	LogLevel   string `yaml:"log_level" env:"KISMET_LOG_LEVEL"`

	LogFile LogFileConfig  `yaml:"log_file"`
	Drivers []DriverConfig `yaml:"drivers"`
	Sources []string       `yaml:"sources"`
	Tracker TrackerConfig  `yaml:"tracker"`
	Export  export.Config  `yaml:"export"`
	Health  HealthConfig   `yaml:"health"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// DriverConfig declares an external capture driver backed by a binary
// speaking the framed capture protocol on stdio.
type DriverConfig struct {
	Type           string   `yaml:"type"`
	Description    string   `yaml:"description"`
	Binary         string   `yaml:"binary"`
	Args           []string `yaml:"args"`
	ChannelCapable bool     `yaml:"channel_capable"`
}

// LogFileConfig adds a rotating file sink next to stderr logging.
type LogFileConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TrackerConfig tunes the source tracker timers.
type TrackerConfig struct {
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ListTimeout   time.Duration `yaml:"list_timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" env:"KISMET_HEALTH_ADDR"`
}

// MetricsConfig configures the child-process metrics collector.
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		ServerName: "kismet",
		LogLevel:   "info",
		LogFile: LogFileConfig{
			Path:       "/var/log/kismet/kismet.log",
			MaxSizeMB:  64,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Tracker: TrackerConfig{
			ProbeTimeout:  5 * time.Second,
			ListTimeout:   5 * time.Second,
			RetryInterval: 5 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":2501",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Interval: 15 * time.Second,
		},
	}
	cfg.Export.OTLP.Endpoint = "localhost:4317"
	cfg.Export.OTLP.Insecure = true
	return cfg
}

// LoadDir loads section-specific YAML files from a directory and merges
// them into a single Config. Expected files:
//   - base.yaml    → server_name, log_level, log_file, health, metrics
//   - sources.yaml → drivers, sources, tracker
//   - export.yaml  → export
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "sources.yaml", "export.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadFileInto reads a YAML file into an existing Config, overwriting only
// the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads KISMET_* environment variables and applies them
// over the YAML values.
func (c *Config) ApplyEnvOverrides() {
	stringOverrides := map[string]func(string){
		"KISMET_SERVER_NAME":          func(v string) { c.ServerName = v },
		"KISMET_LOG_LEVEL":            func(v string) { c.LogLevel = v },
		"KISMET_HEALTH_ADDR":          func(v string) { c.Health.Addr = v },
		"KISMET_EXPORT_OTLP_ENDPOINT": func(v string) { c.Export.OTLP.Endpoint = v },
	}
	boolOverrides := map[string]*bool{
		"KISMET_HEALTH_ENABLED":      &c.Health.Enabled,
		"KISMET_METRICS_ENABLED":     &c.Metrics.Enabled,
		"KISMET_EXPORT_OTLP_ENABLED": &c.Export.OTLP.Enabled,
	}
	durationOverrides := map[string]*time.Duration{
		"KISMET_TRACKER_RETRY_INTERVAL": &c.Tracker.RetryInterval,
		"KISMET_TRACKER_PROBE_TIMEOUT":  &c.Tracker.ProbeTimeout,
	}

	for key, set := range stringOverrides {
		if v := os.Getenv(key); v != "" {
			set(v)
		}
	}
	for key, target := range boolOverrides {
		if v := os.Getenv(key); v != "" {
			*target = parseBool(v)
		}
	}
	for key, target := range durationOverrides {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*target = d
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}
	if c.Export.OTLP.Enabled && c.Export.OTLP.Endpoint == "" {
		return fmt.Errorf("export.otlp.endpoint is required when OTLP export is enabled")
	}
	if c.Tracker.ProbeTimeout <= 0 {
		return fmt.Errorf("tracker.probe_timeout must be positive")
	}
	if c.Tracker.RetryInterval < time.Second {
		return fmt.Errorf("tracker.retry_interval must be at least 1s")
	}
	seen := make(map[string]bool, len(c.Drivers))
	for _, d := range c.Drivers {
		if d.Type == "" {
			return fmt.Errorf("driver entry missing type")
		}
		if d.Binary == "" {
			return fmt.Errorf("driver %q missing binary", d.Type)
		}
		if seen[d.Type] {
			return fmt.Errorf("driver %q declared twice", d.Type)
		}
		seen[d.Type] = true
	}
	return nil
}
