// Package config loads the optional YAML configuration file. Flags and
// environment variables resolved in cmd/server take precedence over file
// values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the relay listener.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// MetricsConfig configures the metrics side listener. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// RelayConfig tunes the pipe engine. Zero values keep the engine defaults.
type RelayConfig struct {
	// SinkDepth is the per-receiver chunk queue length.
	SinkDepth int `yaml:"sink_depth"`
	// CopyBufferSize bounds a single read from the source body, in bytes.
	CopyBufferSize int `yaml:"copy_buffer_size"`
}

// LoggingConfig configures structured logging. Enabled defaults to true when
// the section is omitted.
type LoggingConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates the listener configuration.
func (s *ServerConfig) Validate() error {
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be provided together")
	}
	return nil
}

// Validate validates the relay tuning.
func (r *RelayConfig) Validate() error {
	if r.SinkDepth < 0 {
		return fmt.Errorf("sink_depth must not be negative, got %d", r.SinkDepth)
	}
	if r.CopyBufferSize < 0 {
		return fmt.Errorf("copy_buffer_size must not be negative, got %d", r.CopyBufferSize)
	}
	return nil
}

// Validate validates the logging configuration.
func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	switch l.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("format must be 'json' or 'text', got %q", l.Format)
	}
	return nil
}

// LoggingEnabled reports the logging toggle, defaulting to on.
func (c *Config) LoggingEnabled() bool {
	if c == nil || c.Logging.Enabled == nil {
		return true
	}
	return *c.Logging.Enabled
}
