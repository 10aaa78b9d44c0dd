// Package config loads the client configuration from YAML or JSON5 files
// with environment variable expansion.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for the realtime client.
type Config struct {
	Push    PushConfig    `yaml:"push" json:"push"`
	API     APIConfig     `yaml:"api" json:"api"`
	Call    CallConfig    `yaml:"call" json:"call"`
	Polling PollingConfig `yaml:"polling" json:"polling"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// PushConfig configures the persistent push connection.
type PushConfig struct {
	// URL is the websocket push endpoint.
	URL string `yaml:"url" json:"url"`

	// HandshakeTimeoutMs bounds the websocket handshake.
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`

	// Reconnect governs the backoff schedule.
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`
}

// ReconnectConfig holds the backoff schedule knobs.
type ReconnectConfig struct {
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms" json:"max_delay_ms"`
	Factor      float64 `yaml:"factor" json:"factor"`
}

// APIConfig configures the signaling REST API.
type APIConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Token   string `yaml:"token" json:"token"`
}

// CallConfig configures call negotiation.
type CallConfig struct {
	// RingTimeoutMs bounds the ringing states before auto-resolution.
	RingTimeoutMs int `yaml:"ring_timeout_ms" json:"ring_timeout_ms"`
}

// PollingConfig configures the degraded-mode polling fallback.
type PollingConfig struct {
	IntervalMs    int `yaml:"interval_ms" json:"interval_ms"`
	QuietWindowMs int `yaml:"quiet_window_ms" json:"quiet_window_ms"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Push: PushConfig{
			HandshakeTimeoutMs: 15000,
			Reconnect: ReconnectConfig{
				MaxAttempts: 7,
				BaseDelayMs: 1000,
				MaxDelayMs:  60000,
				Factor:      2,
			},
		},
		Call: CallConfig{
			RingTimeoutMs: 5000,
		},
		Polling: PollingConfig{
			IntervalMs:    30000,
			QuietWindowMs: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9290",
		},
	}
}

// RingTimeout returns the ring window as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutMs) * time.Millisecond
}

// PollInterval returns the polling interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Polling.IntervalMs) * time.Millisecond
}

// QuietWindow returns the alert quiet window as a duration.
func (c *Config) QuietWindow() time.Duration {
	return time.Duration(c.Polling.QuietWindowMs) * time.Millisecond
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Push.URL) == "" {
		missing = append(missing, "push.url")
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		missing = append(missing, "api.base_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
