// Package config provides the configuration schema, loader, and provider
// registry for the Cadenza voice client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Cadenza.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Audio    AudioConfig   `yaml:"audio"`
	Session  SessionConfig `yaml:"session"`
	History  HistoryConfig `yaml:"history"`
}

// ServerConfig holds the metrics/health endpoint and logging settings.
type ServerConfig struct {
	// MetricsAddr is the TCP address the metrics and health HTTP server
	// listens on (e.g., ":9090"). Empty disables the server.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the realtime speech provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "openai-realtime", "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gpt-4o-realtime-preview").
	Model string `yaml:"model"`

	// Voice selects the provider's synthesis voice (e.g., "alloy", "Puck").
	Voice string `yaml:"voice"`

	// Instructions is the system prompt sent at session setup.
	Instructions string `yaml:"instructions"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig holds microphone capture and speaker playback settings.
type AudioConfig struct {
	// InputDevice is the capture device passed to ffmpeg. Empty selects the
	// platform default (ALSA "default", avfoundation ":0", dshow default).
	InputDevice string `yaml:"input_device"`

	// InputSampleRate is the capture rate in Hz. Defaults to 48000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// InputChannels is the capture channel count (1 or 2). Defaults to 1.
	InputChannels int `yaml:"input_channels"`

	// FrameMS is the capture frame duration in milliseconds. Defaults to 20.
	FrameMS int `yaml:"frame_ms"`
}

// FrameDuration returns the configured capture frame length.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameMS) * time.Millisecond
}

// SessionConfig holds reconnect behaviour for the live session.
type SessionConfig struct {
	// MaxRetries is the number of consecutive failed connection attempts
	// tolerated before the session enters the error state. 0 uses the default.
	MaxRetries int `yaml:"max_retries"`

	// BackoffMS is the initial reconnect backoff in milliseconds; it doubles
	// per failed attempt up to MaxBackoffMS. 0 uses the defaults.
	BackoffMS    int `yaml:"backoff_ms"`
	MaxBackoffMS int `yaml:"max_backoff_ms"`
}

// HistoryConfig configures optional transcript persistence.
type HistoryConfig struct {
	// PostgresDSN is the connection string for the transcript archive.
	// Empty disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}
