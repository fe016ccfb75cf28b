package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the realtime provider names that ship with
// Cadenza. Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai-realtime", "gemini-live"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued audio fields with sensible capture defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = 48000
	}
	if cfg.Audio.InputChannels == 0 {
		cfg.Audio.InputChannels = 1
	}
	if cfg.Audio.FrameMS == 0 {
		cfg.Audio.FrameMS = 20
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name — may be a typo or third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.api_key is required for %q", cfg.Provider.Name))
	}

	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must be positive", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.InputChannels < 0 || cfg.Audio.InputChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.input_channels %d must be 1 or 2", cfg.Audio.InputChannels))
	}
	if cfg.Audio.FrameMS < 0 || cfg.Audio.FrameMS > 1000 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range (0, 1000]", cfg.Audio.FrameMS))
	}

	if cfg.Session.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.max_retries %d must not be negative", cfg.Session.MaxRetries))
	}
	if cfg.Session.BackoffMS < 0 || cfg.Session.MaxBackoffMS < 0 {
		errs = append(errs, errors.New("session backoff values must not be negative"))
	}
	if cfg.Session.BackoffMS > 0 && cfg.Session.MaxBackoffMS > 0 && cfg.Session.BackoffMS > cfg.Session.MaxBackoffMS {
		errs = append(errs, fmt.Errorf("session.backoff_ms %d exceeds session.max_backoff_ms %d", cfg.Session.BackoffMS, cfg.Session.MaxBackoffMS))
	}

	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; transcripts will not be persisted")
	}

	return errors.Join(errs...)
}
