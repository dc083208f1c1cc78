package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Sample-rate bounds accepted for linear16 streaming audio.
const (
	minSampleRate = 8000
	maxSampleRate = 48000
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables. Secrets belong
// in the environment, not on disk.
func applyEnv(cfg *Config) {
	if key := os.Getenv("DEEPGRAM_API_KEY"); key != "" {
		cfg.Deepgram.APIKey = key
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Deepgram.APIKey == "" {
		errs = append(errs, errors.New("deepgram.api_key is required (or set DEEPGRAM_API_KEY)"))
	}
	if sr := cfg.Deepgram.SampleRate; sr != 0 && (sr < minSampleRate || sr > maxSampleRate) {
		errs = append(errs, fmt.Errorf("deepgram.sample_rate %d is out of range [%d, %d]", sr, minSampleRate, maxSampleRate))
	}

	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"session.connect_timeout", cfg.Session.ConnectTimeout},
		{"session.keepalive_period", cfg.Session.KeepAlivePeriod},
		{"session.finalize_wait", cfg.Session.FinalizeWait},
		{"session.idle_timeout", cfg.Session.IdleTimeout},
		{"session.hard_timeout", cfg.Session.HardTimeout},
		{"session.sweep_period", cfg.Session.SweepPeriod},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}

	return errors.Join(errs...)
}
