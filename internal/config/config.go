// Package config provides the configuration schema and loader for the STT
// relay service.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s" or
// "100ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogLevel controls log verbosity for the relay server.
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

// Config is the root configuration structure for the relay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DeepgramConfig holds the upstream transcription provider settings.
type DeepgramConfig struct {
	// APIKey is the Deepgram API key. The DEEPGRAM_API_KEY environment
	// variable takes precedence when set, so keys never need to live in the
	// config file.
	APIKey string `yaml:"api_key"`

	// Endpoint overrides the default streaming endpoint. Leave empty for the
	// hosted API.
	Endpoint string `yaml:"endpoint"`

	// Model selects the recognition model (e.g., "nova-3").
	Model string `yaml:"model"`

	// Language is the default BCP-47 recognition language.
	Language string `yaml:"language"`

	// SampleRate is the default audio sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`
}

// SessionConfig holds session lifecycle tuning. Zero values take the built-in
// defaults; these knobs exist for operators debugging provider behaviour, not
// for routine use.
type SessionConfig struct {
	// ConnectTimeout bounds a single upstream connection attempt.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// KeepAlivePeriod is the keepalive frame interval.
	KeepAlivePeriod Duration `yaml:"keepalive_period"`

	// FinalizeWait bounds the metadata wait during transcript finalization.
	FinalizeWait Duration `yaml:"finalize_wait"`

	// IdleTimeout ends sessions with no caller activity for this long.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// HardTimeout ends sessions older than this regardless of activity.
	HardTimeout Duration `yaml:"hard_timeout"`

	// SweepPeriod is the interval of the stale-session sweep.
	SweepPeriod Duration `yaml:"sweep_period"`
}
