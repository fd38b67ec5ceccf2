// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the voice relay.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the relay.
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

// SlogLevel maps l to a slog level; unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration is a time.Duration that decodes from YAML strings such as "1s"
// or "300ms".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Turn      TurnConfig      `yaml:"turn"`
	Audio     AudioConfig     `yaml:"audio"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// StaticDir, when set, is served at "/" (the browser client build).
	StaticDir string `yaml:"static_dir"`

	// AllowedOrigins lists host patterns (e.g. "*.example.com" or "*") that
	// may open cross-origin WebSocket connections. Same-origin clients are
	// always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	// LLMFallbacks are tried in order when the primary LLM fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// TTSFallbacks are tried in order when the primary TTS fails.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-3.5-turbo", "nova-2").
	Model string `yaml:"model"`

	// Voice selects a TTS voice. Ignored by other kinds.
	Voice string `yaml:"voice"`

	// Language is a provider language code ("en-US" for deepgram, "en" for gtts).
	Language string `yaml:"language"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// TurnConfig tunes the turn-taking pipeline.
type TurnConfig struct {
	// SystemPrompt is the fixed first message of every chat request.
	SystemPrompt string `yaml:"system_prompt"`

	// DebounceWindow is the quiet period before a final utterance is committed.
	DebounceWindow Duration `yaml:"debounce_window"`

	// CheckInterval is how often the silence watchdog wakes up.
	CheckInterval Duration `yaml:"check_interval"`

	// SilenceTimeout is the inactivity span that triggers an escalation.
	SilenceTimeout Duration `yaml:"silence_timeout"`

	// CheckInMessage is delivered on the first silence escalation.
	CheckInMessage string `yaml:"check_in_message"`

	// GoodbyeMessage is delivered when the session ends for inactivity.
	GoodbyeMessage string `yaml:"goodbye_message"`

	// HistoryLimit caps the number of user/assistant messages kept.
	HistoryLimit int `yaml:"history_limit"`

	// ReplyTimeout bounds one chat+speech round trip. Zero disables it.
	ReplyTimeout Duration `yaml:"reply_timeout"`
}

// AudioConfig describes the PCM stream fed to the recognizer and the local
// speaker format.
type AudioConfig struct {
	SampleRate       int      `yaml:"sample_rate"`
	Channels         int      `yaml:"channels"`
	Encoding         string   `yaml:"encoding"`
	Punctuate        *bool    `yaml:"punctuate"`
	Endpointing      Duration `yaml:"endpointing"`
	OutputSampleRate int      `yaml:"output_sample_rate"`
}

// PunctuateEnabled reports whether recognizer punctuation is on (default true).
func (a AudioConfig) PunctuateEnabled() bool {
	return a.Punctuate == nil || *a.Punctuate
}

// EventsConfig configures the Kafka turn-event publisher.
type EventsConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	Principal string   `yaml:"principal"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	MetricsEnabled *bool  `yaml:"metrics_enabled"`

	// TraceSampleRatio is the fraction of new traces kept; 0 keeps all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// MetricsOn reports whether /metrics is served (default true).
func (t TelemetryConfig) MetricsOn() bool {
	return t.MetricsEnabled == nil || *t.MetricsEnabled
}
