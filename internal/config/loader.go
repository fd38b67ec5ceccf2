package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicerelay/internal/turn"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8000"
	DefaultLLMModel       = "gpt-3.5-turbo"
	DefaultSTTModel       = "nova-2"
	DefaultSTTLanguage    = "en-US"
	DefaultTTSLanguage    = "en"
	DefaultSystemPrompt   = "You are a helpful AI assistant specialized in speech-to-text applications. Always provide accurate, concise, and friendly responses."
	DefaultCheckInMessage = "Are you speaking? I haven't heard from you in a while."
	DefaultGoodbyeMessage = "Ending session due to inactivity."
	DefaultHistoryLimit   = 40
	DefaultEventsTopic    = "voicerelay.turns"
	DefaultServiceName    = "voicerelay"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"gtts", "elevenlabs"},
}

// LookupFunc matches the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and validates the result. An empty path or a
// missing file yields the defaults plus environment.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Info("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			data = b
		}
	}
	cfg, err := loadBytes(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment variables are not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte, lookup LookupFunc) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, lookup)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays process environment onto cfg. Non-empty variables win
// over file values:
//
//	OPENAI_API_KEY     providers.llm.api_key (llm "openai" or unset)
//	DEEPGRAM_API_KEY   providers.stt.api_key (stt "deepgram" or unset)
//	ELEVENLABS_API_KEY providers.tts.api_key (tts "elevenlabs")
//	PORT               server.listen_addr = ":$PORT"
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	if v := get("OPENAI_API_KEY"); v != "" && (cfg.Providers.LLM.Name == "" || cfg.Providers.LLM.Name == "openai") {
		cfg.Providers.LLM.APIKey = v
	}
	if v := get("DEEPGRAM_API_KEY"); v != "" && (cfg.Providers.STT.Name == "" || cfg.Providers.STT.Name == "deepgram") {
		cfg.Providers.STT.APIKey = v
	}
	if v := get("ELEVENLABS_API_KEY"); v != "" && cfg.Providers.TTS.Name == "elevenlabs" {
		cfg.Providers.TTS.APIKey = v
	}
	if v := get("PORT"); v != "" {
		cfg.Server.ListenAddr = ":" + v
	}
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	setStr := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}
	setDur := func(dst *Duration, v time.Duration) {
		if *dst == 0 {
			*dst = Duration(v)
		}
	}

	setStr(&cfg.Server.ListenAddr, DefaultListenAddr)
	setStr((*string)(&cfg.Server.LogLevel), string(LogInfo))

	p := &cfg.Providers
	setStr(&p.LLM.Name, "openai")
	if p.LLM.Name == "openai" {
		setStr(&p.LLM.Model, DefaultLLMModel)
	}
	setStr(&p.STT.Name, "deepgram")
	setStr(&p.STT.Model, DefaultSTTModel)
	setStr(&p.STT.Language, DefaultSTTLanguage)
	setStr(&p.TTS.Name, "gtts")
	if p.TTS.Name == "gtts" {
		setStr(&p.TTS.Language, DefaultTTSLanguage)
	}

	t := &cfg.Turn
	setStr(&t.SystemPrompt, DefaultSystemPrompt)
	setDur(&t.DebounceWindow, turn.DefaultDebounceWindow)
	setDur(&t.CheckInterval, turn.DefaultCheckInterval)
	setDur(&t.SilenceTimeout, turn.DefaultSilenceTimeout)
	setStr(&t.CheckInMessage, DefaultCheckInMessage)
	setStr(&t.GoodbyeMessage, DefaultGoodbyeMessage)
	setInt(&t.HistoryLimit, DefaultHistoryLimit)
	setDur(&t.ReplyTimeout, 30*time.Second)

	a := &cfg.Audio
	setInt(&a.SampleRate, 16000)
	setInt(&a.Channels, 1)
	setStr(&a.Encoding, "linear16")
	setDur(&a.Endpointing, 300*time.Millisecond)
	setInt(&a.OutputSampleRate, 24000)

	setStr(&cfg.Events.Topic, DefaultEventsTopic)
	setStr(&cfg.Events.Principal, DefaultServiceName)
	setStr(&cfg.Telemetry.ServiceName, DefaultServiceName)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}

	t := cfg.Turn
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"turn.debounce_window", t.DebounceWindow},
		{"turn.check_interval", t.CheckInterval},
		{"turn.silence_timeout", t.SilenceTimeout},
		{"turn.reply_timeout", t.ReplyTimeout},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", d.name, d.v))
		}
	}
	if t.CheckInterval > 0 && t.SilenceTimeout > 0 && t.CheckInterval > t.SilenceTimeout {
		errs = append(errs, fmt.Errorf("turn.check_interval %s must not exceed turn.silence_timeout %s", t.CheckInterval, t.SilenceTimeout))
	}
	if t.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("turn.history_limit must not be negative, got %d", t.HistoryLimit))
	}
	if t.HistoryLimit%2 != 0 {
		errs = append(errs, fmt.Errorf("turn.history_limit must be even (whole user/assistant pairs), got %d", t.HistoryLimit))
	}

	a := cfg.Audio
	if a.SampleRate < 0 || a.OutputSampleRate < 0 {
		errs = append(errs, errors.New("audio sample rates must not be negative"))
	}
	if a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels must be 1 or 2, got %d", a.Channels))
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio must be within [0, 1], got %g", r))
	}

	if cfg.Events.Enabled && len(cfg.Events.Brokers) == 0 {
		errs = append(errs, errors.New("events.brokers is required when events.enabled is true"))
	}

	return errors.Join(errs...)
}

// CheckCredentials reports every provider that needs an API key but has none.
// Each problem is a *turn.ConfigurationError; the result is nil when all
// credentials are present.
func CheckCredentials(cfg *Config) error {
	var errs []error
	need := func(field string, e ProviderEntry, names ...string) {
		if slices.Contains(names, e.Name) && e.APIKey == "" {
			errs = append(errs, &turn.ConfigurationError{
				Field:  field,
				Reason: fmt.Sprintf("%s requires an API key", e.Name),
			})
		}
	}
	need("providers.llm.api_key", cfg.Providers.LLM, "openai")
	need("providers.stt.api_key", cfg.Providers.STT, "deepgram")
	need("providers.tts.api_key", cfg.Providers.TTS, "elevenlabs")
	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
