package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; they take effect
// for sessions started after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged   bool
	TurnTimingChanged     bool // debounce_window, check_interval, silence_timeout or reply_timeout
	MessagesChanged       bool // check_in_message or goodbye_message
	HistoryLimitChanged   bool
	RestartRequired       bool     // a non-reloadable field changed
	RestartRequiredFields []string // which ones
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.TurnTimingChanged ||
		d.MessagesChanged || d.HistoryLimitChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ot, nt := old.Turn, new.Turn
	d.SystemPromptChanged = ot.SystemPrompt != nt.SystemPrompt
	d.TurnTimingChanged = ot.DebounceWindow != nt.DebounceWindow ||
		ot.CheckInterval != nt.CheckInterval ||
		ot.SilenceTimeout != nt.SilenceTimeout ||
		ot.ReplyTimeout != nt.ReplyTimeout
	d.MessagesChanged = ot.CheckInMessage != nt.CheckInMessage || ot.GoodbyeMessage != nt.GoodbyeMessage
	d.HistoryLimitChanged = ot.HistoryLimit != nt.HistoryLimit

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = true
			d.RestartRequiredFields = append(d.RestartRequiredFields, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.static_dir", old.Server.StaticDir != new.Server.StaticDir)
	restart("server.allowed_origins", !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("providers.llm", !entryEqual(old.Providers.LLM, new.Providers.LLM))
	restart("providers.stt", !entryEqual(old.Providers.STT, new.Providers.STT))
	restart("providers.tts", !entryEqual(old.Providers.TTS, new.Providers.TTS))
	restart("audio", old.Audio.SampleRate != new.Audio.SampleRate ||
		old.Audio.Channels != new.Audio.Channels ||
		old.Audio.OutputSampleRate != new.Audio.OutputSampleRate)
	restart("events", old.Events.Enabled != new.Events.Enabled || old.Events.Topic != new.Events.Topic)

	return d
}

// entryEqual compares the scalar fields of two provider entries. Options are
// not compared.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && a.Voice == b.Voice && a.Language == b.Language
}
