package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return mustLoad(t, "")
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(t), baseConfig(t))
	if d.Changed() || d.RestartRequired {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"log level", func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			func(d config.ConfigDiff) bool { return d.LogLevelChanged && d.NewLogLevel == config.LogDebug }},
		{"system prompt", func(c *config.Config) { c.Turn.SystemPrompt = "new" },
			func(d config.ConfigDiff) bool { return d.SystemPromptChanged }},
		{"silence timeout", func(c *config.Config) { c.Turn.SilenceTimeout = config.Duration(5 * time.Second) },
			func(d config.ConfigDiff) bool { return d.TurnTimingChanged }},
		{"check-in message", func(c *config.Config) { c.Turn.CheckInMessage = "Hello?" },
			func(d config.ConfigDiff) bool { return d.MessagesChanged }},
		{"history limit", func(c *config.Config) { c.Turn.HistoryLimit = 2 },
			func(d config.ConfigDiff) bool { return d.HistoryLimitChanged }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old, new := baseConfig(t), baseConfig(t)
			tt.mutate(new)
			d := config.Diff(old, new)
			if !tt.check(d) {
				t.Errorf("unexpected diff %+v", d)
			}
			if !d.Changed() {
				t.Error("Changed() should be true")
			}
			if d.RestartRequired {
				t.Errorf("hot-reloadable change flagged restart: %v", d.RestartRequiredFields)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Providers.LLM.Model = "gpt-4o"
	new.Server.ListenAddr = ":9999"

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Fatal("expected RestartRequired")
	}
	if len(d.RestartRequiredFields) != 2 {
		t.Errorf("expected 2 restart fields, got %v", d.RestartRequiredFields)
	}
	if d.Changed() {
		t.Error("Changed() should only report hot-reloadable fields")
	}
}
