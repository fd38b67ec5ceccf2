package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/events"
	llmmock "github.com/MrWong99/voicerelay/pkg/provider/llm/mock"
)

func newReloadApp(t *testing.T, level *slog.LevelVar) (*App, *config.Config) {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	a, err := New(context.Background(), cfg, &Providers{LLM: &llmmock.Provider{}},
		WithLevelVar(level),
		WithEventPublisher(events.New(config.EventsConfig{})),
	)
	if err != nil {
		t.Fatal(err)
	}
	return a, cfg
}

func TestOnConfigChange_AppliesTurnSettingsAndLevel(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	a, old := newReloadApp(t, &level)

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Turn.SystemPrompt = "Be brief."
	a.onConfigChange(old, &updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := a.Sessions().Config(); got != &updated {
		t.Error("session manager did not receive the new config")
	}
}

func TestOnConfigChange_RestartOnlyKeepsSnapshot(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	a, old := newReloadApp(t, &level)

	updated := *old
	updated.Server.ListenAddr = ":9999"
	a.onConfigChange(old, &updated)

	if got := a.Sessions().Config(); got != old {
		t.Error("restart-only change should not replace the config snapshot")
	}
	if level.Level() != slog.LevelInfo {
		t.Errorf("level = %v, want info", level.Level())
	}
}

func TestReloadConfig(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	a, _ := newReloadApp(t, &level)
	if err := a.ReloadConfig(); !errors.Is(err, ErrNoConfigFile) {
		t.Fatalf("ReloadConfig without file = %v, want ErrNoConfigFile", err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("turn:\n  system_prompt: \"One.\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err = New(context.Background(), cfg, &Providers{LLM: &llmmock.Provider{}},
		WithConfigPath(path),
		WithLevelVar(&level),
		WithEventPublisher(events.New(config.EventsConfig{})),
	)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("turn:\n  system_prompt: \"Two.\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := a.ReloadConfig(); err != nil {
		t.Fatalf("ReloadConfig: %v", err)
	}
	if got := a.Sessions().Config().Turn.SystemPrompt; got != "Two." {
		t.Errorf("system prompt after reload = %q, want %q", got, "Two.")
	}
}
