// Command voicerelay is the entry point for the voice chat relay.
//
// Usage:
//
//	voicerelay [--config path] <command>
//
// Commands:
//
//	serve   - serve browser clients over WebSocket (default)
//	mic     - talk to the assistant through the local microphone and speaker
//	version - print the build version
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicerelay/internal/app"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "voicerelay:", err)
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags shared by all commands.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "voicerelay",
		Short: "Voice chat relay: speech-to-text, chat completion, text-to-speech",
		Long: `voicerelay relays a spoken conversation between a client and a chat model.

Speech is transcribed by a streaming recognizer, final utterances are
debounced and answered by the chat model, and every answer is sent back as
text plus synthesized speech. A silent client is asked whether it is still
there and disconnected after a second silent period.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	serve := newServeCmd(opts)
	root.AddCommand(serve, newMicCmd(opts), newVersionCmd())
	root.RunE = serve.RunE
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voicerelay %s\n", version)
		},
	}
}

// runtime is everything a command needs after the shared startup steps.
type runtime struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
	level      *slog.LevelVar
	providers  *app.Providers

	// shutdownTelemetry flushes the OTel providers.
	shutdownTelemetry func(context.Context) error
}

// bootstrap loads the configuration, installs the logger and telemetry, and
// builds the providers. Missing credentials abort startup.
func bootstrap(ctx context.Context, opts *rootOptions) (*runtime, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	log, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(log)

	if err := config.CheckCredentials(cfg); err != nil {
		return nil, fmt.Errorf("missing credentials:\n%w", err)
	}

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg, log)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, err
	}

	rt := &runtime{
		cfg:               cfg,
		log:               log,
		level:             level,
		providers:         providers,
		shutdownTelemetry: shutdownTelemetry,
	}
	// Only an existing file can be watched for changes.
	if _, err := os.Stat(opts.configPath); err == nil {
		rt.configPath = opts.configPath
	} else if !errors.Is(err, fs.ErrNotExist) {
		log.Warn("config file not watched", "path", opts.configPath, "err", err)
	}
	return rt, nil
}

// appOptions returns the App options common to every command.
func (rt *runtime) appOptions() []app.Option {
	opts := []app.Option{
		app.WithLogger(rt.log),
		app.WithLevelVar(rt.level),
	}
	if rt.configPath != "" {
		opts = append(opts, app.WithConfigPath(rt.configPath))
	}
	return opts
}

func (rt *runtime) close(ctx context.Context) {
	if err := rt.shutdownTelemetry(ctx); err != nil {
		rt.log.Warn("telemetry shutdown", "err", err)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level can be changed at
// runtime through the returned LevelVar.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level.SlogLevel())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}
