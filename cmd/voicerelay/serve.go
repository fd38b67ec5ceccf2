package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicerelay/internal/app"
	"github.com/MrWong99/voicerelay/internal/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve browser clients over WebSocket",
		Long: `Serve the relay on server.listen_addr.

Clients connect to /ws and send text frames (typed or locally recognized
speech) or binary frames (16-bit PCM for the server-side recognizer). Every
reply arrives as {"type":"reply","text":...,"audio":<base64>}.

Also served: /healthz, /readyz, /sessions, /metrics and, when
server.static_dir is set, the browser client at /.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			printStartupSummary(cmd.OutOrStdout(), rt.cfg)

			application, err := app.New(ctx, rt.cfg, rt.providers, rt.appOptions()...)
			if err != nil {
				return fmt.Errorf("initialise application: %w", err)
			}

			go reloadOnHangup(ctx, application, rt.log)

			rt.log.Info("server ready, press Ctrl+C to shut down")
			// Run shuts the application down itself once ctx is cancelled.
			if err := application.Run(ctx); err != nil {
				return err
			}
			rt.log.Info("goodbye")
			return nil
		},
	}
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, a *app.App, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			switch err := a.ReloadConfig(); {
			case err == nil:
			case errors.Is(err, config.ErrUnchanged):
				log.Info("SIGHUP: configuration unchanged")
			default:
				log.Warn("SIGHUP: reload failed", "err", err)
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       voicerelay startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider(w, "STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider(w, "TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printRow(w, "Fallbacks", fmt.Sprintf("%d llm / %d tts", len(cfg.Providers.LLMFallbacks), len(cfg.Providers.TTSFallbacks)))
	printRow(w, "Silence", cfg.Turn.SilenceTimeout.String())
	printRow(w, "Debounce", cfg.Turn.DebounceWindow.String())
	if cfg.Events.Enabled {
		printRow(w, "Events", cfg.Events.Topic)
	} else {
		printRow(w, "Events", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(w, kind, value)
}

func printRow(w io.Writer, label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}
