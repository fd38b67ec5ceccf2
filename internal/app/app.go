// Package app wires the voicerelay subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and WebSocket clients until the context ends,
// and Shutdown drains sessions and tears everything down in order.
//
// For testing, inject doubles via functional options (WithListener,
// WithEventPublisher, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/events"
	"github.com/MrWong99/voicerelay/internal/health"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/relay"
	"github.com/MrWong99/voicerelay/internal/turn"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// DefaultShutdownTimeout bounds Shutdown when Run stops on context
// cancellation.
const DefaultShutdownTimeout = 15 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// Names labels metrics and logs with the configured backend names.
	Names turn.ProviderNames
}

// App owns all subsystem lifetimes of the relay.
type App struct {
	cfg        *config.Config
	providers  *Providers
	log        *slog.Logger
	metrics    *observe.Metrics
	level      *slog.LevelVar
	configPath string
	clock      turn.Clock

	sessions    *SessionManager
	events      *events.Publisher
	health      *health.Handler
	metricsHTTP http.Handler
	handler     http.Handler
	server      *http.Server
	listener    net.Listener
	watcher     *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload by watching the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithEventPublisher injects a turn-event publisher instead of creating one
// from config. The caller starts it; Shutdown closes it.
func WithEventPublisher(p *events.Publisher) Option {
	return func(a *App) { a.events = p }
}

// WithMetricsHandler replaces the Prometheus handler served at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHTTP = h }
}

// WithClock sets the clock of every session. Default: the system clock.
func WithClock(c turn.Clock) Option {
	return func(a *App) { a.clock = c }
}

// availability is implemented by failover chains that can report whether
// any backend still accepts calls.
type availability interface {
	Available() bool
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New fails with a *turn.ConfigurationError when no chat provider is set:
// nothing could answer a client.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, &turn.ConfigurationError{Field: "providers.llm", Reason: "no chat-completion provider configured"}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Turn events ───────────────────────────────────────────────────
	if a.events == nil {
		a.events = events.New(cfg.Events,
			events.WithLogger(a.log.With("component", "events")),
			events.WithMetrics(a.metrics),
		)
		a.events.Start(context.WithoutCancel(ctx))
	}
	a.closers = append(a.closers, a.events.Close)

	// ── 2. Sessions ──────────────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Observers: []func(turn.Event){a.events.Observe},
		Metrics:   a.metrics,
		Logger:    a.log,
		Clock:     a.clock,
	})

	// ── 3. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.Configured("providers", "chat-completion provider missing", func() bool {
			return a.providers.LLM != nil
		}),
		health.Configured("llm_breakers", "every chat-completion backend is tripped", func() bool {
			av, ok := a.providers.LLM.(availability)
			return !ok || av.Available()
		}),
	)

	// ── 4. Config hot reload ─────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange,
			config.WithLogger(a.log.With("component", "config")))
		if err != nil {
			return nil, fmt.Errorf("app: config watcher: %w", err)
		}
		a.watcher = w
	}

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// routes builds the HTTP mux. Everything except the WebSocket endpoint goes
// through the observability middleware.
func (a *App) routes() http.Handler {
	ws := relay.NewHandler(a.startRelaySession,
		relay.WithLogger(a.log.With("component", "relay")),
		relay.WithMetrics(a.metrics),
		relay.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	)

	api := http.NewServeMux()
	a.health.Register(api)
	api.HandleFunc("GET /sessions", a.handleSessions)
	if a.cfg.Telemetry.MetricsOn() {
		h := a.metricsHTTP
		if h == nil {
			h = promhttp.Handler()
		}
		api.Handle("GET /metrics", h)
	}
	if dir := a.cfg.Server.StaticDir; dir != "" {
		api.Handle("GET /", http.FileServer(http.Dir(dir)))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws)
	mux.Handle("/", observe.Middleware(a.metrics, a.log.With("component", "http"))(api))
	return mux
}

func (a *App) startRelaySession(ctx context.Context, remoteAddr string, sink turn.Sink) (*turn.Session, error) {
	return a.sessions.Start(ctx, StartRequest{
		Kind:       KindWebSocket,
		RemoteAddr: remoteAddr,
		Sink:       sink,
	})
}

// handleSessions lists live sessions as JSON.
func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Count    int           `json:"count"`
		Sessions []SessionInfo `json:"sessions"`
	}{
		Count:    a.sessions.Count(),
		Sessions: a.sessions.List(),
	})
}

// onConfigChange applies hot-reloadable settings. New sessions pick up the
// new turn settings; running sessions keep theirs.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.Changed() {
		a.sessions.SetConfig(new)
		a.log.Info("configuration reloaded",
			"system_prompt", d.SystemPromptChanged,
			"turn_timing", d.TurnTimingChanged,
			"messages", d.MessagesChanged,
			"history_limit", d.HistoryLimitChanged,
		)
	}
	if d.RestartRequired {
		a.log.Warn("configuration change needs a restart to take effect", "fields", d.RestartRequiredFields)
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager. The mic command uses it to run a
// local session next to the relay's.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves clients and blocks until ctx is cancelled or the server fails.
// When ctx ends, Run calls Shutdown with [DefaultShutdownTimeout].
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ErrNoConfigFile is returned by [App.ReloadConfig] when the relay was not
// started from a config file.
var ErrNoConfigFile = errors.New("app: no config file to reload")

// ReloadConfig re-reads the config file immediately instead of waiting for
// the next poll. Changes apply exactly as a polled reload would.
func (a *App) ReloadConfig() error {
	if a.watcher == nil {
		return ErrNoConfigFile
	}
	return a.watcher.Reload()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the relay as draining, stops accepting connections, closes
// live sessions, and runs the closers. It respects the context deadline: if
// ctx expires, remaining steps are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Count())
		a.health.SetDraining(true)

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if err := a.sessions.CloseAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if a.watcher != nil {
			a.watcher.Stop()
		}

		for i, closer := range a.closers {
			if ctx.Err() != nil {
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				break
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.stopErr = errors.Join(errs...)
		if a.stopErr == nil {
			a.log.Info("shutdown complete")
		}
	})
	return a.stopErr
}
