package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/turn"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// Session kinds reported in [SessionInfo].
const (
	KindWebSocket  = "websocket"
	KindMicrophone = "microphone"
)

// ErrShuttingDown is returned by [SessionManager.Start] once
// [SessionManager.CloseAll] has been called.
var ErrShuttingDown = errors.New("app: shutting down")

// SessionInfo holds metadata about a live session.
type SessionInfo struct {
	SessionID  string     `json:"session_id"`
	Kind       string     `json:"kind"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	State      turn.State `json:"-"`
	StateName  string     `json:"state"`
}

// StartRequest describes the client side of a new session.
type StartRequest struct {
	Kind       string
	RemoteAddr string
	Sink       turn.Sink

	// Capture and RequireRecognizer are set for local microphone sessions.
	Capture           turn.Capture
	RequireRecognizer bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Observers receive every session event. They must not block.
	Observers []func(turn.Event)

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// Clock is passed to every session. Nil means the system clock.
	Clock turn.Clock
}

type liveSession struct {
	info SessionInfo
	sess *turn.Session
}

// SessionManager starts sessions and tracks them until they end. Any number
// of sessions may run at once; each one is independent. All exported methods
// are safe for concurrent use.
type SessionManager struct {
	providers *Providers
	observers []func(turn.Event)
	metrics   *observe.Metrics
	log       *slog.Logger
	clock     turn.Clock

	mu       sync.Mutex
	cfg      *config.Config
	live     map[string]*liveSession
	draining bool
	wg       sync.WaitGroup
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		cfg:       cfg.Config,
		providers: cfg.Providers,
		observers: cfg.Observers,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		clock:     cfg.Clock,
		live:      make(map[string]*liveSession),
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	if sm.providers == nil {
		sm.providers = &Providers{}
	}
	return sm
}

// SetConfig replaces the configuration snapshot used for sessions started
// from now on. Running sessions keep the settings they started with.
func (sm *SessionManager) SetConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Config returns the current configuration snapshot.
func (sm *SessionManager) Config() *config.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg
}

// Start creates a session for req and runs it in the background until it
// ends or ctx is cancelled. The session is registered until its loop exits.
func (sm *SessionManager) Start(ctx context.Context, req StartRequest) (*turn.Session, error) {
	sm.mu.Lock()
	if sm.draining {
		sm.mu.Unlock()
		return nil, ErrShuttingDown
	}
	cfg := sm.cfg
	sm.mu.Unlock()

	id := uuid.NewString()
	sess, err := turn.New(sm.sessionConfig(cfg, id, req))
	if err != nil {
		return nil, fmt.Errorf("app: new session: %w", err)
	}

	info := SessionInfo{
		SessionID:  id,
		Kind:       req.Kind,
		RemoteAddr: req.RemoteAddr,
		StartedAt:  time.Now().UTC(),
	}

	sm.mu.Lock()
	if sm.draining {
		sm.mu.Unlock()
		return nil, ErrShuttingDown
	}
	sm.live[id] = &liveSession{info: info, sess: sess}
	sm.wg.Add(1)
	sm.mu.Unlock()

	sm.metrics.ActiveSessions.Add(ctx, 1)
	sm.log.Info("session registered", "session_id", id, "kind", req.Kind, "remote_addr", req.RemoteAddr)

	go func() {
		defer sm.wg.Done()
		err := sess.Run(ctx)

		sm.mu.Lock()
		delete(sm.live, id)
		sm.mu.Unlock()
		sm.metrics.ActiveSessions.Add(context.Background(), -1)

		if err != nil {
			sm.log.Warn("session ended with error", "session_id", id, "err", err)
		} else {
			sm.log.Info("session unregistered", "session_id", id,
				"duration", time.Since(info.StartedAt).Round(time.Millisecond))
		}
	}()
	return sess, nil
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.live)
}

// List returns metadata for every live session, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.live))
	for _, ls := range sm.live {
		info := ls.info
		info.State = ls.sess.State()
		info.StateName = info.State.String()
		out = append(out, info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// CloseAll stops accepting new sessions, closes every live one, and waits
// until their loops have exited or ctx is done.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.draining = true
	sessions := make([]*turn.Session, 0, len(sm.live))
	for _, ls := range sm.live {
		sessions = append(sessions, ls.sess)
	}
	sm.mu.Unlock()

	if len(sessions) > 0 {
		sm.log.Info("closing live sessions", "count", len(sessions))
	}
	for _, s := range sessions {
		s.Close(turn.ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: close sessions: %w", ctx.Err())
	}
}

func (sm *SessionManager) observe(ev turn.Event) {
	for _, o := range sm.observers {
		o(ev)
	}
}

// sessionConfig builds the per-session settings from a config snapshot.
func (sm *SessionManager) sessionConfig(cfg *config.Config, id string, req StartRequest) turn.Config {
	t := cfg.Turn
	return turn.Config{
		ID:                id,
		LLM:               sm.providers.LLM,
		TTS:               sm.providers.TTS,
		Voice:             VoiceProfile(cfg.Providers.TTS),
		STT:               sm.providers.STT,
		Stream:            StreamConfig(cfg),
		RequireRecognizer: req.RequireRecognizer,
		Capture:           req.Capture,
		Sink:              req.Sink,
		SystemPrompt:      t.SystemPrompt,
		HistoryLimit:      t.HistoryLimit,
		CheckInMessage:    t.CheckInMessage,
		GoodbyeMessage:    t.GoodbyeMessage,
		DebounceWindow:    t.DebounceWindow.Std(),
		CheckInterval:     t.CheckInterval.Std(),
		SilenceTimeout:    t.SilenceTimeout.Std(),
		ReplyTimeout:      t.ReplyTimeout.Std(),
		Names:             sm.providers.Names,
		Clock:             sm.clock,
		Logger:            sm.log.With("kind", req.Kind),
		Metrics:           sm.metrics,
		Observer:          sm.observe,
	}
}

// StreamConfig derives the recognizer stream settings from cfg.
func StreamConfig(cfg *config.Config) stt.StreamConfig {
	a := cfg.Audio
	return stt.StreamConfig{
		SampleRate:  a.SampleRate,
		Channels:    a.Channels,
		Language:    cfg.Providers.STT.Language,
		Encoding:    a.Encoding,
		Punctuate:   a.PunctuateEnabled(),
		Endpointing: a.Endpointing.Std(),
	}
}

// VoiceProfile converts the TTS provider entry into the voice passed to
// every synthesis call.
func VoiceProfile(e config.ProviderEntry) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:       e.Voice,
		Provider: e.Name,
		Language: e.Language,
	}
}
