// Package turn implements the turn-taking core of voicerelay: deciding when a
// stream of recognizer fragments forms one finished utterance, coalescing
// bursts of final signals, watching for prolonged silence, and keeping at most
// one chat-completion request in flight per conversation.
//
// A [Session] owns one instance of every component. All session state is
// mutated on a single goroutine (the loop started by [Session.Run]); timers
// and the reply worker hand their results back to that loop instead of
// touching state themselves. Sessions share nothing, so any number may run
// side by side.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

const (
	// DefaultReplyTimeout bounds one chat-completion plus synthesis round.
	DefaultReplyTimeout = 30 * time.Second

	// DefaultCheckInMessage is delivered on the first silence escalation.
	DefaultCheckInMessage = "Are you speaking? I haven't heard from you in a while."

	// DefaultGoodbyeMessage is delivered when silence ends the session.
	DefaultGoodbyeMessage = "Ending session due to inactivity."

	// fragmentBuffer is the capacity of the fragment and audio queues.
	fragmentBuffer = 64
)

// Close reasons reported to [Sink.Closed] and in [EventClosed] events.
const (
	ReasonInactivity       = "inactivity"
	ReasonClientClosed     = "client closed"
	ReasonRecognizerClosed = "recognizer closed"
	ReasonCaptureStopped   = "capture stopped"
	ReasonTransportFailed  = "transport failed"
	ReasonContextDone      = "context done"
	ReasonShutdown         = "server shutdown"
)

// State is the lifecycle position of a [Session].
type State int32

const (
	// StateListening means the session waits for the next utterance.
	StateListening State = iota

	// StateProcessing means a committed utterance is being answered.
	StateProcessing

	// StateClosed is final.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Fragment is one piece of recognized or typed text.
type Fragment struct {
	Text  string
	Final bool
}

// Reply is the answer to one committed utterance.
type Reply struct {
	// Text is the assistant text, or the readable error text when the chat
	// service failed.
	Text string

	// Audio is the synthesized speech. It is empty when synthesis failed or
	// no synthesizer is configured.
	Audio tts.Audio

	// Err is the *ServiceError of the failing collaborator, if any.
	Err error
}

// Sink is the outbound side of the client transport. Implementations must be
// safe for concurrent use: replies are delivered by the reply worker while
// notices come from the session loop.
type Sink interface {
	// Reply delivers one answer.
	Reply(ctx context.Context, r Reply) error

	// Notice delivers a watchdog message that is not part of the
	// conversation history.
	Notice(ctx context.Context, text string) error

	// Closed is called once when the session ends.
	Closed(ctx context.Context, reason string)
}

// Capture is a local audio input device feeding the session's recognizer.
type Capture interface {
	Start() error
	Stop() error
	Active() bool
}

// EventKind classifies an [Event].
type EventKind string

const (
	EventUtterance EventKind = "utterance"
	EventReply     EventKind = "reply"
	EventNotice    EventKind = "notice"
	EventClosed    EventKind = "closed"
)

// Event describes one observable step of a session. Observers receive events
// synchronously from the session loop and the reply worker, so they must be
// safe for concurrent use and must not block.
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	Duration  time.Duration
	Err       error
	Time      time.Time
}

// ProviderNames labels metrics and logs with the configured backends.
type ProviderNames struct {
	LLM string
	STT string
	TTS string
}

// Config holds the collaborators and settings of one session.
type Config struct {
	// ID identifies the session in logs and events.
	ID string

	// LLM answers committed utterances. Required.
	LLM llm.Provider

	// TTS synthesizes replies. Optional; replies are text-only without it.
	TTS tts.Provider

	// Voice is passed to every Synthesize call.
	Voice tts.VoiceProfile

	// STT opens a recognizer stream. Optional for text-only sessions.
	STT stt.Provider

	// Stream configures recognizer streams.
	Stream stt.StreamConfig

	// RequireRecognizer opens the recognizer when the session starts and ends
	// the session when it closes or fails. Set it when the recognizer is the
	// only input, as for a local microphone.
	RequireRecognizer bool

	// Capture is started with the session and stopped when it ends.
	Capture Capture

	// Sink receives replies, notices and the close notification. Required.
	Sink Sink

	SystemPrompt   string
	HistoryLimit   int
	CheckInMessage string
	GoodbyeMessage string

	DebounceWindow time.Duration
	CheckInterval  time.Duration
	SilenceTimeout time.Duration
	ReplyTimeout   time.Duration

	Names ProviderNames

	// Clock defaults to [SystemClock].
	Clock Clock

	// Logger defaults to slog.Default with the session ID attached.
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Observer, if set, is called for every [Event].
	Observer func(Event)
}

// Session is one conversation: the turn pipeline that consumes fragments,
// commits debounced utterances, and delivers replies through its [Sink].
type Session struct {
	cfg     Config
	clock   Clock
	log     *slog.Logger
	metrics *observe.Metrics
	conv    *Conversation

	fragments chan Fragment
	audio     chan []byte
	tasks     chan func()
	done      chan struct{}
	started   atomic.Bool
	state     atomic.Int32
	wg        sync.WaitGroup

	// Owned by the loop goroutine.
	acc        Accumulator
	deb        *Debouncer
	dog        *Watchdog
	tick       Timer
	recognizer stt.SessionHandle
	results    <-chan stt.Transcript
	recErrs    <-chan error
	queue      []string
	busy       bool
	closing    bool
	runErr     error
	ctx        context.Context
	replyCtx   context.Context
}

// New validates cfg, applies defaults, and returns a session in
// [StateListening]. Call [Session.Run] to start it.
func New(cfg Config) (*Session, error) {
	if cfg.LLM == nil {
		return nil, &ConfigurationError{Field: "llm", Reason: "a chat-completion provider is required"}
	}
	if cfg.Sink == nil {
		return nil, &ConfigurationError{Field: "sink", Reason: "a reply sink is required"}
	}
	if cfg.RequireRecognizer && cfg.STT == nil {
		return nil, &ConfigurationError{Field: "stt", Reason: "a recognizer is required for this session"}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.CheckInMessage == "" {
		cfg.CheckInMessage = DefaultCheckInMessage
	}
	if cfg.GoodbyeMessage == "" {
		cfg.GoodbyeMessage = DefaultGoodbyeMessage
	}
	if cfg.Names.LLM == "" {
		cfg.Names.LLM = "llm"
	}
	if cfg.Names.STT == "" {
		cfg.Names.STT = "stt"
	}
	if cfg.Names.TTS == "" {
		cfg.Names.TTS = "tts"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.ID != "" {
		log = log.With("session_id", cfg.ID)
	}

	s := &Session{
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       log,
		metrics:   cfg.Metrics,
		conv:      NewConversation(cfg.LLM, cfg.SystemPrompt, WithHistoryLimit(cfg.HistoryLimit)),
		fragments: make(chan Fragment, fragmentBuffer),
		audio:     make(chan []byte, fragmentBuffer),
		tasks:     make(chan func(), fragmentBuffer),
		done:      make(chan struct{}),
	}
	s.deb = NewDebouncer(cfg.Clock, cfg.DebounceWindow, s.post, s.commit)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// State returns the current lifecycle state. Safe for concurrent use.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// History returns a copy of the conversation turns.
func (s *Session) History() []llm.Message { return s.conv.History() }

// Feed queues a fragment for the session loop. It blocks while the queue is
// full and returns [ErrSessionClosed] once the session has ended.
func (s *Session) Feed(ctx context.Context, f Fragment) error {
	if s.ended() {
		return ErrSessionClosed
	}
	select {
	case s.fragments <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio queues a chunk of PCM audio for the recognizer. The first chunk
// of a session without a live recognizer opens one.
func (s *Session) SendAudio(ctx context.Context, chunk []byte) error {
	if s.ended() {
		return ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case s.audio <- cp:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close asks the loop to end the session with reason. It does not wait; use
// [Session.Done] for that. Closing an ended session is a no-op.
func (s *Session) Close(reason string) {
	s.post(func() { s.shutdown(reason, nil) })
}

// Fail ends the session because the client transport broke. Run returns a
// *[TransportError] wrapping err.
func (s *Session) Fail(err error) {
	s.post(func() { s.shutdown(ReasonTransportFailed, &TransportError{Err: err}) })
}

// Run drives the session until it closes: silence ends it, [Session.Close]
// is called, ctx is cancelled, the transport fails, or a required recognizer
// goes away. A reply already being generated is allowed to finish before Run
// returns; queued utterances that have not started are dropped.
//
// Run returns nil for an orderly end, a *[TransportError] when the sink
// failed, and a *[ServiceError] when a required recognizer or the capture
// device failed.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("turn: session already started")
	}
	defer close(s.done)

	s.ctx = ctx
	s.replyCtx = context.WithoutCancel(ctx)
	s.dog = NewWatchdog(s.cfg.SilenceTimeout, s.clock.Now())

	s.log.Info("session started", "recognizer_required", s.cfg.RequireRecognizer)

	if s.cfg.RequireRecognizer {
		if err := s.openRecognizer(); err != nil {
			s.shutdown(ReasonRecognizerClosed, err)
		}
	}
	if !s.closing && s.cfg.Capture != nil {
		if err := s.cfg.Capture.Start(); err != nil {
			s.shutdown(ReasonCaptureStopped, &ServiceError{Service: "capture", Err: err})
		}
	}
	if !s.closing {
		s.armTick()
	}

	for !s.closing {
		select {
		case <-ctx.Done():
			s.shutdown(ReasonContextDone, nil)

		case f := <-s.fragments:
			s.handleFragment(f)

		case chunk := <-s.audio:
			s.forwardAudio(chunk)

		case f := <-s.tasks:
			f()

		case tr, ok := <-s.results:
			if !ok {
				s.recognizerGone(ReasonRecognizerClosed, s.pendingRecognizerError())
				continue
			}
			s.handleFragment(Fragment{Text: tr.Text, Final: tr.Final()})

		case err, ok := <-s.recErrs:
			if !ok {
				s.recErrs = nil
				continue
			}
			s.recognizerGone(ReasonRecognizerClosed, &ServiceError{Service: "stt", Err: err})
		}
	}

	// Let an in-flight reply finish; its completion task may still be posted
	// until done is closed, so drain tasks while waiting.
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	for {
		select {
		case <-finished:
			s.log.Info("session ended", "err", s.runErr)
			return s.runErr
		case f := <-s.tasks:
			f()
		}
	}
}

func (s *Session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// post schedules f on the session loop. It never blocks past the end of the
// session.
func (s *Session) post(f func()) {
	select {
	case s.tasks <- f:
	case <-s.done:
	}
}

// handleFragment applies one fragment: any non-empty text counts as
// activity, and final text extends the utterance and restarts the debounce
// window.
func (s *Session) handleFragment(f Fragment) {
	if s.closing {
		return
	}
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}
	s.dog.Activity(s.clock.Now())
	if !f.Final {
		return
	}
	s.acc.Add(text)
	if s.deb.Signal(s.acc.Full()) {
		s.metrics.DebounceSuperseded.Add(s.ctx, 1)
		s.log.Debug("pending commit superseded")
	}
}

// commit runs on the loop when the debounce window elapsed.
func (s *Session) commit(text string) {
	s.acc.Reset()
	if s.closing {
		return
	}
	s.log.Info("utterance committed", "text", text)
	s.metrics.UtterancesCommitted.Add(s.ctx, 1)
	s.emit(Event{Kind: EventUtterance, Text: text})
	s.queue = append(s.queue, text)
	s.startNext()
}

// startNext hands the oldest queued utterance to a worker when none is
// running, so at most one chat-completion call is ever in flight.
func (s *Session) startNext() {
	if s.busy || s.closing || len(s.queue) == 0 {
		return
	}
	text := s.queue[0]
	s.queue = s.queue[1:]
	s.busy = true
	s.setState(StateProcessing)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.respond(text)
		s.post(func() {
			s.busy = false
			if err != nil {
				s.shutdown(ReasonTransportFailed, err)
				return
			}
			if !s.closing && len(s.queue) == 0 {
				s.setState(StateListening)
			}
			s.startNext()
		})
	}()
}

// respond produces and delivers the reply to text. It runs on the worker
// goroutine and touches no loop-owned state. Only a transport failure is
// returned; service failures are folded into the reply.
func (s *Session) respond(text string) error {
	ctx, cancel := context.WithTimeout(s.replyCtx, s.cfg.ReplyTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "turn.reply",
		trace.WithAttributes(observe.AttrSessionID.String(s.cfg.ID)),
	)
	defer span.End()

	log := observe.WithTrace(ctx, s.log)
	start := s.clock.Now()

	reply := Reply{}
	llmCtx, llmSpan := observe.StartStage(ctx, "llm", s.cfg.Names.LLM)
	reply.Text, reply.Err = s.conv.Reply(llmCtx, text)
	observe.EndSpan(llmSpan, reply.Err)
	s.metrics.RecordProviderCall(ctx, s.cfg.Names.LLM, "llm", s.clock.Now().Sub(start), reply.Err)
	if reply.Err != nil {
		span.RecordError(reply.Err)
		log.Error("chat completion failed", "provider", s.cfg.Names.LLM, "err", reply.Err)
	} else {
		log.Info("reply generated", "text", reply.Text)
	}

	if s.cfg.TTS != nil && reply.Text != "" {
		ttsStart := s.clock.Now()
		ttsCtx, ttsSpan := observe.StartStage(ctx, "tts", s.cfg.Names.TTS)
		audio, err := s.cfg.TTS.Synthesize(ttsCtx, reply.Text, s.cfg.Voice)
		observe.EndSpan(ttsSpan, err)
		s.metrics.RecordProviderCall(ctx, s.cfg.Names.TTS, "tts", s.clock.Now().Sub(ttsStart), err)
		if err != nil {
			err = &ServiceError{Service: "tts", Err: err}
			span.RecordError(err)
			log.Warn("speech synthesis failed, sending text only", "provider", s.cfg.Names.TTS, "err", err)
			if reply.Err == nil {
				reply.Err = err
			}
		} else {
			reply.Audio = audio
		}
	}

	if err := s.cfg.Sink.Reply(ctx, reply); err != nil {
		span.SetStatus(codes.Error, "deliver reply")
		return &TransportError{Err: err}
	}

	d := s.clock.Now().Sub(start)
	s.metrics.TurnDuration.Record(ctx, d.Seconds())
	s.emit(Event{Kind: EventReply, Text: reply.Text, Duration: d, Err: reply.Err})
	return nil
}

// armTick schedules the next watchdog check.
func (s *Session) armTick() {
	s.tick = s.clock.AfterFunc(s.cfg.CheckInterval, func() {
		s.post(s.checkSilence)
	})
}

// checkSilence runs on the loop once per check interval.
func (s *Session) checkSilence() {
	if s.closing {
		return
	}
	if s.cfg.Capture != nil && !s.cfg.Capture.Active() {
		s.shutdown(ReasonCaptureStopped, nil)
		return
	}

	state, escalated := s.dog.Check(s.clock.Now())
	if escalated {
		s.metrics.RecordEscalation(s.ctx, state.String())
		s.log.Info("silence escalation", "state", state.String())
	}
	switch {
	case escalated && state == SilenceWarned:
		s.notify(s.cfg.CheckInMessage)
	case state == SilenceTerminated:
		s.notify(s.cfg.GoodbyeMessage)
		s.shutdown(ReasonInactivity, nil)
		return
	}
	if !s.closing {
		s.armTick()
	}
}

// notify delivers a watchdog message. A failing transport ends the session.
func (s *Session) notify(text string) {
	s.emit(Event{Kind: EventNotice, Text: text})
	if err := s.cfg.Sink.Notice(s.ctx, text); err != nil {
		s.shutdown(ReasonTransportFailed, &TransportError{Err: err})
	}
}

// forwardAudio passes chunk to the recognizer, opening one on demand.
func (s *Session) forwardAudio(chunk []byte) {
	if s.closing || s.cfg.STT == nil {
		return
	}
	if s.recognizer == nil {
		if err := s.openRecognizer(); err != nil {
			s.recognizerGone(ReasonRecognizerClosed, err)
			return
		}
	}
	if err := s.recognizer.SendAudio(chunk); err != nil {
		s.recognizerGone(ReasonRecognizerClosed, &ServiceError{Service: "stt", Err: err})
	}
}

func (s *Session) openRecognizer() error {
	h, err := s.cfg.STT.StartStream(s.ctx, s.cfg.Stream)
	s.metrics.RecordProviderCall(s.ctx, s.cfg.Names.STT, "stt", 0, err)
	if err != nil {
		return &ServiceError{Service: "stt", Err: fmt.Errorf("start stream: %w", err)}
	}
	s.recognizer = h
	s.results = h.Results()
	s.recErrs = h.Errors()
	s.log.Debug("recognizer opened", "provider", s.cfg.Names.STT)
	return nil
}

// recognizerGone releases the recognizer after it closed or failed. The
// session survives unless the recognizer is its only input.
func (s *Session) recognizerGone(reason string, err error) {
	if err != nil {
		s.log.Error("recognizer failed", "provider", s.cfg.Names.STT, "err", err)
	}
	s.closeRecognizer()
	if s.cfg.RequireRecognizer {
		s.shutdown(reason, err)
	}
}

// pendingRecognizerError returns an error the recognizer queued before
// closing its result stream, if any.
func (s *Session) pendingRecognizerError() error {
	if s.recErrs == nil {
		return nil
	}
	select {
	case err, ok := <-s.recErrs:
		if ok && err != nil {
			return &ServiceError{Service: "stt", Err: err}
		}
	default:
	}
	return nil
}

func (s *Session) closeRecognizer() {
	if s.recognizer == nil {
		return
	}
	if err := s.recognizer.Close(); err != nil {
		s.log.Warn("close recognizer", "err", err)
	}
	s.recognizer = nil
	s.results = nil
	s.recErrs = nil
}

// shutdown moves the session to CLOSED. It cancels the pending commit, stops
// the watchdog and capture, and closes the recognizer. Only the first call
// has any effect; err becomes the result of Run.
func (s *Session) shutdown(reason string, err error) {
	if s.closing {
		return
	}
	s.closing = true
	s.runErr = err
	s.setState(StateClosed)

	s.deb.Cancel()
	s.acc.Reset()
	s.queue = nil
	if s.tick != nil {
		s.tick.Stop()
	}
	if s.cfg.Capture != nil {
		if err := s.cfg.Capture.Stop(); err != nil {
			s.log.Warn("stop capture", "err", err)
		}
	}
	s.closeRecognizer()

	s.log.Info("session closing", "reason", reason)
	s.emit(Event{Kind: EventClosed, Text: reason, Err: err})
	s.cfg.Sink.Closed(context.WithoutCancel(s.ctx), reason)
}

func (s *Session) setState(st State) {
	if State(s.state.Load()) == StateClosed {
		return
	}
	s.state.Store(int32(st))
}

func (s *Session) emit(ev Event) {
	if s.cfg.Observer == nil {
		return
	}
	ev.SessionID = s.cfg.ID
	ev.Time = s.clock.Now()
	s.cfg.Observer(ev)
}
