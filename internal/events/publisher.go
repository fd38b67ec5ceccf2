// Package events publishes turn events (committed utterances, replies,
// watchdog notices and session ends) to Kafka. When publishing is disabled
// the events are only logged at debug level.
//
// Sessions hand events to [Publisher.Observe], which never blocks: events are
// queued and written by a background goroutine, and dropped when the queue is
// full.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/turn"
)

// DefaultQueueSize is the number of events buffered between sessions and the
// Kafka writer.
const DefaultQueueSize = 256

// TurnEvent is the JSON payload of one published message.
type TurnEvent struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FromTurn converts a session event into its wire form.
func FromTurn(ev turn.Event) TurnEvent {
	te := TurnEvent{
		SessionID:  ev.SessionID,
		Kind:       string(ev.Kind),
		Text:       ev.Text,
		DurationMS: ev.Duration.Milliseconds(),
		Timestamp:  ev.Time.UTC(),
	}
	if ev.Err != nil {
		te.Error = ev.Err.Error()
	}
	return te
}

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher queues turn events and writes them to a Kafka topic.
type Publisher struct {
	writer    Writer
	topic     string
	principal string
	log       *slog.Logger
	metrics   *observe.Metrics
	queueSize int

	mu      sync.RWMutex
	closed  bool
	queue   chan TurnEvent
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// Option configures a [Publisher].
type Option func(*Publisher)

// WithWriter replaces the Kafka writer built from config. Publishing is
// enabled whenever a writer is set.
func WithWriter(w Writer) Option {
	return func(p *Publisher) { p.writer = w }
}

// WithLogger sets the publisher's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithQueueSize sets the event buffer capacity.
func WithQueueSize(n int) Option {
	return func(p *Publisher) { p.queueSize = n }
}

// New creates a publisher for cfg. A Kafka writer is built only when cfg is
// enabled and names at least one broker; otherwise the publisher runs in
// log-only mode.
func New(cfg config.EventsConfig, opts ...Option) *Publisher {
	p := &Publisher{
		topic:     cfg.Topic,
		principal: cfg.Principal,
		log:       slog.Default(),
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.queueSize <= 0 {
		p.queueSize = DefaultQueueSize
	}
	p.queue = make(chan TurnEvent, p.queueSize)

	if p.writer == nil && cfg.Enabled && len(cfg.Brokers) > 0 {
		dialer := &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		}
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    &kafka.Transport{Dial: dialer.DialFunc},
		}
		p.log.Info("kafka event publisher initialised",
			"brokers", cfg.Brokers, "topic", cfg.Topic, "principal", cfg.Principal)
	} else if p.writer == nil {
		p.log.Info("kafka disabled, turn events are logged only")
	}
	return p
}

// Enabled reports whether events are written to Kafka.
func (p *Publisher) Enabled() bool { return p.writer != nil }

// Dropped returns how many events were discarded because the queue was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Observe queues ev for publication. It never blocks and is safe for
// concurrent use; it matches the signature of turn.Config.Observer.
func (p *Publisher) Observe(ev turn.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- FromTurn(ev):
	default:
		p.dropped.Add(1)
		p.metrics.RecordEvent(context.Background(), "dropped")
		p.log.Warn("turn event dropped, queue full", "session_id", ev.SessionID, "kind", ev.Kind)
	}
}

// Start launches the background writer. Writes use ctx, so pass a context
// that outlives session shutdown.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range p.queue {
			p.publish(ctx, ev)
		}
	}()
}

// Close stops accepting events, waits until queued events are written, and
// closes the Kafka writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

// publish writes one event. Failures are logged and counted here; the queue
// keeps draining regardless.
func (p *Publisher) publish(ctx context.Context, ev TurnEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal turn event", "err", err)
		p.record(ctx, "error")
		return
	}

	p.log.Debug("publishing turn event",
		"topic", p.topic,
		"session_id", ev.SessionID,
		"kind", ev.Kind,
		"payload", string(payload))

	if p.writer == nil {
		p.record(ctx, "ok")
		return
	}

	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Kind)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("write turn event to kafka",
			"topic", p.topic, "session_id", ev.SessionID, "err", err)
		p.record(ctx, "error")
		return
	}
	p.record(ctx, "ok")
}

func (p *Publisher) record(ctx context.Context, status string) {
	p.metrics.RecordEvent(ctx, status)
}
