// Package relay serves the browser-facing WebSocket endpoint. Each accepted
// connection gets its own [turn.Session]: text frames become final utterance
// fragments, binary frames are linear16 PCM for the session's recognizer, and
// replies, check-in notices and the close notification go back as JSON.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/turn"
)

const (
	defaultWriteTimeout = 10 * time.Second

	// defaultReadLimit caps one inbound frame. Browser audio chunks are a few
	// kilobytes; 1 MiB leaves room for batched uploads.
	defaultReadLimit = 1 << 20
)

// Starter opens and starts a session for one client connection. The session
// runs until it ends on its own or is closed; ctx bounds its lifetime.
type Starter func(ctx context.Context, remoteAddr string, sink turn.Sink) (*turn.Session, error)

// Handler is the /ws endpoint.
type Handler struct {
	start          Starter
	log            *slog.Logger
	metrics        *observe.Metrics
	writeTimeout   time.Duration
	readLimit      int64
	originPatterns []string
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the handler's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithWriteTimeout bounds every outbound frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) { h.writeTimeout = d }
}

// WithReadLimit caps the size of one inbound frame in bytes.
func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// WithOriginPatterns sets the host patterns allowed to open cross-origin
// connections (e.g. "*" or "*.example.com"). Same-origin requests are
// always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = patterns }
}

// NewHandler creates the /ws handler. start is called once per accepted
// connection.
func NewHandler(start Starter, opts ...Option) *Handler {
	h := &Handler{
		start:        start,
		log:          slog.Default(),
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP upgrades the request and relays frames until either side ends
// the conversation.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.readLimit)

	ctx := r.Context()
	sink := &connSink{conn: conn, timeout: h.writeTimeout, metrics: h.metrics}

	sess, err := h.start(ctx, r.RemoteAddr, sink)
	if err != nil {
		h.log.Error("start session", "remote_addr", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusTryAgainLater, "session unavailable")
		return
	}
	log := h.log.With("session_id", sess.ID())
	log.Info("client connected", "remote_addr", r.RemoteAddr)

	h.readLoop(ctx, conn, sess, log)

	<-sess.Done()
	conn.Close(websocket.StatusNormalClosure, "")
	log.Info("client disconnected")
}

// readLoop forwards inbound frames to sess until the connection or the
// session ends, and tells the session why the client side stopped.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *turn.Session, log *slog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case sess.State() == turn.StateClosed:
				// The session closed the connection itself.
			case isClientClose(err):
				sess.Close(turn.ReasonClientClosed)
			default:
				log.Warn("websocket read failed", "err", err)
				sess.Fail(err)
			}
			return
		}

		switch typ {
		case websocket.MessageText:
			h.metrics.RecordRelayMessage(ctx, "in", TypeText)
			text, ok := decodeText(data)
			if !ok {
				log.Debug("ignoring frame without text", "bytes", len(data))
				continue
			}
			err = sess.Feed(ctx, turn.Fragment{Text: text, Final: true})
		case websocket.MessageBinary:
			h.metrics.RecordRelayMessage(ctx, "in", "audio")
			err = sess.SendAudio(ctx, data)
		}
		if err != nil {
			return
		}
	}
}

func isClientClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, context.Canceled)
}

// connSink writes session output to one WebSocket connection. coder/websocket
// allows concurrent writers, which the reply worker and the session loop need.
type connSink struct {
	conn    *websocket.Conn
	timeout time.Duration
	metrics *observe.Metrics
}

var _ turn.Sink = (*connSink)(nil)

func (c *connSink) Reply(ctx context.Context, r turn.Reply) error {
	return c.write(ctx, replyMessage(r))
}

func (c *connSink) Notice(ctx context.Context, text string) error {
	return c.write(ctx, Message{Type: TypeNotice, Text: text})
}

// Closed tells the client why the session ended and closes the connection,
// which also ends the handler's read loop.
func (c *connSink) Closed(ctx context.Context, reason string) {
	_ = c.write(ctx, Message{Type: TypeClosed, Reason: reason})
	c.conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *connSink) write(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", msg.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relay: write %s: %w", msg.Type, err)
	}
	c.metrics.RecordRelayMessage(ctx, "out", msg.Type)
	return nil
}
