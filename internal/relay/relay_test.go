package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/internal/turn"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicerelay/pkg/provider/llm/mock"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicerelay/pkg/provider/stt/mock"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicerelay/pkg/provider/tts/mock"
)

// echoLLM answers with the last user message prefixed by "echo: ".
func echoLLM() *llmmock.Provider {
	return &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			return &llm.CompletionResponse{Content: "echo: " + last.Content}, nil
		},
	}
}

type fixture struct {
	t   *testing.T
	srv *httptest.Server
	llm *llmmock.Provider
	tts *ttsmock.Provider

	mu     sync.Mutex
	events []turn.Event
	closed chan string
}

func newFixture(t *testing.T, mutate func(*turn.Config)) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		llm:    echoLLM(),
		tts:    &ttsmock.Provider{SynthesizeAudio: tts.Audio{Data: []byte("mp3-bytes"), Format: tts.FormatMP3}},
		closed: make(chan string, 1),
	}
	start := func(ctx context.Context, remoteAddr string, sink turn.Sink) (*turn.Session, error) {
		cfg := turn.Config{
			ID:             "ws-test",
			LLM:            f.llm,
			TTS:            f.tts,
			Sink:           sink,
			DebounceWindow: 150 * time.Millisecond,
			CheckInterval:  10 * time.Millisecond,
			SilenceTimeout: time.Hour,
			Observer:       f.observe,
		}
		if mutate != nil {
			mutate(&cfg)
		}
		s, err := turn.New(cfg)
		if err != nil {
			return nil, err
		}
		go func() { _ = s.Run(ctx) }()
		return s, nil
	}
	f.srv = httptest.NewServer(NewHandler(start))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) observe(ev turn.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	if ev.Kind == turn.EventClosed {
		select {
		case f.closed <- ev.Text:
		default:
		}
	}
}

func (f *fixture) dial() *websocket.Conn {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		f.t.Fatalf("dial: %v", err)
	}
	f.t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func (f *fixture) closedReason() string {
	f.t.Helper()
	select {
	case r := <-f.closed:
		return r
	case <-time.After(5 * time.Second):
		f.t.Fatal("session did not close")
		return ""
	}
}

func send(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, []byte(data)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readMessage reads one WebSocket text frame and decodes it.
func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestRelay_TextRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial()

	send(t, conn, websocket.MessageText, "hello")
	send(t, conn, websocket.MessageText, `{"type":"text","text":"world"}`)

	msg := readMessage(t, conn)
	if msg.Type != TypeReply {
		t.Fatalf("type = %q, want reply", msg.Type)
	}
	if msg.Text != "echo: hello world" {
		t.Errorf("text = %q, want the coalesced utterance echoed", msg.Text)
	}
	audio, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil || string(audio) != "mp3-bytes" {
		t.Errorf("audio = %q (%v), want base64 mp3-bytes", msg.Audio, err)
	}
	if msg.Format != "mp3" {
		t.Errorf("format = %q, want mp3", msg.Format)
	}
	if n := len(f.llm.Calls()); n != 1 {
		t.Errorf("chat completions = %d, want 1", n)
	}
	if texts := f.tts.Texts(); len(texts) != 1 || texts[0] != "echo: hello world" {
		t.Errorf("synthesized = %v", texts)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	if reason := f.closedReason(); reason != turn.ReasonClientClosed {
		t.Errorf("close reason = %q, want %q", reason, turn.ReasonClientClosed)
	}
}

func TestRelay_ChatFailureStillReplies(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.CompleteFunc = nil
	f.llm.CompleteErr = errors.New("model overloaded")
	conn := f.dial()

	send(t, conn, websocket.MessageText, "anyone there?")

	msg := readMessage(t, conn)
	if msg.Type != TypeReply {
		t.Fatalf("type = %q, want reply", msg.Type)
	}
	if !strings.HasPrefix(msg.Text, "Error processing your request: ") {
		t.Errorf("text = %q, want readable error", msg.Text)
	}
	if !strings.Contains(msg.Error, "llm") {
		t.Errorf("error = %q, want the failing service named", msg.Error)
	}
}

func TestRelay_SilenceEndsSession(t *testing.T) {
	f := newFixture(t, func(c *turn.Config) {
		c.SilenceTimeout = 80 * time.Millisecond
	})
	conn := f.dial()

	checkIn := readMessage(t, conn)
	if checkIn.Type != TypeNotice || checkIn.Text != turn.DefaultCheckInMessage {
		t.Fatalf("first frame = %+v, want check-in notice", checkIn)
	}
	goodbye := readMessage(t, conn)
	if goodbye.Type != TypeNotice || goodbye.Text != turn.DefaultGoodbyeMessage {
		t.Fatalf("second frame = %+v, want goodbye notice", goodbye)
	}
	closed := readMessage(t, conn)
	if closed.Type != TypeClosed || closed.Reason != turn.ReasonInactivity {
		t.Fatalf("third frame = %+v, want closed/inactivity", closed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("read after close = %v, want normal closure", err)
	}
	if reason := f.closedReason(); reason != turn.ReasonInactivity {
		t.Errorf("close reason = %q", reason)
	}
}

func TestRelay_BinaryFramesFeedRecognizer(t *testing.T) {
	rec := sttmock.NewSession()
	prov := &sttmock.Provider{Session: rec}
	f := newFixture(t, func(c *turn.Config) {
		c.STT = prov
		c.Stream = stt.StreamConfig{SampleRate: 16000, Channels: 1, Encoding: "linear16"}
	})
	conn := f.dial()

	send(t, conn, websocket.MessageBinary, "\x01\x02\x03\x04")
	send(t, conn, websocket.MessageBinary, "\x05\x06")

	deadline := time.Now().Add(5 * time.Second)
	for rec.SendAudioCallCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("recognizer got %d chunks, want 2", rec.SendAudioCallCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if prov.CallCount() != 1 {
		t.Errorf("StartStream calls = %d, want 1", prov.CallCount())
	}

	rec.ResultsCh <- stt.Transcript{Text: "from the mic", IsFinal: true}

	msg := readMessage(t, conn)
	if msg.Type != TypeReply || msg.Text != "echo: from the mic" {
		t.Fatalf("reply = %+v", msg)
	}
}

func TestRelay_IgnoresFramesWithoutText(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial()

	send(t, conn, websocket.MessageText, "   ")
	send(t, conn, websocket.MessageText, `{"type":"ping"}`)
	send(t, conn, websocket.MessageText, "real question")

	msg := readMessage(t, conn)
	if msg.Text != "echo: real question" {
		t.Fatalf("text = %q", msg.Text)
	}
}

func TestRelay_StartFailureClosesConnection(t *testing.T) {
	start := func(context.Context, string, turn.Sink) (*turn.Session, error) {
		return nil, errors.New("draining")
	}
	srv := httptest.NewServer(NewHandler(start))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Fatalf("read = %v, want close status TryAgainLater", err)
	}
}

func TestRelay_ConcurrentClientsAreIsolated(t *testing.T) {
	f := newFixture(t, nil)
	a := f.dial()
	b := f.dial()

	send(t, a, websocket.MessageText, "alpha")
	send(t, b, websocket.MessageText, "bravo")

	if msg := readMessage(t, a); msg.Text != "echo: alpha" {
		t.Errorf("client a got %q", msg.Text)
	}
	if msg := readMessage(t, b); msg.Text != "echo: bravo" {
		t.Errorf("client b got %q", msg.Text)
	}
}
