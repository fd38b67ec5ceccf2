package relay

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/MrWong99/voicerelay/internal/turn"
)

// Message types on the wire.
const (
	TypeText   = "text"
	TypeReply  = "reply"
	TypeNotice = "notice"
	TypeClosed = "closed"
)

// Message is one JSON frame exchanged with the browser client.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Audio is the base64-encoded speech for a reply. Omitted when synthesis
	// produced nothing, which the client reads as "no audio".
	Audio  string `json:"audio,omitempty"`
	Format string `json:"format,omitempty"`

	// Error names the failing service when a reply carries error text.
	Error string `json:"error,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// replyMessage encodes r as a reply frame.
func replyMessage(r turn.Reply) Message {
	msg := Message{Type: TypeReply, Text: r.Text}
	if !r.Audio.Empty() {
		msg.Audio = base64.StdEncoding.EncodeToString(r.Audio.Data)
		msg.Format = string(r.Audio.Format)
	}
	if r.Err != nil {
		msg.Error = r.Err.Error()
	}
	return msg
}

// decodeText extracts the utterance from an inbound text frame. Plain text is
// taken as is; a JSON object must have type "text". ok is false for frames
// that carry no utterance.
func decodeText(data []byte) (text string, ok bool) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", false
	}
	if raw[0] != '{' {
		return raw, true
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		// Not JSON after all: somebody typed a brace.
		return raw, true
	}
	if msg.Type != TypeText {
		return "", false
	}
	text = strings.TrimSpace(msg.Text)
	return text, text != ""
}
