package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyReply is returned when a backend answers without any text. A voice
// reply needs something to speak, so callers treat it like a failed call.
var ErrEmptyReply = errors.New("llm: empty reply")

// messageOverhead approximates the role and framing tokens chat APIs add per
// message.
const messageOverhead = 4

// EstimateTokens over-approximates the token count of messages at roughly
// four characters per token plus per-message framing. Backends without a
// tokenizer endpoint share it.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + messageOverhead
	}
	return total
}

// Transcript returns the messages to send for req: the system prompt first,
// when set, then the history. It fails on a role no backend understands.
func (req CompletionRequest) Transcript() ([]Message, error) {
	out := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for i, m := range req.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return nil, fmt.Errorf("llm: message %d: unknown role %q", i, m.Role)
		}
		out = append(out, m)
	}
	return out, nil
}

type modelFamily struct {
	match func(model string) bool
	caps  ModelCapabilities
}

func prefix(p string) func(string) bool {
	return func(m string) bool { return strings.HasPrefix(m, p) }
}

func contains(s string) func(string) bool {
	return func(m string) bool { return strings.Contains(m, s) }
}

// DefaultCapabilities applies to models missing from the family table.
var DefaultCapabilities = ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

// families is checked in order; more specific names come first.
var families = []modelFamily{
	{prefix("gpt-4o"), ModelCapabilities{128_000, 16_384}},
	{prefix("gpt-4-turbo"), ModelCapabilities{128_000, 4_096}},
	{prefix("gpt-4"), ModelCapabilities{8_192, 4_096}},
	{prefix("gpt-3.5-turbo"), ModelCapabilities{16_385, 4_096}},
	{prefix("o1-mini"), ModelCapabilities{128_000, 65_536}},
	{prefix("o1"), ModelCapabilities{200_000, 100_000}},
	{prefix("o3"), ModelCapabilities{200_000, 100_000}},
	{contains("claude-3-opus"), ModelCapabilities{200_000, 4_096}},
	{prefix("claude"), ModelCapabilities{200_000, 8_192}},
	{contains("gemini-1.5-pro"), ModelCapabilities{2_097_152, 8_192}},
	{contains("gemini-2.0-flash"), ModelCapabilities{1_048_576, 8_192}},
	{contains("gemini-1.5-flash"), ModelCapabilities{1_048_576, 8_192}},
	{prefix("gemini"), ModelCapabilities{128_000, 8_192}},
	{prefix("llama3"), ModelCapabilities{8_192, 2_048}},
	{prefix("mistral"), ModelCapabilities{32_768, 4_096}},
	{prefix("deepseek"), ModelCapabilities{64_000, 8_192}},
}

// CapabilitiesFor returns the known limits of model, matched
// case-insensitively by family name, or [DefaultCapabilities].
func CapabilitiesFor(model string) ModelCapabilities {
	lower := strings.ToLower(model)
	for _, f := range families {
		if f.match(lower) {
			return f.caps
		}
	}
	return DefaultCapabilities
}
