package turn

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/provider/llm"
)

const (
	// charsPerToken is the heuristic ratio used for token estimation.
	charsPerToken = 4

	// contextBudgetRatio is the share of the model's context window the
	// prompt may fill before the oldest turns are dropped.
	contextBudgetRatio = 0.75

	// replyErrorPrefix starts the assistant-facing text returned when the
	// chat service fails.
	replyErrorPrefix = "Error processing your request: "
)

// Conversation is the message history of one session plus the gate that
// keeps at most one chat-completion call in flight.
//
// Each call to Reply appends exactly one user turn and, when the service
// answers, exactly one assistant turn. Older turns are dropped from the front
// once the history exceeds its message limit or the estimated prompt size
// exceeds three quarters of the model's context window.
//
// All methods are safe for concurrent use; Reply calls are serialised.
type Conversation struct {
	llm          llm.Provider
	systemPrompt string
	historyLimit int

	mu      sync.Mutex
	history []llm.Message
}

// ConversationOption configures a [Conversation].
type ConversationOption func(*Conversation)

// WithHistoryLimit caps the number of stored user and assistant messages.
// Zero disables the message cap; the token budget still applies.
func WithHistoryLimit(n int) ConversationOption {
	return func(c *Conversation) { c.historyLimit = n }
}

// NewConversation returns an empty Conversation that prompts p with
// systemPrompt ahead of the history.
func NewConversation(p llm.Provider, systemPrompt string, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		llm:          p,
		systemPrompt: systemPrompt,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Reply appends userText as a user turn, asks the chat service for an answer
// to [system prompt] + history, and records the answer as an assistant turn.
//
// A failed call never crashes the conversation: Reply returns a readable
// "Error processing your request: ..." text alongside a *[ServiceError], and
// no assistant turn is recorded.
func (c *Conversation) Reply(ctx context.Context, userText string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, llm.Message{Role: llm.RoleUser, Content: userText})
	c.trim()

	msgs := make([]llm.Message, len(c.history))
	copy(msgs, c.history)

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: c.systemPrompt,
		Messages:     msgs,
	})
	if err != nil {
		return replyErrorPrefix + err.Error(), &ServiceError{Service: "llm", Err: err}
	}

	text := strings.TrimSpace(resp.Content)
	c.history = append(c.history, llm.Message{Role: llm.RoleAssistant, Content: text})
	return text, nil
}

// History returns a copy of the stored turns, oldest first. The system
// prompt is not part of it.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Prompt returns the full message list a completion would be sent: the
// system prompt followed by the history.
func (c *Conversation) Prompt() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, 0, len(c.history)+1)
	if c.systemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: c.systemPrompt})
	}
	return append(out, c.history...)
}

// Len returns the number of stored turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// String renders the history for debug logs.
func (c *Conversation) String() string {
	var b strings.Builder
	for _, m := range c.History() {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// trim drops the oldest turns until both limits hold. The newest message is
// never dropped, and the history never starts with an assistant turn.
// Must be called with c.mu held.
func (c *Conversation) trim() {
	budget := int(float64(c.llm.Capabilities().ContextWindow) * contextBudgetRatio)
	for len(c.history) > 1 {
		overLimit := c.historyLimit > 0 && len(c.history) > c.historyLimit
		overBudget := budget > 0 && c.estimateTokens() > budget
		if !overLimit && !overBudget {
			return
		}
		c.history = c.history[1:]
		for len(c.history) > 1 && c.history[0].Role == llm.RoleAssistant {
			c.history = c.history[1:]
		}
	}
}

// estimateTokens returns a rough token count for the system prompt plus the
// history using the 1-token-per-4-characters heuristic.
// Must be called with c.mu held.
func (c *Conversation) estimateTokens() int {
	total := estimateTokens(llm.Message{Role: llm.RoleSystem, Content: c.systemPrompt})
	for _, m := range c.history {
		total += estimateTokens(m)
	}
	return total
}

func estimateTokens(m llm.Message) int {
	chars := len(m.Content) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
