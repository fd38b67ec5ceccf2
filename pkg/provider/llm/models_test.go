package llm_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/voicerelay/pkg/provider/llm"
)

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model         string
		contextWindow int
		maxOutput     int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"GPT-4O", 128_000, 16_384},
		{"gpt-4-turbo", 128_000, 4_096},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o1-mini", 128_000, 65_536},
		{"o1-preview", 200_000, 100_000},
		{"o3", 200_000, 100_000},
		{"claude-3-5-sonnet-latest", 200_000, 8_192},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"llama3", 8_192, 2_048},
		{"my-custom-model", 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := llm.CapabilitiesFor(tt.model)
			if caps.ContextWindow != tt.contextWindow || caps.MaxOutputTokens != tt.maxOutput {
				t.Errorf("got %+v, want {%d %d}", caps, tt.contextWindow, tt.maxOutput)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	// 11 chars round up to 3 tokens, plus 4 for framing.
	if got := llm.EstimateTokens([]llm.Message{{Role: llm.RoleUser, Content: "Hello world"}}); got != 7 {
		t.Errorf("EstimateTokens = %d, want 7", got)
	}
	if got := llm.EstimateTokens(nil); got != 0 {
		t.Errorf("EstimateTokens(nil) = %d, want 0", got)
	}
}

func TestTranscript(t *testing.T) {
	t.Parallel()
	req := llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
		},
	}
	msgs, err := req.Transcript()
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Role != llm.RoleSystem || msgs[0].Content != "Be brief." {
		t.Fatalf("Transcript = %+v", msgs)
	}

	req.SystemPrompt = ""
	if msgs, _ := req.Transcript(); len(msgs) != 2 {
		t.Errorf("without system prompt got %d messages, want 2", len(msgs))
	}
}

func TestTranscript_UnknownRole(t *testing.T) {
	t.Parallel()
	_, err := llm.CompletionRequest{Messages: []llm.Message{{Role: "tool", Content: "x"}}}.Transcript()
	if err == nil || !strings.Contains(err.Error(), `"tool"`) {
		t.Fatalf("err = %v, want unknown role error", err)
	}
}
