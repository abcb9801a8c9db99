package agent

import (
	"context"
	"fmt"

	"github.com/harun/kurir/pkg/memory"
	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/tools"
)

// ContextBuilder assembles the provider request for one turn: system prompt
// with the fact document injected verbatim, a bounded window of session
// history, and the current user message.
type ContextBuilder struct {
	sessions     *session.Store
	memory       *memory.Store
	systemPrompt string
	window       int
}

// NewContextBuilder creates a context builder. window bounds how many past
// turns are replayed; older turns stay on disk but out of the prompt.
func NewContextBuilder(sessions *session.Store, mem *memory.Store, systemPrompt string, window int) *ContextBuilder {
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}
	if window <= 0 {
		window = 40
	}
	return &ContextBuilder{
		sessions:     sessions,
		memory:       mem,
		systemPrompt: systemPrompt,
		window:       window,
	}
}

// Build returns the message list and the effective system prompt for a turn.
// The current user message is appended last; it has not been persisted yet
// when this runs.
func (b *ContextBuilder) Build(ctx context.Context, sessionKey, userContent string) ([]Message, string, error) {
	systemPrompt := b.systemPrompt

	if b.memory != nil {
		facts, err := b.memory.ReadFacts()
		if err != nil {
			return nil, "", fmt.Errorf("failed to read facts: %w", err)
		}
		if facts != "" {
			systemPrompt = fmt.Sprintf("%s\n\n# Things you remember\n\n%s", systemPrompt, facts)
		}
	}

	history, err := b.sessions.Load(ctx, sessionKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load session history: %w", err)
	}
	if len(history) > b.window {
		history = history[len(history)-b.window:]
	}

	messages := make([]Message, 0, len(history)*2+1)
	for _, turn := range history {
		messages = append(messages, turnToMessages(turn)...)
	}

	messages = append(messages, Message{Role: "user", Content: userContent})
	return messages, systemPrompt, nil
}

// turnToMessages expands one persisted turn into provider messages. A turn
// that carried tool calls becomes an assistant message plus one tool message
// per result, preserving the shape the provider saw originally.
func turnToMessages(turn session.Turn) []Message {
	if len(turn.ToolCalls) == 0 {
		return []Message{{Role: turn.Role, Content: turn.Content}}
	}

	calls := make([]tools.Call, 0, len(turn.ToolCalls))
	for _, tc := range turn.ToolCalls {
		calls = append(calls, tools.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}

	messages := []Message{{
		Role:      "assistant",
		Content:   turn.Content,
		ToolCalls: calls,
	}}
	for _, result := range turn.ToolResults {
		messages = append(messages, Message{
			Role:       "tool",
			Content:    result.Content,
			ToolCallID: result.ToolCallID,
		})
	}
	return messages
}
