package agent

import (
	"strings"

	"github.com/harun/kurir/pkg/tools"
)

// State is the agent loop's position within one turn. A turn always starts
// in StateIdle and, outside of StateFailed, ends back in StateIdle.
type State string

const (
	StateIdle               State = "idle"
	StateBuildingContext    State = "building_context"
	StateAwaitingCompletion State = "awaiting_completion"
	StateExecutingTools     State = "executing_tools"
	StateResponding         State = "responding"
	StateFailed             State = "failed"
)

// Message is one entry in the conversation sent to the provider.
type Message struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []tools.Call `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

// Request contains the parameters for one completion call.
type Request struct {
	Model        string
	Messages     []Message
	Tools        []tools.Descriptor
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Response contains the provider's completion.
type Response struct {
	Content   string
	ToolCalls []tools.Call
	Usage     *TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// IsRetryable reports whether a provider error is transient: rate limits,
// server-side failures and network timeouts. Anything else fails the turn
// immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") {
		return true
	}

	return false
}
