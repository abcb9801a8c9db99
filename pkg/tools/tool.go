package tools

import "context"

// Tool is the capability contract every tool satisfies. Tools are resolved
// by name through a static registry built at startup; there is no runtime
// reflection involved in dispatch.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description returns the model-facing description.
	Description() string

	// Schema returns the JSON-schema object describing the arguments.
	Schema() map[string]interface{}

	// Invoke executes the tool. Arguments have already been validated
	// against Schema when called through the dispatcher.
	Invoke(ctx context.Context, args map[string]interface{}) (string, error)
}

// CapabilityReporter is optionally implemented by tools that require
// environment capabilities (e.g. "network", "shell") to be usable.
type CapabilityReporter interface {
	Capabilities() []string
}

// Descriptor is the immutable model-facing view of a registered tool.
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"input_schema"`
}

// Call names a tool and its raw arguments as produced by the model.
type Call struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Result is what flows back to the model for one call. Validation failures,
// unknown tools and execution faults are all expressed here rather than as
// aborted turns.
type Result struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
