package agent

import (
	"context"
	"fmt"
)

// Provider is an interface for LLM API providers.
type Provider interface {
	// Complete makes one completion call.
	Complete(ctx context.Context, request Request) (*Response, error)

	// Vendor returns the provider name.
	Vendor() string
}

// NewProvider creates a provider for the configured vendor.
func NewProvider(vendor, apiKey string) (Provider, error) {
	switch vendor {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", vendor)
	}
}
