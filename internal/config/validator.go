package config

import "fmt"

// Validate checks the configuration for values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Bus.HighWatermark <= 0 {
		return fmt.Errorf("bus.high_watermark must be positive, got %d", c.Bus.HighWatermark)
	}
	if c.Bus.MaxWorkers <= 0 {
		return fmt.Errorf("bus.max_workers must be positive, got %d", c.Bus.MaxWorkers)
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model cannot be empty")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 1 {
		return fmt.Errorf("agent.temperature must be between 0 and 1")
	}
	if c.Agent.MaxToolRounds <= 0 {
		return fmt.Errorf("agent.max_tool_rounds must be positive")
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries cannot be negative")
	}
	switch c.Provider.Vendor {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported provider vendor: %s", c.Provider.Vendor)
	}
	switch c.Tasks.Backend {
	case "timer", "host":
	default:
		return fmt.Errorf("unsupported task backend: %s", c.Tasks.Backend)
	}
	if c.Subagent.MaxConcurrent <= 0 {
		return fmt.Errorf("subagent.max_concurrent must be positive")
	}
	return nil
}
