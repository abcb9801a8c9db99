package config

import (
	"os"
	"path/filepath"
)

// Config is the top-level kurir configuration.
type Config struct {
	// Data directory for sessions, tasks and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace holding the memory files
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	Bus      BusConfig      `json:"bus" mapstructure:"bus"`
	Agent    AgentConfig    `json:"agent" mapstructure:"agent"`
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`
	Tasks    TasksConfig    `json:"tasks" mapstructure:"tasks"`
	Subagent SubagentConfig `json:"subagent" mapstructure:"subagent"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
	Channels ChannelsConfig `json:"channels" mapstructure:"channels"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	// Queued inbound messages allowed per session lane before publish
	// starts failing with backpressure
	HighWatermark int `json:"high_watermark" mapstructure:"high_watermark"`
	// Sessions processed in parallel
	MaxWorkers int `json:"max_workers" mapstructure:"max_workers"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	Model             string  `json:"model" mapstructure:"model"`
	SystemPrompt      string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature       float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens         int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxToolRounds     int     `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	MaxRetries        int     `json:"max_retries" mapstructure:"max_retries"`
	CompletionTimeout int     `json:"completion_timeout_seconds" mapstructure:"completion_timeout_seconds"`
	HistoryWindow     int     `json:"history_window" mapstructure:"history_window"`
}

// ProviderConfig selects and authenticates the completion service vendor.
type ProviderConfig struct {
	Vendor string `json:"vendor" mapstructure:"vendor"` // anthropic, openai
	APIKey string `json:"api_key" mapstructure:"api_key"`
}

// TasksConfig tunes the background task manager.
type TasksConfig struct {
	// timer (in-process) or host (at/crontab backed)
	Backend string `json:"backend" mapstructure:"backend"`
	// Path to the persisted task registry; defaults under DataDir
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// SubagentConfig tunes spawned background agents.
type SubagentConfig struct {
	MaxConcurrent int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	RegistryPath  string `json:"registry_path" mapstructure:"registry_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// ChannelsConfig enables individual channel connectors.
type ChannelsConfig struct {
	Direct ChannelConfig `json:"direct" mapstructure:"direct"`
}

// ChannelConfig represents one channel connector's configuration.
type ChannelConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			HighWatermark: 256,
			MaxWorkers:    8,
		},
		Agent: AgentConfig{
			Model:             "claude-sonnet-4-5",
			Temperature:       0.7,
			MaxTokens:         4096,
			MaxToolRounds:     5,
			MaxRetries:        3,
			CompletionTimeout: 120,
			HistoryWindow:     40,
		},
		Provider: ProviderConfig{
			Vendor: "anthropic",
		},
		Tasks: TasksConfig{
			Backend: "timer",
		},
		Subagent: SubagentConfig{
			MaxConcurrent: 3,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9190",
		},
		Channels: ChannelsConfig{
			Direct: ChannelConfig{Enabled: true},
		},
	}
}

// ApplyPaths fills in path defaults relative to the data directory.
func (c *Config) ApplyPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.DataDir = filepath.Join(home, ".kurir")
	}
	if c.WorkspacePath == "" {
		c.WorkspacePath = filepath.Join(c.DataDir, "workspace")
	}
	if c.Tasks.StorePath == "" {
		c.Tasks.StorePath = filepath.Join(c.DataDir, "tasks.json")
	}
	if c.Subagent.RegistryPath == "" {
		c.Subagent.RegistryPath = filepath.Join(c.DataDir, "subagents.json")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "kurir.log")
	}
	return nil
}
