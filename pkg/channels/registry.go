package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrDuplicateChannel is returned when two connectors claim the same name.
// Like tool name conflicts, this is fatal at startup.
var ErrDuplicateChannel = errors.New("duplicate channel name")

// Registry tracks connectors and their lifecycle.
type Registry struct {
	channels map[string]Channel
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty channel registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		channels: make(map[string]Channel),
		logger:   logger.With().Str("component", "channels").Logger(),
	}
}

// Register adds a connector.
func (r *Registry) Register(ch Channel) error {
	name := ch.Name()
	if name == "" {
		return fmt.Errorf("channel name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateChannel)
	}
	r.channels[name] = ch

	r.logger.Info().Str("channel", name).Msg("Channel registered")
	return nil
}

// Get returns a connector by name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[name]
	return ch, ok
}

// StartAll starts every connector. The first failure aborts startup.
func (r *Registry) StartAll(ctx context.Context, dispatch Dispatch) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, ch := range r.channels {
		if err := ch.Start(ctx, dispatch); err != nil {
			return fmt.Errorf("failed to start channel %s: %w", name, err)
		}
		r.logger.Info().Str("channel", name).Msg("Channel started")
	}
	return nil
}

// StopAll stops every connector, continuing past individual failures.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, ch := range r.channels {
		if err := ch.Stop(); err != nil {
			r.logger.Warn().Err(err).Str("channel", name).Msg("Failed to stop channel")
		}
	}
}
