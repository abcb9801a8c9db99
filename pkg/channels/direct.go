package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/kurir/pkg/bus"
)

// DirectChannel is the in-process connector: messages are injected
// programmatically and deliveries go to a callback. It backs the CLI chat
// surface and tests.
type DirectChannel struct {
	logger   zerolog.Logger
	onSend   func(msg bus.OutboundMessage)
	dispatch Dispatch
	mu       sync.RWMutex
}

// NewDirectChannel creates the direct connector. onSend may be nil, in which
// case deliveries are only logged.
func NewDirectChannel(logger zerolog.Logger, onSend func(msg bus.OutboundMessage)) *DirectChannel {
	return &DirectChannel{
		logger: logger.With().Str("channel", "direct").Logger(),
		onSend: onSend,
	}
}

func (c *DirectChannel) Name() string { return "direct" }

func (c *DirectChannel) Start(ctx context.Context, dispatch Dispatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatch = dispatch
	return nil
}

func (c *DirectChannel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatch = nil
	return nil
}

// Send delivers to the registered callback.
func (c *DirectChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.RLock()
	onSend := c.onSend
	c.mu.RUnlock()

	if onSend != nil {
		onSend(msg)
	}
	c.logger.Debug().Str("chat_id", msg.ChatID).Int("chars", len(msg.Content)).Msg("Message delivered")
	return nil
}

// Inject feeds a message into the engine as if it arrived over a transport.
func (c *DirectChannel) Inject(ctx context.Context, senderID, chatID, content string) error {
	c.mu.RLock()
	dispatch := c.dispatch
	c.mu.RUnlock()

	if dispatch == nil {
		return fmt.Errorf("channel not started")
	}

	return dispatch(ctx, bus.InboundMessage{
		ID:         uuid.New().String(),
		Channel:    c.Name(),
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		ReceivedAt: time.Now(),
	})
}
