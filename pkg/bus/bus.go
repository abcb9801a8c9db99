package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrBackpressure is returned when a session lane is at its high watermark.
// Publishers must not block, so the message is rejected instead.
var ErrBackpressure = errors.New("session lane at high watermark")

// ErrClosed is returned when publishing to a stopped bus.
var ErrClosed = errors.New("bus is closed")

// InboundHandler processes one inbound message. The bus guarantees at most
// one invocation per session key at a time.
type InboundHandler func(ctx context.Context, msg InboundMessage) error

// SendFunc delivers an outbound message through a channel connector.
type SendFunc func(ctx context.Context, msg OutboundMessage) error

// ActivityRecorder receives notable bus events for the activity log.
type ActivityRecorder interface {
	LogEvent(kind, detail string) error
}

// Config tunes the bus.
type Config struct {
	// HighWatermark bounds the queued inbound messages per session lane.
	HighWatermark int
	// MaxWorkers caps how many sessions are processed in parallel.
	MaxWorkers int
}

// Bus routes inbound messages to the single subscribed handler over
// per-session FIFO lanes, and routes outbound messages to the owning
// channel's send function.
type Bus struct {
	cfg      Config
	logger   zerolog.Logger
	activity ActivityRecorder

	handler   InboundHandler
	handlerMu sync.RWMutex

	senders   map[string]SendFunc
	sendersMu sync.RWMutex

	lanes   map[string]*lane
	lanesMu sync.Mutex

	workers chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

type lane struct {
	key   string
	queue chan InboundMessage
}

// New creates a bus. The activity recorder is optional.
func New(cfg Config, logger zerolog.Logger, activity ActivityRecorder) *Bus {
	observability.EnsureRegistered()

	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 256
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		cfg:      cfg,
		logger:   logger,
		activity: activity,
		senders:  make(map[string]SendFunc),
		lanes:    make(map[string]*lane),
		workers:  make(chan struct{}, cfg.MaxWorkers),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SubscribeInbound registers the agent loop as the sole inbound consumer.
// Must be called before the first publish.
func (b *Bus) SubscribeInbound(handler InboundHandler) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handler = handler
}

// RegisterSender registers the delivery function for a channel connector.
func (b *Bus) RegisterSender(channel string, send SendFunc) {
	b.sendersMu.Lock()
	defer b.sendersMu.Unlock()
	b.senders[channel] = send
}

// PublishInbound enqueues a message onto its session lane, creating the lane
// if absent. It never blocks: a full lane yields ErrBackpressure.
func (b *Bus) PublishInbound(msg InboundMessage) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	key := msg.SessionKey()

	b.lanesMu.Lock()
	if b.closed {
		b.lanesMu.Unlock()
		return ErrClosed
	}
	ln, exists := b.lanes[key]
	if !exists {
		ln = &lane{
			key:   key,
			queue: make(chan InboundMessage, b.cfg.HighWatermark),
		}
		b.lanes[key] = ln
		b.wg.Add(1)
		go b.pump(ln)
	}
	b.lanesMu.Unlock()

	select {
	case ln.queue <- msg:
		observability.RecordPublish(key, len(ln.queue))
		b.logger.Debug().
			Str("session_key", key).
			Str("channel", msg.Channel).
			Int("depth", len(ln.queue)).
			Msg("Inbound message enqueued")
		return nil
	default:
		observability.RecordDrop(key)
		b.logger.Warn().
			Str("session_key", key).
			Int("watermark", b.cfg.HighWatermark).
			Msg("Inbound message rejected by backpressure")
		return fmt.Errorf("publish to %s: %w", key, ErrBackpressure)
	}
}

// PublishOutbound routes a reply to the owning channel connector. Delivery
// failures are logged and recorded; they never propagate to the caller so a
// failing channel cannot poison the publisher.
func (b *Bus) PublishOutbound(ctx context.Context, msg OutboundMessage) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	b.sendersMu.RLock()
	send, ok := b.senders[msg.Channel]
	b.sendersMu.RUnlock()

	if !ok {
		observability.RecordDelivery(msg.Channel, false)
		b.logger.Error().
			Str("channel", msg.Channel).
			Str("session_key", msg.SessionKey).
			Msg("No sender registered for channel")
		b.recordActivity("delivery_error", fmt.Sprintf("no sender for channel %s (session %s)", msg.Channel, msg.SessionKey))
		return
	}

	if err := send(ctx, msg); err != nil {
		observability.RecordDelivery(msg.Channel, false)
		b.logger.Error().
			Str("channel", msg.Channel).
			Str("session_key", msg.SessionKey).
			Err(err).
			Msg("Outbound delivery failed")
		b.recordActivity("delivery_error", fmt.Sprintf("channel %s session %s: %v", msg.Channel, msg.SessionKey, err))
		return
	}

	observability.RecordDelivery(msg.Channel, true)
	b.logger.Debug().
		Str("channel", msg.Channel).
		Str("session_key", msg.SessionKey).
		Msg("Outbound message delivered")
}

// pump drains one session lane. Messages are handled strictly in order and
// one at a time, which is what gives each session its single-processor
// guarantee. Cross-session parallelism is capped by the worker semaphore.
func (b *Bus) pump(ln *lane) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-ln.queue:
			select {
			case <-b.ctx.Done():
				return
			case b.workers <- struct{}{}:
			}
			b.dispatch(ln, msg)
			<-b.workers
			observability.SetLaneDepth(ln.key, len(ln.queue))
		}
	}
}

// dispatch runs the subscribed handler for one message, containing any
// failure to this message: errors and panics are logged, recorded in the
// activity log, and answered with a synthesized error reply. The lane keeps
// draining afterwards.
func (b *Bus) dispatch(ln *lane, msg InboundMessage) {
	ctx := tracing.WithSessionKey(tracing.NewRequestContext(b.ctx), ln.key)
	ctx, span := tracing.StartSpan(
		ctx,
		"kurir.bus",
		"bus.dispatch",
		attribute.String("session_key", ln.key),
		attribute.String("channel", msg.Channel),
	)
	defer span.End()

	b.handlerMu.RLock()
	handler := b.handler
	b.handlerMu.RUnlock()

	if handler == nil {
		b.logger.Error().Str("session_key", ln.key).Msg("No inbound handler subscribed, dropping message")
		b.recordActivity("bus_error", fmt.Sprintf("no handler subscribed, dropped message for %s", ln.key))
		return
	}

	logger := tracing.LoggerFromContext(ctx, b.logger)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, msg)
	}()

	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("Inbound handler failed")
		b.recordActivity("handler_error", fmt.Sprintf("session %s: %v", ln.key, err))
		b.PublishOutbound(ctx, OutboundMessage{
			SessionKey: ln.key,
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			Content:    "Something went wrong while handling your message. Please try again.",
			ReplyTo:    msg.ID,
		})
	}
}

func (b *Bus) recordActivity(kind, detail string) {
	if b.activity == nil {
		return
	}
	if err := b.activity.LogEvent(kind, detail); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to record activity entry")
	}
}

// LaneDepth returns the number of queued messages for a session.
func (b *Bus) LaneDepth(sessionKey string) int {
	b.lanesMu.Lock()
	defer b.lanesMu.Unlock()

	if ln, ok := b.lanes[sessionKey]; ok {
		return len(ln.queue)
	}
	return 0
}

// Stats returns queued depth per active lane.
func (b *Bus) Stats() map[string]int {
	b.lanesMu.Lock()
	defer b.lanesMu.Unlock()

	stats := make(map[string]int, len(b.lanes))
	for key, ln := range b.lanes {
		stats[key] = len(ln.queue)
	}
	return stats
}

// Drain waits until all lanes are empty and no handler is running, or the
// timeout elapses. Used during graceful shutdown.
func (b *Bus) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := len(b.workers) == 0
		b.lanesMu.Lock()
		for _, ln := range b.lanes {
			if len(ln.queue) > 0 {
				idle = false
				break
			}
		}
		b.lanesMu.Unlock()

		if idle {
			return true
		}
		if time.Now().After(deadline) {
			b.logger.Warn().Dur("timeout", timeout).Msg("Timeout draining bus lanes")
			return false
		}
		<-ticker.C
	}
}

// Close stops all lane pumps. Queued messages are dropped; callers that care
// should Drain first.
func (b *Bus) Close() error {
	b.lanesMu.Lock()
	b.closed = true
	b.lanesMu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
