package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/harun/kurir/pkg/bus"
	"github.com/harun/kurir/pkg/memory"
	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/tools"
)

const apologyText = "I ran into repeated errors while working on that and couldn't finish. Please try again in a moment."

// OutboundPublisher delivers responses. Satisfied by *bus.Bus.
type OutboundPublisher interface {
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage)
}

// Config holds the agent loop's tunables.
type Config struct {
	Model             string
	SystemPrompt      string
	Temperature       float64
	MaxTokens         int
	MaxToolRounds     int
	MaxRetries        int
	BackoffBase       time.Duration
	CompletionTimeout time.Duration
	HistoryWindow     int
	Capabilities      map[string]bool
}

func (c *Config) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = 120 * time.Second
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 40
	}
}

// Loop drives one conversation turn per inbound message through a fixed
// state machine: building_context, awaiting_completion, executing_tools
// (possibly several rounds), responding, then back to idle. A turn that
// exhausts its retries ends in failed; the next message for the same
// session starts fresh from idle.
type Loop struct {
	cfg        Config
	provider   Provider
	sessions   *session.Store
	memory     *memory.Store
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	publisher  OutboundPublisher
	builder    *ContextBuilder
	logger     zerolog.Logger

	stateMu sync.RWMutex
	states  map[string]stateEntry
}

type stateEntry struct {
	state State
	since time.Time
}

// NewLoop creates the agent loop.
func NewLoop(cfg Config, provider Provider, sessions *session.Store, mem *memory.Store, registry *tools.Registry, dispatcher *tools.Dispatcher, publisher OutboundPublisher, logger zerolog.Logger) (*Loop, error) {
	observability.EnsureRegistered()

	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if registry == nil || dispatcher == nil {
		return nil, fmt.Errorf("tool registry and dispatcher are required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbound publisher is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 1 {
		return nil, fmt.Errorf("temperature must be between 0 and 1")
	}
	cfg.applyDefaults()

	return &Loop{
		cfg:        cfg,
		provider:   provider,
		sessions:   sessions,
		memory:     mem,
		registry:   registry,
		dispatcher: dispatcher,
		publisher:  publisher,
		builder:    NewContextBuilder(sessions, mem, cfg.SystemPrompt, cfg.HistoryWindow),
		logger:     logger.With().Str("component", "agent").Logger(),
		states:     make(map[string]stateEntry),
	}, nil
}

// CurrentState returns the loop state for a session. Sessions with no turn
// in flight are idle.
func (l *Loop) CurrentState(sessionKey string) State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()

	if entry, ok := l.states[sessionKey]; ok {
		return entry.state
	}
	return StateIdle
}

// transition moves a session to the next state, recording how long it spent
// in the previous one.
func (l *Loop) transition(sessionKey string, next State) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	now := time.Now()
	if prev, ok := l.states[sessionKey]; ok && prev.state != StateIdle {
		observability.RecordTurn(string(prev.state), now.Sub(prev.since))
	}

	if next == StateIdle {
		delete(l.states, sessionKey)
		return
	}
	l.states[sessionKey] = stateEntry{state: next, since: now}
}

// HandleInbound processes one inbound message as a full turn. It satisfies
// bus.InboundHandler; the bus guarantees at most one invocation per session
// at a time, so the loop never sees concurrent turns for the same key.
func (l *Loop) HandleInbound(ctx context.Context, msg bus.InboundMessage) error {
	sessionKey := msg.SessionKey()
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(ctx, "kurir.agent", "agent.turn",
		attribute.String("session_key", sessionKey),
		attribute.String("channel", msg.Channel),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	if strings.TrimSpace(msg.Content) == "/reset" {
		return l.handleReset(ctx, msg)
	}

	l.transition(sessionKey, StateBuildingContext)

	messages, systemPrompt, err := l.builder.Build(ctx, sessionKey, msg.Content)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build context")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.transition(sessionKey, StateFailed)
		l.transition(sessionKey, StateIdle)
		return fmt.Errorf("failed to build context: %w", err)
	}

	// The user turn is committed before any provider work so that a crash
	// mid-turn never loses what the user said.
	if err := l.sessions.Append(ctx, sessionKey, session.Turn{
		Role:    "user",
		Content: msg.Content,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to persist user turn")
		span.RecordError(err)
		l.transition(sessionKey, StateFailed)
		l.transition(sessionKey, StateIdle)
		return fmt.Errorf("failed to persist user turn: %w", err)
	}

	descriptors := l.registry.Descriptors(l.cfg.Capabilities)
	response, err := l.runRounds(ctx, sessionKey, messages, systemPrompt, descriptors)
	if err != nil {
		// Retries are exhausted. The apology is a real turn: committed to
		// the session, then delivered, so the transcript matches what the
		// user saw.
		logger.Error().Err(err).Msg("Turn failed after retries")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.transition(sessionKey, StateFailed)

		if appendErr := l.sessions.Append(ctx, sessionKey, session.Turn{
			Role:    "assistant",
			Content: apologyText,
		}); appendErr != nil {
			logger.Error().Err(appendErr).Msg("Failed to persist apology turn")
		}
		l.publisher.PublishOutbound(ctx, bus.OutboundMessage{
			SessionKey: sessionKey,
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			Content:    apologyText,
			ReplyTo:    msg.ID,
			CreatedAt:  time.Now(),
		})
		if l.memory != nil {
			if logErr := l.memory.LogEvent("turn_failed", fmt.Sprintf("session=%s error=%v", sessionKey, err)); logErr != nil {
				logger.Warn().Err(logErr).Msg("Failed to record activity")
			}
		}
		l.transition(sessionKey, StateIdle)
		return nil
	}

	l.transition(sessionKey, StateResponding)

	// Commit before publish: once the response is visible to the user it is
	// part of the durable transcript.
	if err := l.sessions.Append(ctx, sessionKey, session.Turn{
		Role:    "assistant",
		Content: response.Content,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to persist assistant turn")
		span.RecordError(err)
		l.transition(sessionKey, StateIdle)
		return fmt.Errorf("failed to persist assistant turn: %w", err)
	}

	l.publisher.PublishOutbound(ctx, bus.OutboundMessage{
		SessionKey: sessionKey,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Content:    response.Content,
		ReplyTo:    msg.ID,
		CreatedAt:  time.Now(),
	})

	if l.memory != nil {
		if err := l.memory.LogEvent("message_handled", fmt.Sprintf("session=%s chars=%d", sessionKey, len(response.Content))); err != nil {
			logger.Warn().Err(err).Msg("Failed to record activity")
		}
	}

	l.transition(sessionKey, StateIdle)
	return nil
}

// RunIsolated processes one prompt in its own session and returns the final
// response without publishing anything. Background work runs through here so
// it cannot pollute a user conversation or claim its channel.
func (l *Loop) RunIsolated(ctx context.Context, sessionKey, prompt string) (string, error) {
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(ctx, "kurir.agent", "agent.isolated_turn",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	l.transition(sessionKey, StateBuildingContext)
	defer l.transition(sessionKey, StateIdle)

	messages, systemPrompt, err := l.builder.Build(ctx, sessionKey, prompt)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to build context: %w", err)
	}

	if err := l.sessions.Append(ctx, sessionKey, session.Turn{
		Role:    "user",
		Content: prompt,
	}); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to persist user turn: %w", err)
	}

	descriptors := l.registry.Descriptors(l.cfg.Capabilities)
	response, err := l.runRounds(ctx, sessionKey, messages, systemPrompt, descriptors)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if err := l.sessions.Append(ctx, sessionKey, session.Turn{
		Role:    "assistant",
		Content: response.Content,
	}); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to persist assistant turn: %w", err)
	}

	return response.Content, nil
}

// handleReset truncates the session without a provider round trip.
func (l *Loop) handleReset(ctx context.Context, msg bus.InboundMessage) error {
	sessionKey := msg.SessionKey()
	if err := l.sessions.Reset(sessionKey); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	l.publisher.PublishOutbound(ctx, bus.OutboundMessage{
		SessionKey: sessionKey,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Content:    "Conversation history cleared.",
		ReplyTo:    msg.ID,
		CreatedAt:  time.Now(),
	})
	if l.memory != nil {
		if err := l.memory.LogEvent("session_reset", "session="+sessionKey); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to record activity")
		}
	}
	return nil
}

// runRounds alternates completions and tool execution until the model stops
// requesting tools or the round budget runs out.
func (l *Loop) runRounds(ctx context.Context, sessionKey string, messages []Message, systemPrompt string, descriptors []tools.Descriptor) (*Response, error) {
	logger := tracing.LoggerFromContext(ctx, l.logger)

	for round := 0; round < l.cfg.MaxToolRounds; round++ {
		l.transition(sessionKey, StateAwaitingCompletion)

		response, err := l.completeWithRetry(ctx, Request{
			Model:        l.cfg.Model,
			Messages:     messages,
			Tools:        descriptors,
			Temperature:  l.cfg.Temperature,
			MaxTokens:    l.cfg.MaxTokens,
			SystemPrompt: systemPrompt,
		})
		if err != nil {
			return nil, err
		}

		if len(response.ToolCalls) == 0 {
			return response, nil
		}

		l.transition(sessionKey, StateExecutingTools)

		results := make([]tools.Result, 0, len(response.ToolCalls))
		for _, call := range response.ToolCalls {
			results = append(results, l.dispatcher.Dispatch(ctx, call))
		}

		// Each round is committed as it completes so an interrupted turn
		// leaves a truthful partial transcript.
		if err := l.sessions.Append(ctx, sessionKey, roundTurn(response, results)); err != nil {
			logger.Error().Err(err).Msg("Failed to persist tool round")
			return nil, fmt.Errorf("failed to persist tool round: %w", err)
		}

		messages = appendRound(messages, response, results)
	}

	logger.Warn().Int("rounds", l.cfg.MaxToolRounds).Msg("Tool round budget exhausted")

	// Final completion without tools so the model must answer with what it
	// already gathered.
	messages = append(messages, Message{
		Role:    "user",
		Content: "You have used all available tool calls for this turn. Answer now with the information you already have.",
	})

	l.transition(sessionKey, StateAwaitingCompletion)
	return l.completeWithRetry(ctx, Request{
		Model:        l.cfg.Model,
		Messages:     messages,
		Temperature:  l.cfg.Temperature,
		MaxTokens:    l.cfg.MaxTokens,
		SystemPrompt: systemPrompt,
	})
}

// roundTurn records one completed tool round as a session turn.
func roundTurn(response *Response, results []tools.Result) session.Turn {
	calls := make([]session.ToolCall, 0, len(response.ToolCalls))
	for _, call := range response.ToolCalls {
		calls = append(calls, session.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
	}
	turnResults := make([]session.ToolResult, 0, len(results))
	for _, result := range results {
		turnResults = append(turnResults, session.ToolResult{
			ToolCallID: result.ToolCallID,
			Content:    result.Content,
			IsError:    result.IsError,
		})
	}
	return session.Turn{
		Role:        "assistant",
		Content:     response.Content,
		ToolCalls:   calls,
		ToolResults: turnResults,
	}
}

// appendRound extends the in-flight message list with the assistant's tool
// calls and their results.
func appendRound(messages []Message, response *Response, results []tools.Result) []Message {
	messages = append(messages, Message{
		Role:      "assistant",
		Content:   response.Content,
		ToolCalls: response.ToolCalls,
	})
	for _, result := range results {
		messages = append(messages, Message{
			Role:       "tool",
			Content:    result.Content,
			ToolCallID: result.ToolCallID,
		})
	}
	return messages
}

// completeWithRetry calls the provider with exponential backoff on
// transient failures. Fatal errors surface immediately.
func (l *Loop) completeWithRetry(ctx context.Context, request Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt < l.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.CompletionTimeout)
		response, err := l.provider.Complete(attemptCtx, request)
		cancel()

		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}

		if attempt == l.cfg.MaxRetries-1 {
			break
		}

		observability.RecordProviderRetry()
		delay := l.cfg.BackoffBase * (1 << attempt)
		l.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying completion after transient error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", l.cfg.MaxRetries, lastErr)
}
