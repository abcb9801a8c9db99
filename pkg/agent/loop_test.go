package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kurir/pkg/bus"
	"github.com/harun/kurir/pkg/memory"
	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/tools"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	requests  []Request
}

func (p *scriptedProvider) Vendor() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, request Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, request)

	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	if len(p.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	response := p.responses[0]
	p.responses = p.responses[1:]
	return response, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type capturingPublisher struct {
	mu       sync.Mutex
	messages []bus.OutboundMessage
	onSend   func(msg bus.OutboundMessage)
}

func (p *capturingPublisher) PublishOutbound(ctx context.Context, msg bus.OutboundMessage) {
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	onSend := p.onSend
	p.mu.Unlock()
	if onSend != nil {
		onSend(msg)
	}
}

func (p *capturingPublisher) sent() []bus.OutboundMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.OutboundMessage(nil), p.messages...)
}

type loopFixture struct {
	loop      *Loop
	provider  *scriptedProvider
	publisher *capturingPublisher
	sessions  *session.Store
	registry  *tools.Registry
}

func newLoopFixture(t *testing.T, cfg Config, provider *scriptedProvider, toolList ...tools.Tool) *loopFixture {
	t.Helper()

	sessions, err := session.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	mem, err := memory.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	registry := tools.NewRegistry()
	for _, tool := range toolList {
		require.NoError(t, registry.Register(tool))
	}
	dispatcher := tools.NewDispatcher(registry, time.Second)

	publisher := &capturingPublisher{}

	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}

	loop, err := NewLoop(cfg, provider, sessions, mem, registry, dispatcher, publisher, zerolog.Nop())
	require.NoError(t, err)

	return &loopFixture{
		loop:      loop,
		provider:  provider,
		publisher: publisher,
		sessions:  sessions,
		registry:  registry,
	}
}

func userMessage(content string) bus.InboundMessage {
	return bus.InboundMessage{
		ID:      "msg-1",
		Channel: "direct",
		ChatID:  "chat-1",
		Content: content,
	}
}

func TestTurnHappyPath(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{{Content: "hello back"}}}
	f := newLoopFixture(t, Config{}, provider)

	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("hello")))

	sent := f.publisher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello back", sent[0].Content)
	assert.Equal(t, "msg-1", sent[0].ReplyTo)

	turns, err := f.sessions.Load(context.Background(), "direct:chat-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, "hello back", turns[1].Content)

	assert.Equal(t, StateIdle, f.loop.CurrentState("direct:chat-1"))
}

func TestTurnCommitsBeforePublish(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{{Content: "committed answer"}}}
	f := newLoopFixture(t, Config{}, provider)

	var turnsAtPublish []session.Turn
	f.publisher.onSend = func(msg bus.OutboundMessage) {
		turns, err := f.sessions.Load(context.Background(), "direct:chat-1")
		require.NoError(t, err)
		turnsAtPublish = turns
	}

	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("hi")))

	// The assistant turn was already durable when the publish happened.
	require.Len(t, turnsAtPublish, 2)
	assert.Equal(t, "committed answer", turnsAtPublish[1].Content)
}

func TestToolRoundExecutesAndContinues(t *testing.T) {
	echo := &fakeTool{name: "echo", reply: "echoed: hi"}
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []tools.Call{{ID: "t1", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}}}},
		{Content: "done with tools"},
	}}
	f := newLoopFixture(t, Config{}, provider, echo)

	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("use the tool")))

	assert.Equal(t, 1, echo.invoked)

	sent := f.publisher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "done with tools", sent[0].Content)

	turns, err := f.sessions.Load(context.Background(), "direct:chat-1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Len(t, turns[1].ToolCalls, 1)
	assert.Equal(t, "echo", turns[1].ToolCalls[0].Name)
	require.Len(t, turns[1].ToolResults, 1)
	assert.Equal(t, "echoed: hi", turns[1].ToolResults[0].Content)

	// The second completion saw the tool result.
	require.Equal(t, 2, provider.callCount())
	lastRequest := provider.requests[1]
	foundToolMsg := false
	for _, msg := range lastRequest.Messages {
		if msg.Role == "tool" && msg.Content == "echoed: hi" {
			foundToolMsg = true
		}
	}
	assert.True(t, foundToolMsg)
}

func TestToolFaultEndsIdleNotFailed(t *testing.T) {
	boom := &fakeTool{name: "boom", err: errors.New("tool exploded")}
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []tools.Call{{ID: "t1", Name: "boom", Arguments: map[string]interface{}{}}}},
		{Content: "recovered gracefully"},
	}}
	f := newLoopFixture(t, Config{}, provider, boom)

	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("try it")))

	sent := f.publisher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "recovered gracefully", sent[0].Content)
	assert.Equal(t, StateIdle, f.loop.CurrentState("direct:chat-1"))

	turns, err := f.sessions.Load(context.Background(), "direct:chat-1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.True(t, turns[1].ToolResults[0].IsError)
}

func TestRetryExhaustionPublishesSingleApology(t *testing.T) {
	provider := &scriptedProvider{errs: []error{
		errors.New("429 rate limited"),
		errors.New("503 unavailable"),
		errors.New("429 rate limited"),
	}}
	f := newLoopFixture(t, Config{MaxRetries: 3}, provider)

	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("hello")))

	assert.Equal(t, 3, provider.callCount())

	sent := f.publisher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, apologyText, sent[0].Content)

	// The user turn and the apology are both in the transcript.
	turns, err := f.sessions.Load(context.Background(), "direct:chat-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, apologyText, turns[1].Content)

	assert.Equal(t, StateIdle, f.loop.CurrentState("direct:chat-1"))
}

func TestFatalProviderErrorSkipsRetries(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("invalid api key")}}
	f := newLoopFixture(t, Config{MaxRetries: 3}, provider)

	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("hello")))

	assert.Equal(t, 1, provider.callCount())

	sent := f.publisher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, apologyText, sent[0].Content)
}

func TestNextTurnWorksAfterFailedTurn(t *testing.T) {
	provider := &scriptedProvider{
		errs:      []error{errors.New("invalid api key"), nil},
		responses: []*Response{{Content: "all good now"}},
	}
	f := newLoopFixture(t, Config{}, provider)

	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("first")))
	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("second")))

	sent := f.publisher.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, apologyText, sent[0].Content)
	assert.Equal(t, "all good now", sent[1].Content)
}

func TestToolRoundBudgetForcesFinalAnswer(t *testing.T) {
	greedy := &fakeTool{name: "greedy", reply: "more data"}
	toolResponse := func() *Response {
		return &Response{ToolCalls: []tools.Call{{ID: "t", Name: "greedy", Arguments: map[string]interface{}{}}}}
	}
	provider := &scriptedProvider{responses: []*Response{
		toolResponse(),
		toolResponse(),
		{Content: "best effort answer"},
	}}
	f := newLoopFixture(t, Config{MaxToolRounds: 2}, provider, greedy)

	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("dig deeper")))

	assert.Equal(t, 2, greedy.invoked)
	require.Equal(t, 3, provider.callCount())

	// The forced final completion offers no tools.
	finalRequest := provider.requests[2]
	assert.Empty(t, finalRequest.Tools)

	sent := f.publisher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "best effort answer", sent[0].Content)
}

func TestResetCommandSkipsProvider(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{{Content: "hi"}}}
	f := newLoopFixture(t, Config{}, provider)

	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("hello")))
	require.NoError(t, f.loop.HandleInbound(context.Background(), userMessage("/reset")))

	// Only the first turn reached the provider.
	assert.Equal(t, 1, provider.callCount())

	turns, err := f.sessions.Load(context.Background(), "direct:chat-1")
	require.NoError(t, err)
	assert.Empty(t, turns)

	sent := f.publisher.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Conversation history cleared.", sent[1].Content)
}

func TestFactsInjectedIntoSystemPrompt(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{{Content: "noted"}}}

	sessions, err := session.New(t.TempDir())
	require.NoError(t, err)
	defer sessions.Close()

	mem, err := memory.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer mem.Close()
	require.NoError(t, mem.WriteFacts("- allergic to peanuts\n"))

	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, time.Second)
	publisher := &capturingPublisher{}

	loop, err := NewLoop(Config{Model: "test-model", BackoffBase: time.Millisecond},
		provider, sessions, mem, registry, dispatcher, publisher, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, loop.HandleInbound(context.Background(), userMessage("dinner ideas?")))

	require.Equal(t, 1, provider.callCount())
	assert.Contains(t, provider.requests[0].SystemPrompt, "allergic to peanuts")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("429 too many requests")))
	assert.True(t, IsRetryable(errors.New("upstream 503")))
	assert.True(t, IsRetryable(errors.New("request timeout")))
	assert.False(t, IsRetryable(errors.New("invalid api key")))
	assert.False(t, IsRetryable(nil))
}

type fakeTool struct {
	name    string
	reply   string
	err     error
	invoked int
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }

func (f *fakeTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
	}
}

func (f *fakeTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	f.invoked++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}
