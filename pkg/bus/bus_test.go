package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingActivity struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingActivity) LogEvent(kind, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
	return nil
}

func (r *recordingActivity) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg, zerolog.Nop(), nil)
	t.Cleanup(func() { b.Close() })
	return b
}

func inbound(chatID, content string) InboundMessage {
	return InboundMessage{
		ID:      content,
		Channel: "direct",
		ChatID:  chatID,
		Content: content,
	}
}

func TestPublishInboundFIFOWithinSession(t *testing.T) {
	b := newTestBus(t, Config{})

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 10)

	b.SubscribeInbound(func(ctx context.Context, msg InboundMessage) error {
		mu.Lock()
		order = append(order, msg.Content)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, content := range want {
		require.NoError(t, b.PublishInbound(inbound("chat-1", content)))
	}

	for range want {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestSessionNeverHandledConcurrently(t *testing.T) {
	b := newTestBus(t, Config{MaxWorkers: 8})

	var inFlight int32
	var mu sync.Mutex
	overlapped := false
	done := make(chan struct{}, 20)

	b.SubscribeInbound(func(ctx context.Context, msg InboundMessage) error {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			overlapped = true
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, b.PublishInbound(inbound("chat-1", fmt.Sprintf("m%d", i))))
	}

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler")
		}
	}

	assert.False(t, overlapped, "two handler invocations ran concurrently for one session")
}

func TestSlowSessionDoesNotDelayOthers(t *testing.T) {
	b := newTestBus(t, Config{MaxWorkers: 4})

	fastDone := make(chan struct{})
	release := make(chan struct{})

	b.SubscribeInbound(func(ctx context.Context, msg InboundMessage) error {
		if msg.ChatID == "slow" {
			<-release
			return nil
		}
		close(fastDone)
		return nil
	})

	require.NoError(t, b.PublishInbound(inbound("slow", "blocked")))
	require.NoError(t, b.PublishInbound(inbound("fast", "quick")))

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast session was delayed by the slow one")
	}
	close(release)
}

func TestBackpressureRejectsWithoutBlocking(t *testing.T) {
	b := newTestBus(t, Config{HighWatermark: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	b.SubscribeInbound(func(ctx context.Context, msg InboundMessage) error {
		started <- struct{}{}
		<-release
		return nil
	})

	require.NoError(t, b.PublishInbound(inbound("chat-1", "m1")))
	<-started

	// Lane capacity is 1: this fills it while the handler is busy.
	require.NoError(t, b.PublishInbound(inbound("chat-1", "m2")))

	err := b.PublishInbound(inbound("chat-1", "m3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackpressure)

	close(release)
	<-started
	close(started)
}

func TestHandlerErrorSynthesizesApology(t *testing.T) {
	activity := &recordingActivity{}
	b := New(Config{}, zerolog.Nop(), activity)
	defer b.Close()

	var mu sync.Mutex
	var sent []OutboundMessage
	delivered := make(chan struct{}, 1)
	b.RegisterSender("direct", func(ctx context.Context, msg OutboundMessage) error {
		mu.Lock()
		sent = append(sent, msg)
		mu.Unlock()
		delivered <- struct{}{}
		return nil
	})

	b.SubscribeInbound(func(ctx context.Context, msg InboundMessage) error {
		return errors.New("boom")
	})

	require.NoError(t, b.PublishInbound(inbound("chat-1", "msg-id-1")))

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("no apology delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, "msg-id-1", sent[0].ReplyTo)
	assert.Contains(t, sent[0].Content, "Something went wrong")
	assert.Contains(t, activity.kinds(), "handler_error")
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := newTestBus(t, Config{})

	delivered := make(chan OutboundMessage, 2)
	b.RegisterSender("direct", func(ctx context.Context, msg OutboundMessage) error {
		delivered <- msg
		return nil
	})

	handled := make(chan string, 2)
	b.SubscribeInbound(func(ctx context.Context, msg InboundMessage) error {
		if msg.Content == "explode" {
			panic("kaboom")
		}
		handled <- msg.Content
		return nil
	})

	require.NoError(t, b.PublishInbound(inbound("chat-1", "explode")))

	select {
	case msg := <-delivered:
		assert.Contains(t, msg.Content, "Something went wrong")
	case <-time.After(2 * time.Second):
		t.Fatal("no apology after panic")
	}

	// The lane keeps working afterwards.
	require.NoError(t, b.PublishInbound(inbound("chat-1", "still-alive")))
	select {
	case content := <-handled:
		assert.Equal(t, "still-alive", content)
	case <-time.After(2 * time.Second):
		t.Fatal("lane dead after panic")
	}
}

func TestPublishOutboundMissingSenderIsContained(t *testing.T) {
	activity := &recordingActivity{}
	b := New(Config{}, zerolog.Nop(), activity)
	defer b.Close()

	// Must not panic or block.
	b.PublishOutbound(context.Background(), OutboundMessage{
		SessionKey: "ghost:1",
		Channel:    "ghost",
		ChatID:     "1",
		Content:    "hello",
	})

	assert.Contains(t, activity.kinds(), "delivery_error")
}

func TestPublishAfterCloseReturnsErrClosed(t *testing.T) {
	b := New(Config{}, zerolog.Nop(), nil)
	require.NoError(t, b.Close())

	err := b.PublishInbound(inbound("chat-1", "late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDrainWaitsForQueuedWork(t *testing.T) {
	b := newTestBus(t, Config{})

	b.SubscribeInbound(func(ctx context.Context, msg InboundMessage) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, b.PublishInbound(inbound("chat-1", fmt.Sprintf("m%d", i))))
	}

	assert.True(t, b.Drain(5*time.Second))
	assert.Equal(t, 0, b.LaneDepth("direct:chat-1"))
}
