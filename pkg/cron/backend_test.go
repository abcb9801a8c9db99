package cron

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerBackendFires(t *testing.T) {
	b := NewTimerBackend()
	defer b.Close()

	require.NoError(t, b.Schedule("task-1", time.Now().Add(10*time.Millisecond)))

	select {
	case id := <-b.Fires():
		assert.Equal(t, "task-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("wake-up never fired")
	}
}

func TestTimerBackendPastDueFiresImmediately(t *testing.T) {
	b := NewTimerBackend()
	defer b.Close()

	require.NoError(t, b.Schedule("task-1", time.Now().Add(-time.Hour)))

	select {
	case id := <-b.Fires():
		assert.Equal(t, "task-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("past-due wake-up never fired")
	}
}

func TestTimerBackendCancel(t *testing.T) {
	b := NewTimerBackend()
	defer b.Close()

	require.NoError(t, b.Schedule("doomed", time.Now().Add(30*time.Millisecond)))
	require.NoError(t, b.Cancel("doomed"))

	select {
	case id := <-b.Fires():
		t.Fatalf("cancelled wake-up fired: %s", id)
	case <-time.After(100 * time.Millisecond):
	}

	assert.NoError(t, b.Cancel("never-existed"))
}

func TestTimerBackendRescheduleReplaces(t *testing.T) {
	b := NewTimerBackend()
	defer b.Close()

	require.NoError(t, b.Schedule("task-1", time.Now().Add(time.Hour)))
	require.NoError(t, b.Schedule("task-1", time.Now().Add(10*time.Millisecond)))

	select {
	case id := <-b.Fires():
		assert.Equal(t, "task-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled wake-up never fired")
	}

	select {
	case id := <-b.Fires():
		t.Fatalf("replaced wake-up fired twice: %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimerBackendScheduleAfterCloseFails(t *testing.T) {
	b := NewTimerBackend()
	require.NoError(t, b.Close())

	assert.Error(t, b.Schedule("task-1", time.Now()))
	assert.NoError(t, b.Close(), "second close is a no-op")
}

// Immediate timer callbacks racing Close must never send on the closed fire
// channel.
func TestTimerBackendCloseDuringImmediateFires(t *testing.T) {
	for i := 0; i < 100; i++ {
		b := NewTimerBackend()
		for j := 0; j < 8; j++ {
			require.NoError(t, b.Schedule(fmt.Sprintf("task-%d", j), time.Now()))
		}
		require.NoError(t, b.Close())
	}
}
