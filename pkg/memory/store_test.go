package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReadFactsMissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)

	facts, err := s.ReadFacts()
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestWriteAndReadFacts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteFacts("- user prefers short answers\n"))

	facts, err := s.ReadFacts()
	require.NoError(t, err)
	assert.Equal(t, "- user prefers short answers\n", facts)
}

func TestAppendFact(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendFact("lives in Jakarta"))
	require.NoError(t, s.AppendFact("works night shifts"))

	facts, err := s.ReadFacts()
	require.NoError(t, err)
	assert.Contains(t, facts, "- lives in Jakarta\n")
	assert.Contains(t, facts, "- works night shifts\n")

	assert.Error(t, s.AppendFact("   "))
}

func TestLogEventAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogEvent("message_handled", "session=direct:chat-1"))
	require.NoError(t, s.LogEvent("task_fired", "task=abc name=standup"))
	require.NoError(t, s.LogEvent("message_handled", "session=direct:chat-2"))

	entries, err := s.Search(ctx, Query{Text: "message_handled", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Contains(t, entries[0].Detail, "chat-2")
	assert.Contains(t, entries[1].Detail, "chat-1")

	entries, err = s.Search(ctx, Query{Text: "STANDUP", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task_fired", entries[0].Kind)
}

func TestSearchLimit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 30; i++ {
		require.NoError(t, s.LogEvent("tick", "n"))
	}

	entries, err := s.Search(context.Background(), Query{Text: "tick", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestSearchTimeRange(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.LogEvent("tick", "early"))
	cut := time.Now()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.LogEvent("tick", "late"))

	entries, err := s.Search(context.Background(), Query{Text: "tick", Since: cut})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "late", entries[0].Detail)

	entries, err = s.Search(context.Background(), Query{Text: "tick", Until: cut})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "early", entries[0].Detail)
}

func TestSearchEmptyLogIsEmpty(t *testing.T) {
	s := newTestStore(t)

	entries, err := s.Search(context.Background(), Query{Text: "anything", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogEventRequiresKind(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.LogEvent("", "detail"))
}

func TestSaveToolPersistsFact(t *testing.T) {
	s := newTestStore(t)
	tool := NewSaveTool(s)

	out, err := tool.Invoke(context.Background(), map[string]interface{}{"fact": "birthday is in May"})
	require.NoError(t, err)
	assert.Equal(t, "Saved.", out)

	facts, err := s.ReadFacts()
	require.NoError(t, err)
	assert.Contains(t, facts, "birthday is in May")
}

func TestSearchToolFormatsEntries(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.LogEvent("task_fired", "task=xyz"))

	tool := NewSearchTool(s)
	out, err := tool.Invoke(context.Background(), map[string]interface{}{"query": "task_fired"})
	require.NoError(t, err)
	assert.Contains(t, out, "[task_fired]")
	assert.Contains(t, out, "task=xyz")

	out, err = tool.Invoke(context.Background(), map[string]interface{}{"query": "nothing-matches"})
	require.NoError(t, err)
	assert.Equal(t, "No matching activity found.", out)
}
