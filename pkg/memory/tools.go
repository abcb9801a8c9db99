package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SaveTool lets the agent persist a durable fact into the fact document.
type SaveTool struct {
	store *Store
}

// NewSaveTool creates the memory_save tool.
func NewSaveTool(store *Store) *SaveTool {
	return &SaveTool{store: store}
}

func (t *SaveTool) Name() string { return "memory_save" }

func (t *SaveTool) Description() string {
	return "Save a durable fact about the user or ongoing work. Saved facts are visible in every future conversation."
}

func (t *SaveTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"fact": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, phrased as a single standalone sentence",
			},
		},
		"required": []interface{}{"fact"},
	}
}

func (t *SaveTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	fact, _ := args["fact"].(string)
	if strings.TrimSpace(fact) == "" {
		return "", fmt.Errorf("fact cannot be empty")
	}
	if err := t.store.AppendFact(fact); err != nil {
		return "", err
	}
	return "Saved.", nil
}

// SearchTool lets the agent query the activity log for past events.
type SearchTool struct {
	store *Store
}

// NewSearchTool creates the activity_search tool.
func NewSearchTool(store *Store) *SearchTool {
	return &SearchTool{store: store}
}

func (t *SearchTool) Name() string { return "activity_search" }

func (t *SearchTool) Description() string {
	return "Search the activity log for past events such as handled messages, fired tasks and delivery errors. Returns the newest matches first."
}

func (t *SearchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Case-insensitive substring to match against event kind and detail",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of entries to return (default 20)",
			},
			"since": map[string]interface{}{
				"type":        "string",
				"description": "Only events at or after this RFC 3339 timestamp",
			},
			"until": map[string]interface{}{
				"type":        "string",
				"description": "Only events at or before this RFC 3339 timestamp",
			},
		},
		"required": []interface{}{"query"},
	}
}

func (t *SearchTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	q := Query{Limit: 20}
	q.Text, _ = args["query"].(string)
	if raw, ok := args["limit"].(float64); ok && raw > 0 {
		q.Limit = int(raw)
	}
	if raw, _ := args["since"].(string); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return "", fmt.Errorf("invalid since timestamp: %w", err)
		}
		q.Since = since
	}
	if raw, _ := args["until"].(string); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return "", fmt.Errorf("invalid until timestamp: %w", err)
		}
		q.Until = until
	}

	entries, err := t.store.Search(ctx, q)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No matching activity found.", nil
	}

	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "%s [%s] %s\n", entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Kind, entry.Detail)
	}
	return b.String(), nil
}
