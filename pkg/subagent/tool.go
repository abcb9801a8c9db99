package subagent

import (
	"context"
	"fmt"

	"github.com/harun/kurir/internal/tracing"
)

// SpawnTool exposes background runs to the agent as the spawn_task tool.
type SpawnTool struct {
	manager *Manager
}

// NewSpawnTool creates the spawn_task tool.
func NewSpawnTool(manager *Manager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

func (t *SpawnTool) Name() string { return "spawn_task" }

func (t *SpawnTool) Description() string {
	return "Run a self-contained task in the background and get the outcome announced here when it finishes. Not for timed or recurring work; use schedule_task for anything time-based."
}

func (t *SpawnTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Complete description of the work, including everything the background run needs to know",
			},
		},
		"required": []interface{}{"task"},
	}
}

func (t *SpawnTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	task, _ := args["task"].(string)

	parentSessionKey := tracing.GetSessionKey(ctx)
	if parentSessionKey == "" {
		return "", fmt.Errorf("no session in call context")
	}

	run, err := t.manager.Spawn(ctx, parentSessionKey, task)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Background run %s started. The outcome will be announced in this conversation.", run.ID), nil
}
