package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/kurir/internal/tracing"
)

// Tool exposes task scheduling to the agent as the schedule_task tool. The
// originating session is taken from the call context, so tasks always
// deliver back to the chat that created them.
type Tool struct {
	service *Service
}

// NewTool creates the schedule_task tool.
func NewTool(service *Service) *Tool {
	return &Tool{service: service}
}

func (t *Tool) Name() string { return "schedule_task" }

func (t *Tool) Description() string {
	return "Schedule, list or cancel future message deliveries. Use mode 'direct_outbound' for plain reminders delivered as-is, or 'agent_processed' when the message needs fresh thinking at fire time. Cron schedules require a timezone."
}

func (t *Tool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"add", "list", "remove"},
				"description": "What to do",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Short task name (add)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "The message to deliver when the task fires (add)",
			},
			"mode": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"direct_outbound", "agent_processed"},
				"description": "Delivery mode, defaults to direct_outbound",
			},
			"at": map[string]interface{}{
				"type":        "string",
				"description": "RFC 3339 timestamp for a one-shot task (add)",
			},
			"every_minutes": map[string]interface{}{
				"type":        "integer",
				"description": "Interval in minutes for a recurring task (add)",
			},
			"cron": map[string]interface{}{
				"type":        "string",
				"description": "5-field cron expression for a recurring task (add)",
			},
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone, required with cron",
			},
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Task ID (remove)",
			},
		},
		"required": []interface{}{"action"},
	}
}

func (t *Tool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	action, _ := args["action"].(string)

	switch action {
	case "add":
		return t.add(ctx, args)
	case "list":
		return t.list()
	case "remove":
		return t.remove(args)
	default:
		return "", fmt.Errorf("unknown action: %s", action)
	}
}

func (t *Tool) add(ctx context.Context, args map[string]interface{}) (string, error) {
	sessionKey := tracing.GetSessionKey(ctx)
	if sessionKey == "" {
		return "", fmt.Errorf("no session in call context")
	}
	channel, chatID, ok := strings.Cut(sessionKey, ":")
	if !ok {
		return "", fmt.Errorf("malformed session key: %s", sessionKey)
	}

	name, _ := args["name"].(string)
	message, _ := args["message"].(string)
	if name == "" || message == "" {
		return "", fmt.Errorf("add requires name and message")
	}

	mode := DeliverDirect
	if raw, _ := args["mode"].(string); raw != "" {
		mode = DeliveryMode(raw)
	}

	schedule, err := scheduleFromArgs(args)
	if err != nil {
		return "", err
	}

	task, err := t.service.Add(AddParams{
		Name:       name,
		Message:    message,
		Mode:       mode,
		SessionKey: sessionKey,
		Channel:    channel,
		ChatID:     chatID,
		Schedule:   schedule,
	})
	if err != nil {
		return "", err
	}

	next := ""
	if task.State.NextRunAt != nil {
		next = task.State.NextRunAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("Scheduled task %s (%s), next run %s.", task.Name, task.ID, next), nil
}

func (t *Tool) list() (string, error) {
	tasks := t.service.List()
	if len(tasks) == 0 {
		return "No scheduled tasks.", nil
	}

	var b strings.Builder
	for _, task := range tasks {
		next := "-"
		if task.State.NextRunAt != nil {
			next = task.State.NextRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s  %s  mode=%s  next=%s\n", task.ID, task.Name, task.Mode, next)
	}
	return b.String(), nil
}

func (t *Tool) remove(args map[string]interface{}) (string, error) {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "", fmt.Errorf("remove requires task_id")
	}
	if err := t.service.Remove(taskID); err != nil {
		return "", err
	}
	return "Task removed.", nil
}

func scheduleFromArgs(args map[string]interface{}) (Schedule, error) {
	at, _ := args["at"].(string)
	expr, _ := args["cron"].(string)
	tz, _ := args["timezone"].(string)
	everyMinutes, _ := args["every_minutes"].(float64)

	switch {
	case at != "":
		return Schedule{Kind: ScheduleKindAt, At: at}, nil
	case expr != "":
		if tz == "" {
			return Schedule{}, fmt.Errorf("cron schedules require a timezone")
		}
		return Schedule{Kind: ScheduleKindCron, Expr: expr, TZ: tz}, nil
	case everyMinutes > 0:
		return Schedule{Kind: ScheduleKindEvery, EveryMs: int64(everyMinutes) * 60 * 1000}, nil
	default:
		return Schedule{}, fmt.Errorf("add requires one of at, cron or every_minutes")
	}
}
