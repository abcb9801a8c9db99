package cron

import "time"

// ScheduleKind represents the type of schedule.
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for task execution.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "at" schedules: an RFC 3339 timestamp.
	At string `json:"at,omitempty"`

	// For "every" schedules: interval and optional anchor, in milliseconds.
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs *int64 `json:"anchorMs,omitempty"`

	// For "cron" schedules: 5-field expression and mandatory timezone.
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// Recurring reports whether the schedule fires more than once.
func (s Schedule) Recurring() bool {
	return s.Kind == ScheduleKindEvery || s.Kind == ScheduleKindCron
}

// DeliveryMode selects how a fired task reaches the user.
type DeliveryMode string

const (
	// DeliverDirect sends the task message to the channel as-is, without
	// waking the agent.
	DeliverDirect DeliveryMode = "direct_outbound"

	// DeliverAgent injects the task message as an inbound message so the
	// agent processes it like a user turn.
	DeliverAgent DeliveryMode = "agent_processed"
)

// TaskState tracks runtime state of a task.
type TaskState struct {
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastStatus        string     `json:"last_status,omitempty"` // "ok" or "error"
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors,omitempty"`
}

// Task is a scheduled message delivery.
type Task struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Message    string       `json:"message"`
	Mode       DeliveryMode `json:"mode"`
	SessionKey string       `json:"session_key"`
	Channel    string       `json:"channel"`
	ChatID     string       `json:"chat_id"`
	Schedule   Schedule     `json:"schedule"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	State      TaskState    `json:"state"`
}

// AddParams contains parameters for creating a task.
type AddParams struct {
	Name       string
	Message    string
	Mode       DeliveryMode
	SessionKey string
	Channel    string
	ChatID     string
	Schedule   Schedule
}
