package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun calculates the next fire time for a schedule.
func NextRun(schedule Schedule, now time.Time) (time.Time, error) {
	switch schedule.Kind {
	case ScheduleKindAt:
		return nextAt(schedule)
	case ScheduleKindEvery:
		return nextEvery(schedule, now)
	case ScheduleKindCron:
		return nextCron(schedule, now)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", schedule.Kind)
	}
}

func nextAt(schedule Schedule) (time.Time, error) {
	if schedule.At == "" {
		return time.Time{}, fmt.Errorf("'at' schedule requires 'at' field")
	}

	t, err := time.Parse(time.RFC3339, schedule.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return t, nil
}

func nextEvery(schedule Schedule, now time.Time) (time.Time, error) {
	if schedule.EveryMs <= 0 {
		return time.Time{}, fmt.Errorf("'every' schedule requires positive 'everyMs' value")
	}

	nowMs := now.UnixMilli()

	// Without anchor: next run is now + interval.
	if schedule.AnchorMs == nil {
		return time.UnixMilli(nowMs + schedule.EveryMs), nil
	}

	anchor := *schedule.AnchorMs
	elapsed := nowMs - anchor

	// Anchor still in the future: fire at the anchor.
	if elapsed < 0 {
		return time.UnixMilli(anchor), nil
	}

	// Align to the next period boundary after the anchor.
	periods := elapsed / schedule.EveryMs
	return time.UnixMilli(anchor + (periods+1)*schedule.EveryMs), nil
}

func nextCron(schedule Schedule, now time.Time) (time.Time, error) {
	if schedule.Expr == "" {
		return time.Time{}, fmt.Errorf("'cron' schedule requires 'expr' field")
	}
	if schedule.TZ == "" {
		return time.Time{}, fmt.Errorf("'cron' schedule requires a timezone")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	loc, err := time.LoadLocation(schedule.TZ)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
	}

	return sched.Next(now.In(loc)), nil
}
