package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRunAt(t *testing.T) {
	want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	got, err := NextRun(Schedule{Kind: ScheduleKindAt, At: want.Format(time.RFC3339)}, time.Now())
	require.NoError(t, err)
	assert.True(t, got.Equal(want))

	_, err = NextRun(Schedule{Kind: ScheduleKindAt}, time.Now())
	assert.Error(t, err)

	_, err = NextRun(Schedule{Kind: ScheduleKindAt, At: "not-a-time"}, time.Now())
	assert.Error(t, err)
}

func TestNextRunEvery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := NextRun(Schedule{Kind: ScheduleKindEvery, EveryMs: 60_000}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), got.UnixMilli())

	_, err = NextRun(Schedule{Kind: ScheduleKindEvery}, now)
	assert.Error(t, err)
}

func TestNextRunEveryWithAnchor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	anchor := now.Add(-90 * time.Second).UnixMilli()

	// 90s past the anchor with a 60s period: next aligned boundary is
	// anchor + 120s.
	got, err := NextRun(Schedule{Kind: ScheduleKindEvery, EveryMs: 60_000, AnchorMs: &anchor}, now)
	require.NoError(t, err)
	assert.Equal(t, anchor+120_000, got.UnixMilli())

	// Future anchor fires at the anchor itself.
	future := now.Add(time.Hour).UnixMilli()
	got, err = NextRun(Schedule{Kind: ScheduleKindEvery, EveryMs: 60_000, AnchorMs: &future}, now)
	require.NoError(t, err)
	assert.Equal(t, future, got.UnixMilli())
}

func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	got, err := NextRun(Schedule{Kind: ScheduleKindCron, Expr: "0 9 * * *", TZ: "UTC"}, now)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Hour())
	assert.True(t, got.After(now))

	_, err = NextRun(Schedule{Kind: ScheduleKindCron, Expr: "0 9 * * *"}, now)
	assert.Error(t, err, "timezone is mandatory for cron schedules")

	_, err = NextRun(Schedule{Kind: ScheduleKindCron, Expr: "bad expr", TZ: "UTC"}, now)
	assert.Error(t, err)

	_, err = NextRun(Schedule{Kind: ScheduleKindCron, Expr: "0 9 * * *", TZ: "Not/AZone"}, now)
	assert.Error(t, err)
}

func TestNextRunUnknownKind(t *testing.T) {
	_, err := NextRun(Schedule{Kind: "weekly"}, time.Now())
	assert.Error(t, err)
}

func TestScheduleRecurring(t *testing.T) {
	assert.False(t, Schedule{Kind: ScheduleKindAt}.Recurring())
	assert.True(t, Schedule{Kind: ScheduleKindEvery}.Recurring())
	assert.True(t, Schedule{Kind: ScheduleKindCron}.Recurring())
}
