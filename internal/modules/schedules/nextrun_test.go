package schedules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/domain"
)

const testGrace = 5 * time.Minute

func utc(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func executedAt(t time.Time) *time.Time { return &t }

func TestNextRunDailyFiresSameDay(t *testing.T) {
	rule := &domain.ScheduleRule{
		ID:            "s1",
		IntervalValue: 1,
		IntervalUnit:  "days",
		TimeOfDay:     "09:00",
		CreatedAt:     utc(2026, time.March, 2, 8, 0),
	}

	next, err := NextRun(rule, utc(2026, time.March, 2, 8, 30), testGrace)
	require.NoError(t, err)
	assert.Equal(t, utc(2026, time.March, 2, 9, 0), next)
}

func TestNextRunExecutedAnchorNeverRefires(t *testing.T) {
	rule := &domain.ScheduleRule{
		ID:             "s1",
		IntervalValue:  1,
		IntervalUnit:   "days",
		TimeOfDay:      "09:00",
		CreatedAt:      utc(2026, time.March, 1, 8, 0),
		LastExecutedAt: executedAt(utc(2026, time.March, 2, 9, 0)),
	}

	next, err := NextRun(rule, utc(2026, time.March, 2, 9, 1), testGrace)
	require.NoError(t, err)
	assert.Equal(t, utc(2026, time.March, 3, 9, 0), next)
}

func TestNextRunDailyStride(t *testing.T) {
	rule := &domain.ScheduleRule{
		ID:             "s1",
		IntervalValue:  3,
		IntervalUnit:   "days",
		TimeOfDay:      "09:00",
		CreatedAt:      utc(2026, time.February, 1, 8, 0),
		LastExecutedAt: executedAt(utc(2026, time.March, 2, 9, 0)),
	}

	next, err := NextRun(rule, utc(2026, time.March, 2, 10, 0), testGrace)
	require.NoError(t, err)
	assert.Equal(t, utc(2026, time.March, 5, 9, 0), next)
}

func TestNextRunSkipsMissedOccurrences(t *testing.T) {
	rule := &domain.ScheduleRule{
		ID:             "s1",
		IntervalValue:  1,
		IntervalUnit:   "days",
		TimeOfDay:      "09:00",
		CreatedAt:      utc(2026, time.February, 1, 8, 0),
		LastExecutedAt: executedAt(utc(2026, time.March, 2, 9, 0)),
	}

	// A week of downtime: the backlog is dropped, not replayed.
	next, err := NextRun(rule, utc(2026, time.March, 10, 12, 0), testGrace)
	require.NoError(t, err)
	assert.Equal(t, utc(2026, time.March, 11, 9, 0), next)
}

func TestNextRunGraceToleratesLateTick(t *testing.T) {
	rule := &domain.ScheduleRule{
		ID:             "s1",
		IntervalValue:  1,
		IntervalUnit:   "days",
		TimeOfDay:      "09:00",
		CreatedAt:      utc(2026, time.February, 1, 8, 0),
		LastExecutedAt: executedAt(utc(2026, time.March, 9, 9, 0)),
	}

	// Three minutes late is inside the grace window: today still fires.
	next, err := NextRun(rule, utc(2026, time.March, 10, 9, 3), testGrace)
	require.NoError(t, err)
	assert.Equal(t, utc(2026, time.March, 10, 9, 0), next)
}

func TestNextRunWeeklyWithWeekdayPinning(t *testing.T) {
	// 2026-03-02 is a Monday; weeks start on Sunday.
	rule := &domain.ScheduleRule{
		ID:             "s1",
		IntervalValue:  2,
		IntervalUnit:   "weeks",
		TimeOfDay:      "09:00",
		DayOfWeek:      []int{1, 5}, // Monday, Friday
		CreatedAt:      utc(2026, time.February, 1, 8, 0),
		LastExecutedAt: executedAt(utc(2026, time.March, 2, 9, 0)),
	}

	// The Friday of the anchor week still belongs to an allowed week.
	next, err := NextRun(rule, utc(2026, time.March, 2, 10, 0), testGrace)
	require.NoError(t, err)
	assert.Equal(t, utc(2026, time.March, 6, 9, 0), next)
	assert.Equal(t, time.Friday, next.Weekday())

	// After the Friday fires, the next allowed week is two weeks out.
	rule.LastExecutedAt = executedAt(utc(2026, time.March, 6, 9, 0))
	next, err = NextRun(rule, utc(2026, time.March, 6, 10, 0), testGrace)
	require.NoError(t, err)
	assert.Equal(t, utc(2026, time.March, 16, 9, 0), next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestNextRunWeeklyWithoutPinningUsesStride(t *testing.T) {
	rule := &domain.ScheduleRule{
		ID:             "s1",
		IntervalValue:  1,
		IntervalUnit:   "weeks",
		TimeOfDay:      "09:00",
		CreatedAt:      utc(2026, time.February, 1, 8, 0),
		LastExecutedAt: executedAt(utc(2026, time.March, 2, 9, 0)),
	}

	next, err := NextRun(rule, utc(2026, time.March, 2, 10, 0), testGrace)
	require.NoError(t, err)
	assert.Equal(t, utc(2026, time.March, 9, 9, 0), next)
}

func TestNextRunMonthlyNormalizesShortMonths(t *testing.T) {
	rule := &domain.ScheduleRule{
		ID:             "s1",
		IntervalValue:  1,
		IntervalUnit:   "months",
		TimeOfDay:      "09:00",
		CreatedAt:      utc(2026, time.January, 1, 8, 0),
		LastExecutedAt: executedAt(utc(2026, time.January, 31, 9, 0)),
	}

	// Jan 31 + 1 month rolls through the short February to Mar 3.
	next, err := NextRun(rule, utc(2026, time.February, 1, 10, 0), testGrace)
	require.NoError(t, err)
	assert.Equal(t, utc(2026, time.March, 3, 9, 0), next)
}

func TestNextRunHonorsTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	rule := &domain.ScheduleRule{
		ID:            "s1",
		IntervalValue: 1,
		IntervalUnit:  "days",
		TimeOfDay:     "09:30",
		Timezone:      "America/New_York",
		CreatedAt:     utc(2026, time.March, 2, 0, 0), // Mar 1 19:00 in New York
	}

	next, err := NextRun(rule, utc(2026, time.March, 2, 12, 0), testGrace)
	require.NoError(t, err)
	assert.True(t, next.Equal(time.Date(2026, time.March, 2, 9, 30, 0, 0, ny)))
}

func TestNextRunRejectsMalformedRules(t *testing.T) {
	now := utc(2026, time.March, 2, 8, 0)

	_, err := NextRun(&domain.ScheduleRule{
		ID: "s1", IntervalValue: 1, IntervalUnit: "days", TimeOfDay: "nine",
		CreatedAt: now,
	}, now, testGrace)
	assert.Error(t, err)

	_, err = NextRun(&domain.ScheduleRule{
		ID: "s1", IntervalValue: 1, IntervalUnit: "fortnights", TimeOfDay: "09:00",
		CreatedAt: now,
	}, now, testGrace)
	assert.Error(t, err)

	_, err = NextRun(&domain.ScheduleRule{
		ID: "s1", IntervalValue: 1, IntervalUnit: "days", TimeOfDay: "09:00",
		Timezone: "Mars/Olympus", CreatedAt: now,
	}, now, testGrace)
	assert.Error(t, err)
}
