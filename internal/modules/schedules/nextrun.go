package schedules

import (
	"fmt"
	"time"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// NextRun derives when a rule fires next, in the rule's timezone: the anchor
// (last execution, or creation for never-run rules) advanced by the interval
// and snapped to time_of_day. Weekly rules with day_of_week fire on every
// allowed weekday of every interval-th week since the anchor week.
//
// Occurrences more than grace in the past are considered missed and skipped,
// not replayed.
func NextRun(rule *domain.ScheduleRule, now time.Time, grace time.Duration) (time.Time, error) {
	loc := time.UTC
	if rule.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(rule.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown timezone %q: %w", rule.Timezone, err)
		}
	}

	var hour, minute int
	if _, err := fmt.Sscanf(rule.TimeOfDay, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("malformed time_of_day %q: %w", rule.TimeOfDay, err)
	}

	anchor := rule.CreatedAt.In(loc)
	executed := rule.LastExecutedAt != nil
	if executed {
		anchor = rule.LastExecutedAt.In(loc)
	}

	lower := now.Add(-grace)
	snap := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, loc)
	}

	if rule.IntervalUnit == "weeks" && len(rule.DayOfWeek) > 0 {
		return nextWeekly(rule, anchor, lower, snap)
	}

	// Days and months (and weeks without weekday pinning): fixed stride from
	// the anchor.
	for k := 0; k < 1000; k++ {
		if k == 0 && executed {
			continue // an executed rule never re-fires its anchor slot
		}
		var candidate time.Time
		switch rule.IntervalUnit {
		case "days":
			candidate = snap(anchor.AddDate(0, 0, k*rule.IntervalValue))
		case "weeks":
			candidate = snap(anchor.AddDate(0, 0, k*rule.IntervalValue*7))
		case "months":
			candidate = snap(anchor.AddDate(0, k*rule.IntervalValue, 0))
		default:
			return time.Time{}, fmt.Errorf("unknown interval unit %q", rule.IntervalUnit)
		}
		if candidate.After(anchor) || (!executed && !candidate.Before(anchor)) {
			if !candidate.Before(lower) {
				return candidate, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("no next run found for schedule %s", rule.ID)
}

// nextWeekly scans forward day by day: a candidate fires when its weekday is
// allowed and its week parity matches (weeks_since_anchor % interval == 0),
// with weeks starting on Sunday to match the 0=Sunday weekday encoding.
func nextWeekly(rule *domain.ScheduleRule, anchor, lower time.Time, snap func(time.Time) time.Time) (time.Time, error) {
	allowed := map[int]bool{}
	for _, d := range rule.DayOfWeek {
		allowed[d] = true
	}
	anchorWeek := weekStart(anchor)

	start := anchor
	if lower.After(start) {
		start = lower
	}

	for offset := 0; offset < 7*rule.IntervalValue+14; offset++ {
		day := start.AddDate(0, 0, offset)
		candidate := snap(day)
		if !candidate.After(anchor) || candidate.Before(lower) {
			continue
		}
		if !allowed[int(candidate.Weekday())] {
			continue
		}
		weeks := int(weekStart(candidate).Sub(anchorWeek).Hours() / (24 * 7))
		if weeks%rule.IntervalValue != 0 {
			continue
		}
		return candidate, nil
	}
	return time.Time{}, fmt.Errorf("no next run found for schedule %s", rule.ID)
}

// weekStart returns midnight of the Sunday starting the week of t.
func weekStart(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -int(midnight.Weekday()))
}
