// Package schedule maps wall-clock time to scheduled modes via a static
// window table over the trading calendar.
package schedule

import (
	"sort"
	"time"

	"trading-agent-scheduler/internal/calendar"
	"trading-agent-scheduler/internal/mode"
)

// Table resolves the scheduled mode for any instant and the next
// scheduled transition. Windows are disjoint by construction; any
// instant outside all windows on a trading day is DEEP_OBSERVATION,
// weekends are WEEKLY_REVIEW, and holidays are DEEP_OBSERVATION.
type Table struct {
	cal     *calendar.Calendar
	windows []calendar.Window // sorted by StartMinute
}

// DefaultWindows is the standard intraday schedule.
func DefaultWindows() []calendar.Window {
	return []calendar.Window{
		{StartMinute: 8*60 + 30, EndMinute: 9 * 60, Mode: mode.Observation},
		{StartMinute: 9 * 60, EndMinute: 11 * 60, Mode: mode.Trading},
		{StartMinute: 11 * 60, EndMinute: 13 * 60, Mode: mode.Rebalancing},
		{StartMinute: 13 * 60, EndMinute: 14 * 60, Mode: mode.StrategyReview},
	}
}

// New creates a Table over the given windows. Passing nil windows uses
// DefaultWindows.
func New(cal *calendar.Calendar, windows []calendar.Window) *Table {
	if len(windows) == 0 {
		windows = DefaultWindows()
	}
	sorted := make([]calendar.Window, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartMinute < sorted[j].StartMinute
	})
	return &Table{cal: cal, windows: sorted}
}

// CurrentScheduledMode returns the mode the schedule assigns to now.
// Every instant maps to exactly one mode.
func (t *Table) CurrentScheduledMode(now time.Time) mode.Mode {
	wd := now.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return mode.WeeklyReview
	}

	info := t.cal.IsTradingDay(now)
	if !info.TradingDay {
		return mode.DeepObservation
	}

	if m, ok := calendar.SessionFor(now, t.windows); ok {
		return m
	}
	return mode.DeepObservation
}

// WindowFor returns the schedule window assigned to m, if any. Modes
// without a window (DEEP_OBSERVATION, WEEKLY_REVIEW, STANDBY) have no
// fixed duration; callers fall back to the gap until the next window.
func (t *Table) WindowFor(m mode.Mode) (calendar.Window, bool) {
	for _, w := range t.windows {
		if w.Mode == m {
			return w, true
		}
	}
	return calendar.Window{}, false
}

// NextTransition returns the next scheduled mode change at or after
// now: the start of the next window today, or the first window of the
// following trading day, skipping weekends and holidays.
func (t *Table) NextTransition(now time.Time) (mode.Mode, time.Time) {
	minute := now.Hour()*60 + now.Minute()

	if t.isTradingDay(now) {
		for _, w := range t.windows {
			if w.StartMinute > minute {
				return w.Mode, atMinute(now, w.StartMinute)
			}
		}
	}

	// Past the last window (or not a trading day): first window of the
	// next trading day. Bounded scan; a full year without a trading day
	// means the calendar is broken.
	day := now.AddDate(0, 0, 1)
	for i := 0; i < 366; i++ {
		if t.isTradingDay(day) {
			first := t.windows[0]
			return first.Mode, atMinute(day, first.StartMinute)
		}
		day = day.AddDate(0, 0, 1)
	}
	return t.windows[0].Mode, atMinute(day, t.windows[0].StartMinute)
}

func (t *Table) isTradingDay(d time.Time) bool {
	wd := d.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return t.cal.IsTradingDay(d).TradingDay
}

func atMinute(day time.Time, minuteOfDay int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		minuteOfDay/60, minuteOfDay%60, 0, 0, day.Location())
}
