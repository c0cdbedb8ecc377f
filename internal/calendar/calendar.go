// Package calendar answers which dates are trading days and which
// schedule session covers a given time.
package calendar

import (
	"time"

	"github.com/rs/zerolog"

	"trading-agent-scheduler/internal/mode"
)

// HolidayLookup is an optional external source of market holidays.
// When it is unavailable the calendar degrades to a weekday-only
// heuristic instead of failing.
type HolidayLookup interface {
	IsHoliday(date time.Time) (bool, error)
}

// DayInfo is the result of a trading-day check. Confidence is low when
// the holiday lookup was unavailable and only the weekday heuristic ran.
type DayInfo struct {
	TradingDay    bool
	LowConfidence bool
}

// Calendar determines trading days and sessions.
type Calendar struct {
	holidays HolidayLookup
	logger   zerolog.Logger
}

// New creates a Calendar. holidays may be nil; the calendar then runs
// permanently on the weekday heuristic.
func New(holidays HolidayLookup, logger zerolog.Logger) *Calendar {
	return &Calendar{
		holidays: holidays,
		logger:   logger.With().Str("component", "calendar").Logger(),
	}
}

// IsTradingDay reports whether date is a trading day. Never returns an
// error: holiday-lookup failures degrade to the weekday heuristic with
// the result flagged low-confidence.
func (c *Calendar) IsTradingDay(date time.Time) DayInfo {
	wd := date.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return DayInfo{TradingDay: false}
	}

	if c.holidays == nil {
		return DayInfo{TradingDay: true, LowConfidence: true}
	}

	holiday, err := c.holidays.IsHoliday(date)
	if err != nil {
		c.logger.Warn().Err(err).Time("date", date).
			Msg("holiday lookup unavailable, falling back to weekday heuristic")
		return DayInfo{TradingDay: true, LowConfidence: true}
	}

	return DayInfo{TradingDay: !holiday}
}

// SessionFor returns the scheduled mode covering t according to the
// given windows, or false when t falls in no window. Windows are
// matched on time of day only; callers decide what an uncovered
// instant means (DEEP_OBSERVATION on trading days).
func SessionFor(t time.Time, windows []Window) (mode.Mode, bool) {
	minute := minuteOfDay(t)
	for _, w := range windows {
		if minute >= w.StartMinute && minute < w.EndMinute {
			return w.Mode, true
		}
	}
	return "", false
}

// Window is a time-of-day span mapped to a mode. Minutes are measured
// from midnight in the calendar's local time. Windows for a trading day
// must be non-overlapping.
type Window struct {
	StartMinute int
	EndMinute   int
	Mode        mode.Mode
}

// Duration returns the window's length.
func (w Window) Duration() time.Duration {
	return time.Duration(w.EndMinute-w.StartMinute) * time.Minute
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
