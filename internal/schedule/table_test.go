package schedule

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-agent-scheduler/internal/calendar"
	"trading-agent-scheduler/internal/mode"
)

type fakeHolidays struct {
	holidays map[string]bool
}

func (f *fakeHolidays) IsHoliday(date time.Time) (bool, error) {
	return f.holidays[date.Format("2006-01-02")], nil
}

func newTable(holidays map[string]bool) *Table {
	cal := calendar.New(&fakeHolidays{holidays: holidays}, zerolog.Nop())
	return New(cal, nil)
}

// Monday 2026-03-02 is a trading day.
func at(day, hour, min int) time.Time {
	return time.Date(2026, 3, day, hour, min, 0, 0, time.UTC)
}

func TestCurrentScheduledMode_TradingDayScenario(t *testing.T) {
	table := newTable(nil)

	tests := []struct {
		hour, min int
		want      mode.Mode
	}{
		{8, 45, mode.Observation},
		{9, 5, mode.Trading},
		{11, 15, mode.Rebalancing},
		{13, 15, mode.StrategyReview},
		{14, 0, mode.DeepObservation},
		{3, 30, mode.DeepObservation},
		{23, 59, mode.DeepObservation},
	}

	for _, tt := range tests {
		got := table.CurrentScheduledMode(at(2, tt.hour, tt.min))
		if got != tt.want {
			t.Errorf("Monday %02d:%02d = %s, want %s", tt.hour, tt.min, got, tt.want)
		}
	}
}

func TestCurrentScheduledMode_Weekend(t *testing.T) {
	table := newTable(nil)

	for _, hour := range []int{0, 9, 12, 23} {
		if got := table.CurrentScheduledMode(at(7, hour, 0)); got != mode.WeeklyReview {
			t.Errorf("Saturday %02d:00 = %s, want WEEKLY_REVIEW", hour, got)
		}
	}
}

func TestCurrentScheduledMode_Holiday(t *testing.T) {
	table := newTable(map[string]bool{"2026-03-02": true})

	if got := table.CurrentScheduledMode(at(2, 10, 0)); got != mode.DeepObservation {
		t.Errorf("holiday = %s, want DEEP_OBSERVATION", got)
	}
}

// Every minute of any day maps to exactly one of the seven modes.
func TestCurrentScheduledMode_TotalMapping(t *testing.T) {
	table := newTable(map[string]bool{"2026-03-03": true})

	for day := 1; day <= 8; day++ {
		for minute := 0; minute < 24*60; minute += 7 {
			now := at(day, minute/60, minute%60)
			got := table.CurrentScheduledMode(now)
			if !got.Valid() {
				t.Fatalf("%s maps to invalid mode %q", now, got)
			}
		}
	}
}

func TestNextTransition_SameDay(t *testing.T) {
	table := newTable(nil)

	m, when := table.NextTransition(at(2, 8, 45))
	if m != mode.Trading {
		t.Errorf("next mode = %s, want TRADING", m)
	}
	if want := at(2, 9, 0); !when.Equal(want) {
		t.Errorf("next at %s, want %s", when, want)
	}
}

func TestNextTransition_AfterLastWindowSkipsToNextTradingDay(t *testing.T) {
	table := newTable(nil)

	// Friday 2026-03-06 after close: next window is Monday's first.
	m, when := table.NextTransition(at(6, 15, 0))
	if m != mode.Observation {
		t.Errorf("next mode = %s, want OBSERVATION", m)
	}
	if want := at(9, 8, 30); !when.Equal(want) {
		t.Errorf("next at %s, want %s", when, want)
	}
}

func TestNextTransition_SkipsHoliday(t *testing.T) {
	table := newTable(map[string]bool{"2026-03-03": true})

	// Monday after close: Tuesday is a holiday, next is Wednesday.
	m, when := table.NextTransition(at(2, 15, 0))
	if m != mode.Observation {
		t.Errorf("next mode = %s, want OBSERVATION", m)
	}
	if want := at(4, 8, 30); !when.Equal(want) {
		t.Errorf("next at %s, want %s", when, want)
	}
}

func TestWindowFor(t *testing.T) {
	table := newTable(nil)

	w, ok := table.WindowFor(mode.Trading)
	if !ok {
		t.Fatal("TRADING should have a window")
	}
	if w.Duration() != 2*time.Hour {
		t.Errorf("TRADING window duration = %s, want 2h", w.Duration())
	}

	if _, ok := table.WindowFor(mode.Standby); ok {
		t.Error("STANDBY should not have a window")
	}
}
