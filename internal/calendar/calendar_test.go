package calendar

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-agent-scheduler/internal/mode"
)

type fakeHolidays struct {
	holidays map[string]bool
	err      error
}

func (f *fakeHolidays) IsHoliday(date time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.holidays[date.Format("2006-01-02")], nil
}

func TestIsTradingDay_Weekend(t *testing.T) {
	cal := New(&fakeHolidays{}, zerolog.Nop())

	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)

	if info := cal.IsTradingDay(saturday); info.TradingDay {
		t.Errorf("Saturday should not be a trading day")
	}
	if info := cal.IsTradingDay(sunday); info.TradingDay {
		t.Errorf("Sunday should not be a trading day")
	}
}

func TestIsTradingDay_Holiday(t *testing.T) {
	cal := New(&fakeHolidays{holidays: map[string]bool{"2026-03-03": true}}, zerolog.Nop())

	holiday := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	info := cal.IsTradingDay(holiday)
	if info.TradingDay {
		t.Errorf("holiday should not be a trading day")
	}
	if info.LowConfidence {
		t.Errorf("result should be full confidence when lookup succeeds")
	}
}

func TestIsTradingDay_LookupFailureDegrades(t *testing.T) {
	cal := New(&fakeHolidays{err: errors.New("upstream down")}, zerolog.Nop())

	monday := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	info := cal.IsTradingDay(monday)
	if !info.TradingDay {
		t.Errorf("weekday heuristic should treat Monday as trading day")
	}
	if !info.LowConfidence {
		t.Errorf("degraded result must be flagged low confidence")
	}
}

func TestIsTradingDay_NilLookup(t *testing.T) {
	cal := New(nil, zerolog.Nop())

	monday := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	info := cal.IsTradingDay(monday)
	if !info.TradingDay || !info.LowConfidence {
		t.Errorf("nil lookup should run the heuristic at low confidence, got %+v", info)
	}
}

func TestSessionFor(t *testing.T) {
	windows := []Window{
		{StartMinute: 9 * 60, EndMinute: 11 * 60, Mode: mode.Trading},
		{StartMinute: 11 * 60, EndMinute: 13 * 60, Mode: mode.Rebalancing},
	}

	tests := []struct {
		name  string
		hour  int
		min   int
		want  mode.Mode
		found bool
	}{
		{"inside first window", 9, 5, mode.Trading, true},
		{"boundary belongs to next window", 11, 0, mode.Rebalancing, true},
		{"end boundary excluded", 13, 0, "", false},
		{"before all windows", 8, 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := time.Date(2026, 3, 2, tt.hour, tt.min, 0, 0, time.UTC)
			got, ok := SessionFor(at, windows)
			if ok != tt.found {
				t.Fatalf("found = %v, want %v", ok, tt.found)
			}
			if ok && got != tt.want {
				t.Errorf("mode = %s, want %s", got, tt.want)
			}
		})
	}
}
