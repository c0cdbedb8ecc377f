package performance

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeFeed struct {
	samples []Sample
	err     error
}

func (f *fakeFeed) Read(ctx context.Context, agentID string, from, to time.Time) ([]Sample, error) {
	return f.samples, f.err
}

func ts(min int) time.Time {
	return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).Add(time.Duration(min) * time.Minute)
}

func equitySeries(values ...float64) []Sample {
	out := make([]Sample, len(values))
	for i, v := range values {
		out[i] = Sample{Timestamp: ts(i), Equity: v}
	}
	return out
}

func TestMetricsFor_FeedErrorIsIncomplete(t *testing.T) {
	e := NewEvaluator(&fakeFeed{err: errors.New("feed down")}, 2, zerolog.Nop())

	m := e.MetricsFor(context.Background(), "a1", Window{From: ts(0), To: ts(60)})
	if !m.Incomplete {
		t.Error("feed failure must yield incomplete metrics, not an error")
	}
}

func TestMetricsFor_ShortSeriesIsIncomplete(t *testing.T) {
	e := NewEvaluator(&fakeFeed{samples: equitySeries(100)}, 2, zerolog.Nop())

	m := e.MetricsFor(context.Background(), "a1", Window{From: ts(0), To: ts(60)})
	if !m.Incomplete {
		t.Error("single sample must be incomplete")
	}
	if m.SampleCount != 1 {
		t.Errorf("sample count = %d, want 1", m.SampleCount)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	samples := equitySeries(100, 102, 99, 104, 101, 97, 103, 108, 105, 110)
	for i := range samples {
		samples[i].MarketReturn = 0.001 * float64(i%3)
	}

	a := Compute(samples, ts(10))
	b := Compute(samples, ts(10))
	if !reflect.DeepEqual(a, b) {
		t.Errorf("identical inputs produced different metrics:\n%+v\n%+v", a, b)
	}
}

func TestCompute_ReturnAndDrawdown(t *testing.T) {
	// Peak 120, trough 90: max drawdown 25%.
	m := Compute(equitySeries(100, 120, 90, 110), ts(4))

	if got, want := m.TotalReturn, 0.10; !almostEqual(got, want) {
		t.Errorf("total return = %f, want %f", got, want)
	}
	if got, want := m.MaxDrawdown, 0.25; !almostEqual(got, want) {
		t.Errorf("max drawdown = %f, want %f", got, want)
	}
	if m.Incomplete {
		t.Error("complete series should not be flagged incomplete")
	}
}

func TestCompute_WinRateAndLossStreak(t *testing.T) {
	samples := equitySeries(100, 101, 102, 101, 100, 99)
	// Trades: win, win, loss, loss, loss.
	pnls := []float64{1, 1, -1, -1, -1}
	for i, p := range pnls {
		samples[i+1].TradeClosed = true
		samples[i+1].TradePnL = p
	}

	m := Compute(samples, ts(6))
	if got, want := m.WinRate, 0.4; !almostEqual(got, want) {
		t.Errorf("win rate = %f, want %f", got, want)
	}
	if m.ConsecutiveLosses != 3 {
		t.Errorf("consecutive losses = %d, want 3", m.ConsecutiveLosses)
	}
}

func TestCompute_TransactionCostRatio(t *testing.T) {
	samples := equitySeries(100, 101, 102)
	samples[1].TransactionCost = 1.5
	samples[2].TransactionCost = 1.0

	m := Compute(samples, ts(3))
	if got, want := m.TransactionCostRatio, 0.025; !almostEqual(got, want) {
		t.Errorf("cost ratio = %f, want %f", got, want)
	}
}

func TestCompute_DailyReturnUsesCurrentDayOpen(t *testing.T) {
	yesterday := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	today := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	samples := []Sample{
		{Timestamp: yesterday, Equity: 80},
		{Timestamp: today, Equity: 100},
		{Timestamp: today.Add(time.Hour), Equity: 106},
	}

	m := Compute(samples, today.Add(time.Hour))
	if got, want := m.DailyReturn, 0.06; !almostEqual(got, want) {
		t.Errorf("daily return = %f, want %f", got, want)
	}
}

func TestCompute_PortfolioDriftFromLastSample(t *testing.T) {
	samples := equitySeries(100, 101, 102)
	samples[2].PortfolioDrift = 0.07

	m := Compute(samples, ts(3))
	if got, want := m.PortfolioDrift, 0.07; !almostEqual(got, want) {
		t.Errorf("drift = %f, want %f", got, want)
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
