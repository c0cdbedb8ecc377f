package controller

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-agent-scheduler/internal/calendar"
	"trading-agent-scheduler/internal/evolution"
	"trading-agent-scheduler/internal/ledger"
	"trading-agent-scheduler/internal/mode"
	"trading-agent-scheduler/internal/performance"
	"trading-agent-scheduler/internal/schedule"
)

type noHolidays struct{}

func (noHolidays) IsHoliday(date time.Time) (bool, error) { return false, nil }

type recordingSink struct {
	states []AgentState
	events []TransitionEvent
}

func (s *recordingSink) SaveAgentState(ctx context.Context, st AgentState) error {
	s.states = append(s.states, st)
	return nil
}

func (s *recordingSink) AppendTransition(ctx context.Context, ev TransitionEvent) error {
	s.events = append(s.events, ev)
	return nil
}

// Monday 2026-03-02 is a trading day.
func at(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, time.UTC)
}

func okMetrics() performance.Metrics {
	return performance.Metrics{
		SharpeRatio:      1.0,
		WinRate:          0.6,
		MarketVolatility: 0.2,
	}
}

func newController(t *testing.T, sink Sink, lg ledger.Ledger) *Controller {
	t.Helper()
	cal := calendar.New(noHolidays{}, zerolog.Nop())
	table := schedule.New(cal, nil)

	var engine *evolution.Engine
	if lg != nil {
		engine = evolution.NewEngine(evolution.DefaultThresholds(), 24*time.Hour, lg, zerolog.Nop())
	}

	return New(Config{
		AgentID:         "a1",
		StrategyRef:     "strat-1",
		StrategyVersion: "v1",
		Triggers:        DefaultTriggers(),
		MinDwell:        2 * time.Minute,
		Table:           table,
		Engine:          engine,
		Sink:            sink,
		Logger:          zerolog.Nop(),
	})
}

func TestEvaluate_StartsInStandbyAndFollowsSchedule(t *testing.T) {
	c := newController(t, nil, nil)
	ctx := context.Background()

	if got := c.Snapshot().CurrentMode; got != mode.Standby {
		t.Fatalf("initial mode = %s, want STANDBY", got)
	}

	ev := c.Evaluate(ctx, at(9, 5), performance.Metrics{Incomplete: true})
	if ev == nil {
		t.Fatal("STANDBY at 09:05 must advance to the scheduled mode")
	}
	if ev.ToMode != mode.Trading || ev.Trigger != mode.TriggerScheduled {
		t.Errorf("transition = %s via %s, want TRADING via scheduled", ev.ToMode, ev.Trigger)
	}
	if got := c.Snapshot().CurrentMode; got != mode.Trading {
		t.Errorf("state mode = %s, want TRADING", got)
	}
}

func TestEvaluate_NoEventWhenModeUnchanged(t *testing.T) {
	c := newController(t, nil, nil)
	ctx := context.Background()

	c.Evaluate(ctx, at(9, 5), performance.Metrics{Incomplete: true})
	if ev := c.Evaluate(ctx, at(9, 10), performance.Metrics{Incomplete: true}); ev != nil {
		t.Errorf("no condition changed, got transition %+v", ev)
	}
	if n := len(c.RecentTransitions(0)); n != 1 {
		t.Errorf("recent transitions = %d, want 1", n)
	}
}

// Emergency must win over a simultaneously satisfied performance
// trigger.
func TestEvaluate_EmergencyBeatsPerformance(t *testing.T) {
	c := newController(t, nil, nil)
	ctx := context.Background()

	c.Evaluate(ctx, at(9, 5), performance.Metrics{Incomplete: true}) // -> TRADING

	m := okMetrics()
	m.MaxDrawdown = 0.12
	m.DailyReturn = 0.06

	ev := c.Evaluate(ctx, at(9, 10), m)
	if ev == nil {
		t.Fatal("emergency condition must transition")
	}
	if ev.ToMode != mode.StrategyReview {
		t.Errorf("to = %s, want STRATEGY_REVIEW", ev.ToMode)
	}
	if ev.Trigger != mode.TriggerEmergency {
		t.Errorf("trigger = %s, want emergency", ev.Trigger)
	}
}

func TestEvaluate_EmergencyRules(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*performance.Metrics)
		want mode.Mode
	}{
		{"drawdown", func(m *performance.Metrics) { m.MaxDrawdown = 0.11 }, mode.StrategyReview},
		{"loss streak", func(m *performance.Metrics) { m.ConsecutiveLosses = 5 }, mode.Observation},
		{"volatility spike", func(m *performance.Metrics) { m.VolatilitySpike = 0.35 }, mode.Observation},
		{"correlation", func(m *performance.Metrics) { m.PortfolioCorrelation = 0.95 }, mode.Rebalancing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(t, nil, nil)
			ctx := context.Background()
			c.Evaluate(ctx, at(9, 5), performance.Metrics{Incomplete: true}) // -> TRADING

			m := okMetrics()
			tt.mut(&m)
			ev := c.Evaluate(ctx, at(9, 10), m)
			if ev == nil {
				t.Fatal("expected emergency transition")
			}
			if ev.ToMode != tt.want || ev.Trigger != mode.TriggerEmergency {
				t.Errorf("got %s via %s, want %s via emergency", ev.ToMode, ev.Trigger, tt.want)
			}
		})
	}
}

func TestEvaluate_IncompleteMetricsSuppressTriggers(t *testing.T) {
	c := newController(t, nil, nil)
	ctx := context.Background()

	c.Evaluate(ctx, at(9, 5), performance.Metrics{Incomplete: true}) // -> TRADING

	m := performance.Metrics{MaxDrawdown: 0.5, DailyReturn: 0.5, Incomplete: true}
	if ev := c.Evaluate(ctx, at(9, 10), m); ev != nil {
		t.Errorf("incomplete metrics fired a transition: %+v", ev)
	}
}

func TestEvaluate_CalmMarketMovesObservationToTrading(t *testing.T) {
	c := newController(t, nil, nil)
	ctx := context.Background()

	c.Evaluate(ctx, at(8, 45), performance.Metrics{Incomplete: true}) // -> OBSERVATION

	m := okMetrics()
	m.MarketVolatility = 0.01

	ev := c.Evaluate(ctx, at(8, 48), m)
	if ev == nil {
		t.Fatal("calm market in OBSERVATION must move to TRADING")
	}
	if ev.ToMode != mode.Trading || ev.Trigger != mode.TriggerPerformance {
		t.Errorf("got %s via %s, want TRADING via performance", ev.ToMode, ev.Trigger)
	}
}

func TestEvaluate_DwellSuppressesPerformanceTriggers(t *testing.T) {
	c := newController(t, nil, nil)
	ctx := context.Background()

	c.Evaluate(ctx, at(8, 45), performance.Metrics{Incomplete: true}) // -> OBSERVATION

	m := okMetrics()
	m.MarketVolatility = 0.01

	// One minute in: below the two-minute dwell.
	if ev := c.Evaluate(ctx, at(8, 46), m); ev != nil {
		t.Errorf("performance trigger fired inside dwell window: %+v", ev)
	}
}

func TestEvaluate_DriftForcesRebalancing(t *testing.T) {
	c := newController(t, nil, nil)
	ctx := context.Background()

	c.Evaluate(ctx, at(9, 5), performance.Metrics{Incomplete: true}) // -> TRADING

	m := okMetrics()
	m.PortfolioDrift = 0.08

	ev := c.Evaluate(ctx, at(9, 10), m)
	if ev == nil || ev.ToMode != mode.Rebalancing || ev.Trigger != mode.TriggerPerformance {
		t.Fatalf("got %+v, want REBALANCING via performance", ev)
	}

	// Already rebalancing: drift must not re-fire.
	if ev := c.Evaluate(ctx, at(9, 13), m); ev != nil {
		t.Errorf("drift re-fired while in REBALANCING: %+v", ev)
	}
}

func TestEvaluate_ManualTransitionAppliedNextTick(t *testing.T) {
	c := newController(t, nil, nil)
	ctx := context.Background()

	c.Evaluate(ctx, at(9, 5), performance.Metrics{Incomplete: true}) // -> TRADING

	if err := c.RequestManualTransition(mode.Observation, "operator pause"); err != nil {
		t.Fatalf("request: %v", err)
	}

	ev := c.Evaluate(ctx, at(9, 6), performance.Metrics{Incomplete: true})
	if ev == nil || ev.ToMode != mode.Observation || ev.Trigger != mode.TriggerManual {
		t.Fatalf("got %+v, want OBSERVATION via manual", ev)
	}
	if ev.Reason != "operator pause" {
		t.Errorf("reason = %q", ev.Reason)
	}
}

func TestRequestManualTransition_RejectsInvalidMode(t *testing.T) {
	c := newController(t, nil, nil)
	if err := c.RequestManualTransition(mode.Mode("TURBO"), ""); err == nil {
		t.Error("invalid mode must be rejected")
	}
}

func TestEvaluate_ActiveEmergencySuppressesManual(t *testing.T) {
	c := newController(t, nil, nil)
	ctx := context.Background()

	c.Evaluate(ctx, at(9, 5), performance.Metrics{Incomplete: true}) // -> TRADING

	m := okMetrics()
	m.MaxDrawdown = 0.12
	c.Evaluate(ctx, at(9, 10), m) // -> STRATEGY_REVIEW

	c.RequestManualTransition(mode.Trading, "try anyway")
	if ev := c.Evaluate(ctx, at(9, 11), m); ev != nil {
		t.Errorf("manual transition overrode an active emergency: %+v", ev)
	}

	// The request stays queued: once the drawdown recovers it applies.
	ev := c.Evaluate(ctx, at(9, 12), okMetrics())
	if ev == nil || ev.ToMode != mode.Trading || ev.Trigger != mode.TriggerManual {
		t.Fatalf("got %+v, want deferred manual -> TRADING once emergency cleared", ev)
	}
	if ev.Reason != "try anyway" {
		t.Errorf("reason = %q", ev.Reason)
	}
}

func TestEvaluate_StateMatchesLastEvent(t *testing.T) {
	sink := &recordingSink{}
	c := newController(t, sink, nil)
	ctx := context.Background()

	c.Evaluate(ctx, at(8, 45), performance.Metrics{Incomplete: true})
	m := okMetrics()
	m.MarketVolatility = 0.01
	c.Evaluate(ctx, at(8, 48), m)

	recent := c.RecentTransitions(0)
	if len(recent) != 2 {
		t.Fatalf("transitions = %d, want 2", len(recent))
	}
	if got, want := c.Snapshot().CurrentMode, recent[len(recent)-1].ToMode; got != want {
		t.Errorf("state mode %s != last event to_mode %s", got, want)
	}
	if len(sink.events) != 2 {
		t.Errorf("persisted events = %d, want 2", len(sink.events))
	}
	if len(sink.states) != 2 {
		t.Errorf("persisted states = %d, want 2", len(sink.states))
	}
}

func TestMaybeEvolve_AdoptsDuringStrategyReview(t *testing.T) {
	mem := ledger.NewMemory()
	c := newController(t, nil, mem)
	ctx := context.Background()

	c.Evaluate(ctx, at(13, 15), performance.Metrics{Incomplete: true}) // -> STRATEGY_REVIEW

	m := okMetrics()
	m.SharpeRatio = 0.3

	v, err := c.MaybeEvolve(ctx, at(13, 16), m)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if v == nil {
		t.Fatal("low sharpe during STRATEGY_REVIEW must adopt a variant")
	}

	st := c.Snapshot()
	if st.StrategyVersion == "v1" {
		t.Error("adoption must update the strategy version")
	}
	if mem.Len() != 1 {
		t.Errorf("ledger records = %d, want 1", mem.Len())
	}
}

func TestMaybeEvolve_NoSecondAdoptionDuringActiveTrial(t *testing.T) {
	mem := ledger.NewMemory()
	c := newController(t, nil, mem)
	ctx := context.Background()

	c.Evaluate(ctx, at(13, 15), performance.Metrics{Incomplete: true}) // -> STRATEGY_REVIEW

	m := okMetrics()
	m.SharpeRatio = 0.3

	v, err := c.MaybeEvolve(ctx, at(13, 16), m)
	if err != nil || v == nil {
		t.Fatalf("first pass: v=%+v err=%v", v, err)
	}
	adoptedVersion := c.Snapshot().StrategyVersion

	// Metrics are still below threshold on the next ticks, but the
	// adopted variant's trial is running: nothing new may be adopted.
	for minute := 17; minute <= 19; minute++ {
		v, err := c.MaybeEvolve(ctx, at(13, minute), m)
		if err != nil {
			t.Fatalf("tick %d: %v", minute, err)
		}
		if v != nil {
			t.Fatalf("tick %d adopted %s while a trial was active", minute, v.ID)
		}
	}
	if mem.Len() != 1 {
		t.Errorf("ledger records = %d after repeated review ticks, want 1", mem.Len())
	}
	if got := c.Snapshot().StrategyVersion; got != adoptedVersion {
		t.Errorf("strategy version churned to %q during the trial", got)
	}

	// Once the trial period has run, a still-failing strategy may
	// evolve again.
	v, err = c.MaybeEvolve(ctx, at(13, 16).Add(25*time.Hour), m)
	if err != nil || v == nil {
		t.Fatalf("post-trial pass: v=%+v err=%v", v, err)
	}
	if mem.Len() != 2 {
		t.Errorf("ledger records = %d after trial completed, want 2", mem.Len())
	}
}

func TestMaybeEvolve_NoopOutsideStrategyReview(t *testing.T) {
	mem := ledger.NewMemory()
	c := newController(t, nil, mem)
	ctx := context.Background()

	c.Evaluate(ctx, at(9, 5), performance.Metrics{Incomplete: true}) // -> TRADING

	m := okMetrics()
	m.SharpeRatio = 0.3

	v, err := c.MaybeEvolve(ctx, at(9, 6), m)
	if err != nil || v != nil {
		t.Errorf("evolution outside STRATEGY_REVIEW: v=%+v err=%v", v, err)
	}
	if mem.Len() != 0 {
		t.Errorf("ledger records = %d, want 0", mem.Len())
	}
}

type failingLedger struct{}

func (failingLedger) Append(ctx context.Context, rec ledger.Record) (string, error) {
	return "", context.DeadlineExceeded
}

func (failingLedger) History(ctx context.Context, agentID string, f ledger.Filter) ([]ledger.Record, error) {
	return nil, nil
}

func TestMaybeEvolve_LedgerFailureKeepsVersion(t *testing.T) {
	c := newController(t, nil, failingLedger{})
	ctx := context.Background()

	c.Evaluate(ctx, at(13, 15), performance.Metrics{Incomplete: true}) // -> STRATEGY_REVIEW

	m := okMetrics()
	m.SharpeRatio = 0.3

	if _, err := c.MaybeEvolve(ctx, at(13, 16), m); err == nil {
		t.Fatal("ledger failure must abort the adoption")
	}
	if got := c.Snapshot().StrategyVersion; got != "v1" {
		t.Errorf("strategy version mutated to %q despite failed audit write", got)
	}
}
