// Package controller merges schedule, performance, and emergency
// signals into a single next-mode decision per agent.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-agent-scheduler/internal/events"
	"trading-agent-scheduler/internal/evolution"
	"trading-agent-scheduler/internal/ledger"
	"trading-agent-scheduler/internal/mode"
	"trading-agent-scheduler/internal/performance"
	"trading-agent-scheduler/internal/schedule"
)

// AgentState is the per-agent mutable state. It is owned by exactly one
// Controller, which is driven by exactly one agent loop; everything
// outside that loop sees value copies via Snapshot.
type AgentState struct {
	AgentID         string              `json:"agent_id"`
	CurrentMode     mode.Mode           `json:"current_mode"`
	ModeStartTime   time.Time           `json:"mode_start_time"`
	ActiveScopeID   string              `json:"active_scope_id,omitempty"`
	StrategyRef     string              `json:"strategy_ref"`
	StrategyVersion string              `json:"strategy_version"`
	Performance     performance.Metrics `json:"performance_snapshot"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// TransitionEvent is the immutable record of one applied transition.
type TransitionEvent struct {
	ID        string       `json:"id"`
	AgentID   string       `json:"agent_id"`
	FromMode  mode.Mode    `json:"from_mode"`
	ToMode    mode.Mode    `json:"to_mode"`
	Timestamp time.Time    `json:"timestamp"`
	Trigger   mode.Trigger `json:"trigger"`
	Reason    string       `json:"reason"`
}

// Triggers holds the emergency and performance thresholds, all
// fractions (0.10 = 10%).
type Triggers struct {
	EmergencyMaxDrawdown   float64 `json:"emergency_max_drawdown"`
	EmergencyMaxLossStreak int     `json:"emergency_max_loss_streak"`
	EmergencyVolSpike      float64 `json:"emergency_vol_spike"`
	EmergencyCorrelation   float64 `json:"emergency_correlation"`

	ReviewDailyReturn float64 `json:"review_daily_return"`
	CalmMarketVol     float64 `json:"calm_market_vol"`
	AlphaOpportunity  float64 `json:"alpha_opportunity"`
	MaxPortfolioDrift float64 `json:"max_portfolio_drift"`
}

// DefaultTriggers returns the standard thresholds.
func DefaultTriggers() Triggers {
	return Triggers{
		EmergencyMaxDrawdown:   0.10,
		EmergencyMaxLossStreak: 5,
		EmergencyVolSpike:      0.30,
		EmergencyCorrelation:   0.90,
		ReviewDailyReturn:      0.05,
		CalmMarketVol:          0.05,
		AlphaOpportunity:       0.02,
		MaxPortfolioDrift:      0.05,
	}
}

// Sink persists agent state and transition events. State writes are
// last-write-wins; event writes are appends. May be nil (in-memory
// only).
type Sink interface {
	SaveAgentState(ctx context.Context, st AgentState) error
	AppendTransition(ctx context.Context, ev TransitionEvent) error
}

const maxRecentEvents = 256

// Controller is the per-agent mode state machine. Evaluate must only be
// called from the agent's own loop; the mutex exists for snapshot
// readers and the manual-transition mailbox, not for concurrent
// evaluation.
type Controller struct {
	table    *schedule.Table
	engine   *evolution.Engine
	triggers Triggers
	minDwell time.Duration
	sink     Sink
	bus      *events.Bus
	logger   zerolog.Logger

	mu     sync.RWMutex
	state  AgentState
	recent []TransitionEvent
	manual *manualRequest
}

type manualRequest struct {
	to     mode.Mode
	reason string
}

// Config bundles Controller construction parameters.
type Config struct {
	AgentID         string
	StrategyRef     string
	StrategyVersion string
	Triggers        Triggers
	MinDwell        time.Duration
	Table           *schedule.Table
	Engine          *evolution.Engine
	Sink            Sink
	Bus             *events.Bus
	Logger          zerolog.Logger
}

// New creates a Controller in STANDBY.
func New(cfg Config) *Controller {
	if cfg.MinDwell <= 0 {
		cfg.MinDwell = 2 * time.Minute
	}
	return &Controller{
		table:    cfg.Table,
		engine:   cfg.Engine,
		triggers: cfg.Triggers,
		minDwell: cfg.MinDwell,
		sink:     cfg.Sink,
		bus:      cfg.Bus,
		logger:   cfg.Logger.With().Str("component", "controller").Str("agent_id", cfg.AgentID).Logger(),
		state: AgentState{
			AgentID:         cfg.AgentID,
			CurrentMode:     mode.Standby,
			ModeStartTime:   time.Now(),
			StrategyRef:     cfg.StrategyRef,
			StrategyVersion: cfg.StrategyVersion,
			UpdatedAt:       time.Now(),
		},
	}
}

// Snapshot returns a value copy of the agent state.
func (c *Controller) Snapshot() AgentState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RecentTransitions returns up to n most recent transition events,
// oldest first.
func (c *Controller) RecentTransitions(n int) []TransitionEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.recent) {
		n = len(c.recent)
	}
	out := make([]TransitionEvent, n)
	copy(out, c.recent[len(c.recent)-n:])
	return out
}

// RequestManualTransition schedules a manual mode change. It is applied
// by the agent loop on its next evaluation tick, never concurrently
// with an evaluation. A second request before the next tick replaces
// the first.
func (c *Controller) RequestManualTransition(to mode.Mode, reason string) error {
	if !to.Valid() {
		return fmt.Errorf("invalid mode %q", to)
	}
	c.mu.Lock()
	c.manual = &manualRequest{to: to, reason: reason}
	c.mu.Unlock()
	return nil
}

// Evaluate runs one arbitration tick: emergency triggers first, then a
// pending manual request, then performance triggers, then the schedule.
// It returns the applied transition, or nil when the agent stays in its
// current mode.
func (c *Controller) Evaluate(ctx context.Context, now time.Time, m performance.Metrics) *TransitionEvent {
	c.mu.Lock()
	c.state.Performance = m
	c.state.UpdatedAt = now
	current := c.state.CurrentMode
	dwell := now.Sub(c.state.ModeStartTime)
	c.mu.Unlock()

	if to, reason, ok := c.emergencyTarget(m); ok && to != current {
		return c.apply(ctx, now, to, mode.TriggerEmergency, reason)
	} else if ok {
		// Condition still active but already in the target mode; the
		// manual/performance/schedule paths stay suppressed. A queued
		// manual request is kept for the next tick, not dropped.
		c.mu.Lock()
		deferred := c.manual
		c.mu.Unlock()
		if deferred != nil {
			c.logger.Info().Str("requested", deferred.to.String()).
				Msg("manual transition deferred while emergency condition active")
		}
		return nil
	}

	c.mu.Lock()
	manual := c.manual
	c.manual = nil
	c.mu.Unlock()

	if manual != nil && manual.to != current {
		return c.apply(ctx, now, manual.to, mode.TriggerManual, manual.reason)
	}

	if to, reason, ok := c.performanceTarget(current, m, dwell); ok && to != current {
		return c.apply(ctx, now, to, mode.TriggerPerformance, reason)
	}

	if to, ok := c.scheduledTarget(current, now, dwell); ok && to != current {
		return c.apply(ctx, now, to, mode.TriggerScheduled, "schedule window elapsed")
	}

	return nil
}

// emergencyTarget checks the emergency rules in priority order.
// Incomplete metrics are insufficient evidence and fire nothing.
func (c *Controller) emergencyTarget(m performance.Metrics) (mode.Mode, string, bool) {
	if m.Incomplete {
		return "", "", false
	}
	switch {
	case m.MaxDrawdown > c.triggers.EmergencyMaxDrawdown:
		return mode.StrategyReview, fmt.Sprintf("max_drawdown %.3f above %.3f", m.MaxDrawdown, c.triggers.EmergencyMaxDrawdown), true
	case m.ConsecutiveLosses >= c.triggers.EmergencyMaxLossStreak:
		return mode.Observation, fmt.Sprintf("%d consecutive losses", m.ConsecutiveLosses), true
	case m.VolatilitySpike > c.triggers.EmergencyVolSpike:
		return mode.Observation, fmt.Sprintf("volatility spike %.3f above %.3f", m.VolatilitySpike, c.triggers.EmergencyVolSpike), true
	case m.PortfolioCorrelation > c.triggers.EmergencyCorrelation:
		return mode.Rebalancing, fmt.Sprintf("portfolio correlation %.3f above %.3f", m.PortfolioCorrelation, c.triggers.EmergencyCorrelation), true
	}
	return "", "", false
}

// performanceTarget checks opportunity/quality rules. These honor the
// minimum dwell time so a freshly entered mode is not immediately
// bounced (emergency rules bypass this).
func (c *Controller) performanceTarget(current mode.Mode, m performance.Metrics, dwell time.Duration) (mode.Mode, string, bool) {
	if m.Incomplete || dwell < c.minDwell {
		return "", "", false
	}
	switch {
	case current == mode.Trading && m.DailyReturn > c.triggers.ReviewDailyReturn:
		return mode.StrategyReview, fmt.Sprintf("daily_return %.3f above %.3f", m.DailyReturn, c.triggers.ReviewDailyReturn), true
	case current == mode.Observation && m.MarketVolatility < c.triggers.CalmMarketVol:
		return mode.Trading, fmt.Sprintf("market volatility %.3f below %.3f", m.MarketVolatility, c.triggers.CalmMarketVol), true
	case current == mode.Observation && m.AlphaScore > c.triggers.AlphaOpportunity:
		return mode.Trading, fmt.Sprintf("alpha opportunity %.4f above %.4f", m.AlphaScore, c.triggers.AlphaOpportunity), true
	case current != mode.Rebalancing && m.PortfolioDrift > c.triggers.MaxPortfolioDrift:
		return mode.Rebalancing, fmt.Sprintf("portfolio drift %.3f above %.3f", m.PortfolioDrift, c.triggers.MaxPortfolioDrift), true
	}
	return "", "", false
}

// scheduledTarget advances to the schedule's mode once the current
// mode's window duration has elapsed. Modes without a window of their
// own (STANDBY, DEEP_OBSERVATION, WEEKLY_REVIEW) follow the schedule
// immediately.
func (c *Controller) scheduledTarget(current mode.Mode, now time.Time, dwell time.Duration) (mode.Mode, bool) {
	if w, ok := c.table.WindowFor(current); ok && dwell < w.Duration() {
		return "", false
	}
	return c.table.CurrentScheduledMode(now), true
}

// apply mutates state and appends exactly one TransitionEvent.
func (c *Controller) apply(ctx context.Context, now time.Time, to mode.Mode, trigger mode.Trigger, reason string) *TransitionEvent {
	c.mu.Lock()
	ev := TransitionEvent{
		ID:        uuid.New().String(),
		AgentID:   c.state.AgentID,
		FromMode:  c.state.CurrentMode,
		ToMode:    to,
		Timestamp: now,
		Trigger:   trigger,
		Reason:    reason,
	}
	c.state.CurrentMode = to
	c.state.ModeStartTime = now
	c.state.UpdatedAt = now
	st := c.state
	c.recent = append(c.recent, ev)
	if len(c.recent) > maxRecentEvents {
		c.recent = c.recent[len(c.recent)-maxRecentEvents:]
	}
	c.mu.Unlock()

	c.logger.Info().
		Str("from", ev.FromMode.String()).
		Str("to", ev.ToMode.String()).
		Str("trigger", string(ev.Trigger)).
		Str("reason", reason).
		Msg("mode transition")

	if c.sink != nil {
		if err := c.sink.AppendTransition(ctx, ev); err != nil {
			c.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to persist transition event")
		}
		if err := c.sink.SaveAgentState(ctx, st); err != nil {
			c.logger.Error().Err(err).Msg("failed to persist agent state")
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:    events.EventModeChange,
			AgentID: ev.AgentID,
			Data: map[string]interface{}{
				"from":    ev.FromMode.String(),
				"to":      ev.ToMode.String(),
				"trigger": string(ev.Trigger),
				"reason":  ev.Reason,
			},
		})
	}
	return &ev
}

// MaybeEvolve runs one evolution pass. Called by the agent loop only
// while in STRATEGY_REVIEW: completed trials are observed, then a new
// variant may be proposed and adopted. A ledger write failure aborts
// the adoption and the current strategy version stands.
func (c *Controller) MaybeEvolve(ctx context.Context, now time.Time, m performance.Metrics) (*evolution.Variant, error) {
	c.mu.RLock()
	st := c.state
	c.mu.RUnlock()

	if st.CurrentMode != mode.StrategyReview || c.engine == nil {
		return nil, nil
	}

	c.engine.ObserveTrial(st.AgentID, now, m)

	// The adopted variant keeps its trial slot until the period runs
	// out; no new proposal competes with it.
	if c.engine.ActiveTrial(st.AgentID) != nil {
		return nil, nil
	}

	v := c.engine.Propose(st.AgentID, st.StrategyRef, now, m)
	if v == nil {
		return nil, nil
	}

	newVersion, err := c.engine.Adopt(ctx, v, st.StrategyVersion, ledger.ChangePerformanceDriven, m)
	if err != nil {
		c.logger.Error().Err(err).Str("variant_id", v.ID).Msg("adoption aborted, audit record not written")
		return nil, err
	}

	c.mu.Lock()
	oldVersion := c.state.StrategyVersion
	c.state.StrategyVersion = newVersion
	c.state.UpdatedAt = now
	st = c.state
	c.mu.Unlock()

	if c.sink != nil {
		if err := c.sink.SaveAgentState(ctx, st); err != nil {
			c.logger.Error().Err(err).Msg("failed to persist agent state after adoption")
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:    events.EventStrategyChange,
			AgentID: st.AgentID,
			Data: map[string]interface{}{
				"variant_id":  v.ID,
				"old_version": oldVersion,
				"new_version": newVersion,
				"reason":      v.ExpectedImprovement,
			},
		})
	}
	return v, nil
}

// SetActiveScope records the scope currently executing for this agent.
// Called from the agent loop.
func (c *Controller) SetActiveScope(scopeID string) {
	c.mu.Lock()
	c.state.ActiveScopeID = scopeID
	c.mu.Unlock()
}

// ClearActiveScope clears the active scope reference.
func (c *Controller) ClearActiveScope() {
	c.mu.Lock()
	c.state.ActiveScopeID = ""
	c.mu.Unlock()
}
