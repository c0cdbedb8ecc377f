// Package evolution generates, trials, and records strategy
// modifications from performance feedback.
package evolution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-agent-scheduler/internal/ledger"
	"trading-agent-scheduler/internal/performance"
)

// Modification categories. A variant's modification map is keyed by
// these.
const (
	CategoryRiskManagement      = "risk_management"
	CategoryEntryCriteria       = "entry_criteria"
	CategoryPortfolioManagement = "portfolio_management"
	CategoryTradingFrequency    = "trading_frequency"
)

// Variant is a proposed, not-yet-adopted bundle of strategy
// modifications. Adoption is a separate explicit step; a Variant never
// mutates agent state by itself.
type Variant struct {
	ID                  string                            `json:"id"`
	AgentID             string                            `json:"agent_id"`
	BaseStrategyRef     string                            `json:"base_strategy_ref"`
	Modifications       map[string]map[string]interface{} `json:"modifications"`
	CreatedAt           time.Time                         `json:"created_at"`
	ExpectedImprovement string                            `json:"expected_improvement"`
	TrialPeriod         time.Duration                     `json:"trial_period"`
	ActualPerformance   *performance.Metrics              `json:"actual_performance,omitempty"`
}

// Digest is the content digest of the strategy this variant would
// produce when applied to its base.
func (v *Variant) Digest() string {
	h := sha256.New()
	h.Write([]byte(v.BaseStrategyRef))
	// Deterministic order over categories and keys.
	cats := make([]string, 0, len(v.Modifications))
	for c := range v.Modifications {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		h.Write([]byte(c))
		keys := make([]string, 0, len(v.Modifications[c]))
		for k := range v.Modifications[c] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			b, _ := json.Marshal(v.Modifications[c][k])
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Thresholds are the rule-table bounds, all fractions.
type Thresholds struct {
	MinSharpeRatio          float64 `json:"min_sharpe_ratio"`
	MinWinRate              float64 `json:"min_win_rate"`
	MaxDrawdown             float64 `json:"max_drawdown"`
	MaxTransactionCostRatio float64 `json:"max_transaction_cost_ratio"`
}

// DefaultThresholds returns the standard rule-table bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSharpeRatio:          0.5,
		MinWinRate:              0.4,
		MaxDrawdown:             0.15,
		MaxTransactionCostRatio: 0.02,
	}
}

// Engine proposes strategy variants from metrics and manages the trial
// lifecycle. Propose only returns candidates; Adopt is the explicit
// step that writes the audit record.
type Engine struct {
	thresholds  Thresholds
	trialPeriod time.Duration
	ledger      ledger.Ledger
	logger      zerolog.Logger

	mu     sync.Mutex
	trials map[string]*Variant // agentID -> variant under trial
}

// NewEngine creates an Engine writing adoptions to lg.
func NewEngine(thresholds Thresholds, trialPeriod time.Duration, lg ledger.Ledger, logger zerolog.Logger) *Engine {
	if trialPeriod <= 0 {
		trialPeriod = 7 * 24 * time.Hour
	}
	return &Engine{
		thresholds:  thresholds,
		trialPeriod: trialPeriod,
		ledger:      lg,
		logger:      logger.With().Str("component", "evolution").Logger(),
		trials:      make(map[string]*Variant),
	}
}

// Propose evaluates the rule table against metrics and returns a
// candidate variant, or nil when no threshold is crossed or the
// metrics are incomplete. All rules are checked independently; firing
// rules merge into one modification map. now stamps the variant's
// creation time, which is also its trial clock.
func (e *Engine) Propose(agentID, baseStrategyRef string, now time.Time, m performance.Metrics) *Variant {
	if m.Incomplete {
		return nil
	}

	mods := make(map[string]map[string]interface{})
	var reasons []string

	if m.SharpeRatio < e.thresholds.MinSharpeRatio {
		mods[CategoryRiskManagement] = map[string]interface{}{
			"max_position_size_factor": 0.75,
			"stop_loss_tightening":     0.8,
			"volatility_filter":        true,
		}
		reasons = append(reasons, fmt.Sprintf("sharpe_ratio %.2f below %.2f", m.SharpeRatio, e.thresholds.MinSharpeRatio))
	}
	if m.WinRate < e.thresholds.MinWinRate {
		mods[CategoryEntryCriteria] = map[string]interface{}{
			"require_technical_confirmation": true,
			"require_volume_confirmation":    true,
			"require_trend_confirmation":     true,
		}
		reasons = append(reasons, fmt.Sprintf("win_rate %.2f below %.2f", m.WinRate, e.thresholds.MinWinRate))
	}
	if m.MaxDrawdown > e.thresholds.MaxDrawdown {
		mods[CategoryPortfolioManagement] = map[string]interface{}{
			"diversification_required": true,
			"position_size_scale":      0.5,
		}
		reasons = append(reasons, fmt.Sprintf("max_drawdown %.2f above %.2f", m.MaxDrawdown, e.thresholds.MaxDrawdown))
	}
	if m.TransactionCostRatio > e.thresholds.MaxTransactionCostRatio {
		mods[CategoryTradingFrequency] = map[string]interface{}{
			"min_holding_period_hours": 24,
			"batch_trades":             true,
		}
		reasons = append(reasons, fmt.Sprintf("transaction_cost_ratio %.3f above %.3f", m.TransactionCostRatio, e.thresholds.MaxTransactionCostRatio))
	}

	if len(mods) == 0 {
		return nil
	}

	v := &Variant{
		ID:                  uuid.New().String(),
		AgentID:             agentID,
		BaseStrategyRef:     baseStrategyRef,
		Modifications:       mods,
		CreatedAt:           now,
		ExpectedImprovement: strings.Join(reasons, "; "),
		TrialPeriod:         e.trialPeriod,
	}
	e.logger.Info().Str("agent_id", agentID).Str("variant_id", v.ID).
		Int("categories", len(mods)).Msg("strategy variant proposed")
	return v
}

// Adopt writes the audit record for v and returns the new strategy
// digest the caller should fold into agent state. The record is written
// before any state changes hands; a ledger failure aborts the adoption.
func (e *Engine) Adopt(ctx context.Context, v *Variant, oldDigest string, changeType ledger.ChangeType, m performance.Metrics) (string, error) {
	newDigest := v.Digest()
	rec := ledger.Record{
		ID:                  uuid.New().String(),
		AgentID:             v.AgentID,
		Timestamp:           time.Now(),
		TriggerReason:       v.ExpectedImprovement,
		ChangeType:          changeType,
		OldStrategyDigest:   oldDigest,
		NewStrategyDigest:   newDigest,
		ChangeSummary:       summarize(v),
		PerformanceAtChange: m,
		Explanation:         "threshold-driven modifications: " + v.ExpectedImprovement,
	}
	if _, err := e.ledger.Append(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: %v", ledger.ErrAppendFailed, err)
	}

	e.mu.Lock()
	e.trials[v.AgentID] = v
	e.mu.Unlock()

	e.logger.Info().Str("agent_id", v.AgentID).Str("variant_id", v.ID).
		Str("new_digest", newDigest).Msg("strategy variant adopted")
	return newDigest, nil
}

// ActiveTrial returns the variant currently under trial for agentID,
// or nil.
func (e *Engine) ActiveTrial(agentID string) *Variant {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trials[agentID]
}

// ObserveTrial records trial outcomes: when agentID's trial has run its
// period, the variant's actual performance is filled in and the trial
// slot cleared. Returns the completed variant, or nil when no trial
// ended.
func (e *Engine) ObserveTrial(agentID string, now time.Time, m performance.Metrics) *Variant {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.trials[agentID]
	if !ok || now.Sub(v.CreatedAt) < v.TrialPeriod {
		return nil
	}
	perf := m
	v.ActualPerformance = &perf
	delete(e.trials, agentID)
	e.logger.Info().Str("agent_id", agentID).Str("variant_id", v.ID).
		Float64("trial_return", m.TotalReturn).Msg("strategy trial completed")
	return v
}

func summarize(v *Variant) string {
	cats := make([]string, 0, len(v.Modifications))
	for c := range v.Modifications {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return "modified: " + strings.Join(cats, ", ")
}
