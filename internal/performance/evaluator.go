// Package performance computes rolling metrics from an external
// performance-data feed.
package performance

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"trading-agent-scheduler/internal/calendar"
)

// Sample is one observation from the performance feed: a portfolio
// valuation, optionally carrying a closed trade and the benchmark
// return over the sampling interval. All return-like values are
// fractions (0.01 = 1%).
type Sample struct {
	Timestamp       time.Time `json:"timestamp"`
	Equity          float64   `json:"equity"`
	TradeClosed     bool      `json:"trade_closed"`
	TradePnL        float64   `json:"trade_pnl"`
	TransactionCost float64   `json:"transaction_cost"`
	MarketReturn    float64   `json:"market_return"`
	PortfolioDrift  float64   `json:"portfolio_drift"`
}

// Feed is the external source of raw trade/valuation series.
type Feed interface {
	Read(ctx context.Context, agentID string, from, to time.Time) ([]Sample, error)
}

// Metrics is the evaluator's output. Incomplete marks results computed
// from missing or partial data; callers must treat incomplete metrics
// as insufficient evidence for transitions or evolution.
type Metrics struct {
	TotalReturn          float64 `json:"total_return"`
	DailyReturn          float64 `json:"daily_return"`
	Drawdown             float64 `json:"drawdown"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	SharpeRatio          float64 `json:"sharpe_ratio"`
	WinRate              float64 `json:"win_rate"`
	ConsecutiveLosses    int     `json:"consecutive_losses"`
	Volatility           float64 `json:"volatility"`
	VolatilitySpike      float64 `json:"volatility_spike"`
	MarketVolatility     float64 `json:"market_volatility"`
	PortfolioCorrelation float64 `json:"portfolio_correlation"`
	TransactionCostRatio float64 `json:"transaction_cost_ratio"`
	AlphaScore           float64 `json:"alpha_score"`
	PortfolioDrift       float64 `json:"portfolio_drift"`
	SampleCount          int     `json:"sample_count"`
	Incomplete           bool    `json:"incomplete"`
}

// Window bounds a metrics computation.
type Window struct {
	From time.Time
	To   time.Time
}

// RollingWindow returns the lookback window ending at now whose start
// is pushed back so it always opens on a trading day.
func RollingWindow(cal *calendar.Calendar, now time.Time, lookback time.Duration) Window {
	from := now.Add(-lookback)
	for i := 0; i < 14 && !cal.IsTradingDay(from).TradingDay; i++ {
		from = from.AddDate(0, 0, -1)
	}
	return Window{From: from, To: now}
}

// Evaluator computes Metrics for an agent over a window. For a fixed
// window and feed contents the result is bit-reproducible: plain float
// arithmetic over the samples in feed order, no randomness.
type Evaluator struct {
	feed       Feed
	minSamples int
	logger     zerolog.Logger
}

// NewEvaluator creates an Evaluator. minSamples below 2 is raised to 2;
// equity math needs at least two points.
func NewEvaluator(feed Feed, minSamples int, logger zerolog.Logger) *Evaluator {
	if minSamples < 2 {
		minSamples = 2
	}
	return &Evaluator{
		feed:       feed,
		minSamples: minSamples,
		logger:     logger.With().Str("component", "performance").Logger(),
	}
}

// MetricsFor computes metrics for agentID over w. Feed failures and
// short series degrade to Incomplete metrics; the method never returns
// an error to the evaluation loop.
func (e *Evaluator) MetricsFor(ctx context.Context, agentID string, w Window) Metrics {
	samples, err := e.feed.Read(ctx, agentID, w.From, w.To)
	if err != nil {
		e.logger.Warn().Err(err).Str("agent_id", agentID).Msg("performance feed read failed")
		return Metrics{Incomplete: true}
	}
	if len(samples) < e.minSamples {
		return Metrics{SampleCount: len(samples), Incomplete: true}
	}
	return Compute(samples, w.To)
}

// Compute derives Metrics from an ordered sample series. Exported so
// tests and replay tooling can feed series directly.
func Compute(samples []Sample, asOf time.Time) Metrics {
	m := Metrics{SampleCount: len(samples)}
	if len(samples) < 2 {
		m.Incomplete = true
		return m
	}

	first := samples[0].Equity
	last := samples[len(samples)-1].Equity
	if first > 0 {
		m.TotalReturn = (last - first) / first
	}

	// Interval returns for portfolio and benchmark.
	returns := make([]float64, 0, len(samples)-1)
	market := make([]float64, 0, len(samples)-1)
	peak := first
	totalCost := 0.0
	for i, s := range samples {
		totalCost += s.TransactionCost
		if s.Equity > peak {
			peak = s.Equity
		}
		if peak > 0 {
			dd := (peak - s.Equity) / peak
			if dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
		if i == 0 {
			continue
		}
		prev := samples[i-1].Equity
		if prev > 0 {
			returns = append(returns, (s.Equity-prev)/prev)
		} else {
			returns = append(returns, 0)
		}
		market = append(market, s.MarketReturn)
	}
	if peak > 0 {
		m.Drawdown = (peak - last) / peak
	}
	if first > 0 {
		m.TransactionCostRatio = totalCost / first
	}

	meanR := mean(returns)
	m.Volatility = stddev(returns, meanR)
	m.MarketVolatility = stddev(market, mean(market))
	if m.Volatility > 0 {
		// Annualized on a 252 trading-day basis.
		m.SharpeRatio = meanR / m.Volatility * math.Sqrt(252)
	}
	m.PortfolioCorrelation = correlation(returns, market)
	m.AlphaScore = meanR - mean(market)
	m.VolatilitySpike = volatilitySpike(returns)

	wins, closed, streak := 0, 0, 0
	for _, s := range samples {
		if !s.TradeClosed {
			continue
		}
		closed++
		if s.TradePnL > 0 {
			wins++
			streak = 0
		} else {
			streak++
		}
	}
	if closed > 0 {
		m.WinRate = float64(wins) / float64(closed)
	}
	m.ConsecutiveLosses = streak
	m.PortfolioDrift = samples[len(samples)-1].PortfolioDrift

	m.DailyReturn = dailyReturn(samples, asOf)
	return m
}

// dailyReturn is the return from the first sample of asOf's calendar
// day to the last sample.
func dailyReturn(samples []Sample, asOf time.Time) float64 {
	y, mo, d := asOf.Date()
	dayStart := time.Date(y, mo, d, 0, 0, 0, 0, asOf.Location())

	var open float64
	found := false
	for _, s := range samples {
		if !s.Timestamp.Before(dayStart) {
			open = s.Equity
			found = true
			break
		}
	}
	if !found || open <= 0 {
		return 0
	}
	last := samples[len(samples)-1].Equity
	return (last - open) / open
}

// volatilitySpike compares the volatility of the most recent quarter of
// the series against the whole series: 0.30 means recent volatility is
// 30% above baseline.
func volatilitySpike(returns []float64) float64 {
	if len(returns) < 8 {
		return 0
	}
	base := stddev(returns, mean(returns))
	if base == 0 {
		return 0
	}
	recent := returns[len(returns)-len(returns)/4:]
	rv := stddev(recent, mean(recent))
	spike := rv/base - 1
	if spike < 0 {
		return 0
	}
	return spike
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	ss := 0.0
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func correlation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	var cov, va, vb float64
	for i := range a {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}
