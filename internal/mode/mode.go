// Package mode defines the behavioral modes an agent can operate in.
package mode

import "fmt"

// Mode represents the behavioral mode an agent is operating in.
// Exactly one mode is active per agent at any instant.
type Mode string

const (
	Observation     Mode = "OBSERVATION"
	Trading         Mode = "TRADING"
	Rebalancing     Mode = "REBALANCING"
	StrategyReview  Mode = "STRATEGY_REVIEW"
	DeepObservation Mode = "DEEP_OBSERVATION"
	WeeklyReview    Mode = "WEEKLY_REVIEW"
	Standby         Mode = "STANDBY"
)

// All lists every mode, in a stable order.
func All() []Mode {
	return []Mode{
		Observation,
		Trading,
		Rebalancing,
		StrategyReview,
		DeepObservation,
		WeeklyReview,
		Standby,
	}
}

// Valid reports whether m is one of the seven defined modes.
func (m Mode) Valid() bool {
	switch m {
	case Observation, Trading, Rebalancing, StrategyReview, DeepObservation, WeeklyReview, Standby:
		return true
	}
	return false
}

func (m Mode) String() string {
	return string(m)
}

// Parse converts a string to a Mode, rejecting unknown values.
func Parse(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode: %q", s)
	}
	return m, nil
}

// Trigger categorizes what caused a mode transition.
type Trigger string

const (
	TriggerScheduled   Trigger = "scheduled"
	TriggerPerformance Trigger = "performance"
	TriggerEmergency   Trigger = "emergency"
	TriggerManual      Trigger = "manual"
)
