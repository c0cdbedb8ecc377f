package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trading-agent-scheduler/internal/controller"
	"trading-agent-scheduler/internal/ledger"
	"trading-agent-scheduler/internal/mode"
	"trading-agent-scheduler/internal/performance"
)

// Store implements controller.Sink and ledger.Ledger over Postgres.
type Store struct {
	db *DB
}

// NewStore creates a Store over db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// HealthCheck performs a database health check
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

// SaveAgentState upserts the agent's state, last write wins.
func (s *Store) SaveAgentState(ctx context.Context, st controller.AgentState) error {
	perf, err := json.Marshal(st.Performance)
	if err != nil {
		return fmt.Errorf("marshal performance snapshot: %w", err)
	}
	query := `
		INSERT INTO agent_states (agent_id, current_mode, mode_start_time, active_scope_id, strategy_ref, strategy_version, performance, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		ON CONFLICT (agent_id) DO UPDATE SET
			current_mode = EXCLUDED.current_mode,
			mode_start_time = EXCLUDED.mode_start_time,
			active_scope_id = EXCLUDED.active_scope_id,
			strategy_ref = EXCLUDED.strategy_ref,
			strategy_version = EXCLUDED.strategy_version,
			performance = EXCLUDED.performance,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.Pool.Exec(ctx, query,
		st.AgentID, string(st.CurrentMode), st.ModeStartTime, st.ActiveScopeID,
		st.StrategyRef, st.StrategyVersion, perf, st.UpdatedAt,
	)
	return err
}

// AppendTransition inserts one transition event.
func (s *Store) AppendTransition(ctx context.Context, ev controller.TransitionEvent) error {
	query := `
		INSERT INTO transition_events (id, agent_id, from_mode, to_mode, event_time, trigger, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Pool.Exec(ctx, query,
		ev.ID, ev.AgentID, string(ev.FromMode), string(ev.ToMode), ev.Timestamp, string(ev.Trigger), ev.Reason,
	)
	return err
}

// Transitions returns the most recent transition events for an agent,
// oldest first.
func (s *Store) Transitions(ctx context.Context, agentID string, limit int) ([]controller.TransitionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, agent_id, from_mode, to_mode, event_time, trigger, reason
		FROM (
			SELECT id, agent_id, from_mode, to_mode, event_time, trigger, reason
			FROM transition_events
			WHERE agent_id = $1
			ORDER BY event_time DESC
			LIMIT $2
		) recent
		ORDER BY event_time ASC
	`
	rows, err := s.db.Pool.Query(ctx, query, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []controller.TransitionEvent
	for rows.Next() {
		var ev controller.TransitionEvent
		var from, to, trigger string
		if err := rows.Scan(&ev.ID, &ev.AgentID, &from, &to, &ev.Timestamp, &trigger, &ev.Reason); err != nil {
			return nil, err
		}
		ev.FromMode, ev.ToMode = mode.Mode(from), mode.Mode(to)
		ev.Trigger = mode.Trigger(trigger)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Append writes one strategy change record. Implements ledger.Ledger:
// failures propagate so callers abort the adoption.
func (s *Store) Append(ctx context.Context, rec ledger.Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	perf, err := json.Marshal(rec.PerformanceAtChange)
	if err != nil {
		return "", fmt.Errorf("marshal performance: %w", err)
	}
	query := `
		INSERT INTO strategy_change_records
			(id, agent_id, change_time, trigger_reason, change_type, old_strategy_digest, new_strategy_digest, change_summary, performance_at_change, explanation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.Pool.Exec(ctx, query,
		rec.ID, rec.AgentID, rec.Timestamp, rec.TriggerReason, string(rec.ChangeType),
		rec.OldStrategyDigest, rec.NewStrategyDigest, rec.ChangeSummary, perf, rec.Explanation,
	)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// History returns an agent's strategy change records in time order.
func (s *Store) History(ctx context.Context, agentID string, f ledger.Filter) ([]ledger.Record, error) {
	query := `
		SELECT id, agent_id, change_time, trigger_reason, change_type, old_strategy_digest, new_strategy_digest, change_summary, performance_at_change, explanation
		FROM strategy_change_records
		WHERE agent_id = $1
		  AND ($2 = '' OR change_type = $2)
		  AND ($3::timestamptz IS NULL OR change_time >= $3)
		ORDER BY change_time ASC
	`
	var since *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	rows, err := s.db.Pool.Query(ctx, query, agentID, string(f.ChangeType), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var rec ledger.Record
		var changeType string
		var perf []byte
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Timestamp, &rec.TriggerReason, &changeType,
			&rec.OldStrategyDigest, &rec.NewStrategyDigest, &rec.ChangeSummary, &perf, &rec.Explanation); err != nil {
			return nil, err
		}
		rec.ChangeType = ledger.ChangeType(changeType)
		if len(perf) > 0 {
			var m performance.Metrics
			if err := json.Unmarshal(perf, &m); err == nil {
				rec.PerformanceAtChange = m
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}
