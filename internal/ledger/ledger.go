// Package ledger provides the append-only audit log of strategy
// changes. Records are immutable once written; the public contract has
// no update or delete.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-agent-scheduler/internal/performance"
)

// ChangeType categorizes how a strategy change came about.
type ChangeType string

const (
	ChangeAuto              ChangeType = "auto"
	ChangeManual            ChangeType = "manual"
	ChangePerformanceDriven ChangeType = "performance_driven"
)

// ErrAppendFailed wraps storage failures on append. Callers must not
// proceed with an adoption whose record could not be written.
var ErrAppendFailed = errors.New("ledger append failed")

// Record is one immutable strategy-change entry.
type Record struct {
	ID                  string              `json:"id"`
	AgentID             string              `json:"agent_id"`
	Timestamp           time.Time           `json:"timestamp"`
	TriggerReason       string              `json:"trigger_reason"`
	ChangeType          ChangeType          `json:"change_type"`
	OldStrategyDigest   string              `json:"old_strategy_digest"`
	NewStrategyDigest   string              `json:"new_strategy_digest"`
	ChangeSummary       string              `json:"change_summary"`
	PerformanceAtChange performance.Metrics `json:"performance_at_change"`
	Explanation         string              `json:"explanation"`
}

// Filter narrows History results. Zero values mean "no constraint".
type Filter struct {
	ChangeType ChangeType
	Since      time.Time
	Limit      int
}

// Ledger is the append-only audit log. Append never fails silently:
// write errors propagate to the caller.
type Ledger interface {
	Append(ctx context.Context, rec Record) (string, error)
	History(ctx context.Context, agentID string, f Filter) ([]Record, error)
}

// Memory is an in-process Ledger used in tests and when no database is
// configured.
type Memory struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemory() *Memory {
	return &Memory{}
}

// Append stores a copy of rec and returns its assigned ID.
func (m *Memory) Append(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return rec.ID, nil
}

// History returns agentID's records in timestamp order.
func (m *Memory) History(ctx context.Context, agentID string, f Filter) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0)
	for _, r := range m.records {
		if r.AgentID != agentID {
			continue
		}
		if f.ChangeType != "" && r.ChangeType != f.ChangeType {
			continue
		}
		if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Len reports the total number of records across all agents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
