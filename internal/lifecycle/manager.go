// Package lifecycle owns the execution-scope contract: every mode
// invocation acquires and releases its resources inside one scope,
// opened and torn down by the same task.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-agent-scheduler/internal/mode"
	"trading-agent-scheduler/internal/performance"
)

// ErrInvocationTimeout marks an invocation that exceeded its bounded
// duration. It is a failure, not a crash; cleanup proceeds identically
// to the success path.
var ErrInvocationTimeout = errors.New("invocation timed out")

// PromptContext is the mode-specific context handed to the decision
// engine.
type PromptContext struct {
	AgentID         string              `json:"agent_id"`
	Mode            mode.Mode           `json:"mode"`
	StrategyRef     string              `json:"strategy_ref"`
	StrategyVersion string              `json:"strategy_version"`
	Metrics         performance.Metrics `json:"metrics"`
	AsOf            time.Time           `json:"as_of"`
}

// Decision is what the external engine returns. The engine is opaque:
// slow, fallible, and non-deterministic.
type Decision struct {
	ActionsTaken []string `json:"actions_taken"`
	Narrative    string   `json:"narrative"`
}

// DecisionEngineInvoker is the boundary to the external reasoning
// component.
type DecisionEngineInvoker interface {
	Invoke(ctx context.Context, pc PromptContext) (*Decision, error)
}

// Resource is a handle acquired for one invocation (tool or connection
// handle). Release is called exactly once, from the task that acquired
// it.
type Resource interface {
	Name() string
	Release() error
}

// ResourceProvider acquires whatever handles the decision engine needs.
// Acquisition happens inside the invocation's scope.
type ResourceProvider interface {
	Acquire(ctx context.Context, pc PromptContext) ([]Resource, error)
}

// scope is the resource-ownership unit for one invocation. It is never
// returned to callers, never cached, and never handed to another
// goroutine: Invoke creates it, uses it, and tears it down in a single
// deferred path on the calling task.
type scope struct {
	id           string
	owningTaskID string
	openedAt     time.Time
	resources    []Resource
	closed       bool
}

// close releases all resources. It must be called by the owning task;
// a mismatched caller is a contract violation and releases nothing.
func (s *scope) close(callerTaskID string) error {
	if s.closed {
		return nil
	}
	if callerTaskID != s.owningTaskID {
		return fmt.Errorf("scope %s owned by task %s, close attempted by task %s",
			s.id, s.owningTaskID, callerTaskID)
	}
	s.closed = true

	var errs []error
	// Release in reverse acquisition order.
	for i := len(s.resources) - 1; i >= 0; i-- {
		if err := s.resources[i].Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", s.resources[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ScopeInfo is a read-only view of a registered scope.
type ScopeInfo struct {
	ScopeID      string    `json:"scope_id"`
	OwningTaskID string    `json:"owning_task_id"`
	AgentID      string    `json:"agent_id"`
	Mode         mode.Mode `json:"mode"`
	OpenedAt     time.Time `json:"opened_at"`
}

// InvocationResult reports one mode invocation's outcome.
type InvocationResult struct {
	ScopeID      string    `json:"scope_id"`
	Success      bool      `json:"success"`
	ActionsTaken []string  `json:"actions_taken,omitempty"`
	Narrative    string    `json:"narrative,omitempty"`
	Err          error     `json:"-"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Manager dispatches mode invocations to the decision engine under the
// scope contract. The registry only exists for observability and
// force-eviction; scopes themselves never leave Invoke's stack frame.
type Manager struct {
	invoker  DecisionEngineInvoker
	provider ResourceProvider
	timeout  time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	registry map[string]ScopeInfo
}

// NewManager creates a Manager. provider may be nil when the engine
// needs no handles. timeout bounds every invocation; zero means 120s.
func NewManager(invoker DecisionEngineInvoker, provider ResourceProvider, timeout time.Duration, logger zerolog.Logger) *Manager {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Manager{
		invoker:  invoker,
		provider: provider,
		timeout:  timeout,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
		registry: make(map[string]ScopeInfo),
	}
}

// ActiveScopes lists currently registered scopes.
func (m *Manager) ActiveScopes() []ScopeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScopeInfo, 0, len(m.registry))
	for _, info := range m.registry {
		out = append(out, info)
	}
	return out
}

// Invoke runs one mode invocation for taskID: open a fresh scope,
// acquire resources inside it, call the decision engine, and tear the
// scope down in the same task via the deferred cleanup regardless of
// success, failure, timeout, or cancellation. Scopes are never reused
// across invocations. onOpen, when non-nil, is called with the new
// scope's ID before any work runs, on the calling goroutine.
func (m *Manager) Invoke(ctx context.Context, taskID string, pc PromptContext, onOpen func(scopeID string)) (res InvocationResult) {
	s := &scope{
		id:           uuid.New().String(),
		owningTaskID: taskID,
		openedAt:     time.Now(),
	}
	m.register(s, pc)
	if onOpen != nil {
		onOpen(s.id)
	}

	res = InvocationResult{ScopeID: s.id, StartedAt: s.openedAt}

	// Cleanup runs exactly once, on this goroutine, whatever happens
	// below. Partial release failure is logged and the scope is
	// force-evicted; it never aborts the caller's loop.
	defer func() {
		if err := s.close(taskID); err != nil {
			m.logger.Error().Err(err).
				Str("scope_id", s.id).
				Str("agent_id", pc.AgentID).
				Msg("scope cleanup incomplete, force-evicting")
		}
		m.deregister(s.id)
		res.FinishedAt = time.Now()
	}()

	if m.provider != nil {
		handles, err := m.provider.Acquire(ctx, pc)
		s.resources = handles
		if err != nil {
			res.Err = fmt.Errorf("acquire resources: %w", err)
			return res
		}
	}

	ictx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	decision, err := m.invoker.Invoke(ictx, pc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrInvocationTimeout, m.timeout)
		}
		m.logger.Warn().Err(err).
			Str("agent_id", pc.AgentID).
			Str("mode", pc.Mode.String()).
			Msg("decision engine invocation failed")
		res.Err = err
		return res
	}

	res.Success = true
	res.ActionsTaken = decision.ActionsTaken
	res.Narrative = decision.Narrative
	return res
}

func (m *Manager) register(s *scope, pc PromptContext) {
	m.mu.Lock()
	m.registry[s.id] = ScopeInfo{
		ScopeID:      s.id,
		OwningTaskID: s.owningTaskID,
		AgentID:      pc.AgentID,
		Mode:         pc.Mode,
		OpenedAt:     s.openedAt,
	}
	m.mu.Unlock()
}

func (m *Manager) deregister(scopeID string) {
	m.mu.Lock()
	delete(m.registry, scopeID)
	m.mu.Unlock()
}
