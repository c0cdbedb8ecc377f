// Package runner drives the per-agent evaluation loops: one
// single-writer loop per agent, polling on a fixed interval, with
// evaluation concurrency bounded across agents.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-agent-scheduler/internal/calendar"
	"trading-agent-scheduler/internal/controller"
	"trading-agent-scheduler/internal/events"
	"trading-agent-scheduler/internal/evolution"
	"trading-agent-scheduler/internal/lifecycle"
	"trading-agent-scheduler/internal/performance"
	"trading-agent-scheduler/internal/schedule"
)

// SnapshotWriter receives the agent state snapshot after every tick.
// Implementations must tolerate being slow or down; writes happen
// best-effort off the hot path of arbitration.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, st controller.AgentState) error
}

// Config holds runner-wide settings.
type Config struct {
	PollInterval    time.Duration
	MaxConcurrent   int
	MetricsLookback time.Duration
	MinDwell        time.Duration
	Triggers        controller.Triggers
}

// AgentConfig describes one agent to run.
type AgentConfig struct {
	AgentID         string
	StrategyRef     string
	StrategyVersion string
}

// AgentStatus is the runner's per-agent status view.
type AgentStatus struct {
	State          controller.AgentState       `json:"state"`
	TaskID         string                      `json:"task_id"`
	Ticks          int64                       `json:"ticks"`
	LastError      string                      `json:"last_error,omitempty"`
	LastInvocation *lifecycle.InvocationResult `json:"last_invocation,omitempty"`
}

type agentLoop struct {
	taskID string
	ctrl   *controller.Controller
	cancel context.CancelFunc

	mu       sync.Mutex
	ticks    int64
	lastErr  string
	lastInvc *lifecycle.InvocationResult
}

// Runner owns all agent loops.
type Runner struct {
	cfg       Config
	cal       *calendar.Calendar
	table     *schedule.Table
	evaluator *performance.Evaluator
	engine    *evolution.Engine
	manager   *lifecycle.Manager
	sink      controller.Sink
	bus       *events.Bus
	snapshots SnapshotWriter
	logger    zerolog.Logger

	slots chan struct{}

	mu     sync.Mutex
	agents map[string]*agentLoop
	wg     sync.WaitGroup
	seq    int
}

// New creates a Runner. sink and snapshots may be nil.
func New(cfg Config, cal *calendar.Calendar, table *schedule.Table, evaluator *performance.Evaluator,
	engine *evolution.Engine, manager *lifecycle.Manager, sink controller.Sink,
	bus *events.Bus, snapshots SnapshotWriter, logger zerolog.Logger) *Runner {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MetricsLookback <= 0 {
		cfg.MetricsLookback = 30 * 24 * time.Hour
	}
	return &Runner{
		cfg:       cfg,
		cal:       cal,
		table:     table,
		evaluator: evaluator,
		engine:    engine,
		manager:   manager,
		sink:      sink,
		bus:       bus,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "runner").Logger(),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		agents:    make(map[string]*agentLoop),
	}
}

// StartAgent activates an agent: its controller starts in STANDBY and
// its loop begins evaluating on the poll interval.
func (r *Runner) StartAgent(ctx context.Context, ac AgentConfig) error {
	r.mu.Lock()
	if _, exists := r.agents[ac.AgentID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("agent %s already running", ac.AgentID)
	}
	r.seq++
	taskID := fmt.Sprintf("task-%s-%d", ac.AgentID, r.seq)

	ctrl := controller.New(controller.Config{
		AgentID:         ac.AgentID,
		StrategyRef:     ac.StrategyRef,
		StrategyVersion: ac.StrategyVersion,
		Triggers:        r.cfg.Triggers,
		MinDwell:        r.cfg.MinDwell,
		Table:           r.table,
		Engine:          r.engine,
		Sink:            r.sink,
		Bus:             r.bus,
		Logger:          r.logger,
	})

	loopCtx, cancel := context.WithCancel(ctx)
	loop := &agentLoop{taskID: taskID, ctrl: ctrl, cancel: cancel}
	r.agents[ac.AgentID] = loop
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(loopCtx, ac.AgentID, loop)

	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:    events.EventAgentStarted,
			AgentID: ac.AgentID,
			Data:    map[string]interface{}{"task_id": taskID},
		})
	}
	r.logger.Info().Str("agent_id", ac.AgentID).Str("task_id", taskID).Msg("agent started")
	return nil
}

// StopAgent deactivates an agent. Any in-flight invocation is
// cancelled; its scope cleanup still runs inside the loop goroutine
// before the loop exits.
func (r *Runner) StopAgent(agentID string) error {
	r.mu.Lock()
	loop, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s not running", agentID)
	}

	loop.cancel()
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:    events.EventAgentStopped,
			AgentID: agentID,
		})
	}
	r.logger.Info().Str("agent_id", agentID).Msg("agent stopped")
	return nil
}

// Stop cancels every agent loop and waits for them to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	for id, loop := range r.agents {
		loop.cancel()
		delete(r.agents, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Controller returns the live controller for agentID, used by the API
// for snapshots, history, and manual transition requests.
func (r *Runner) Controller(agentID string) (*controller.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loop, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return loop.ctrl, true
}

// Status reports every running agent's state.
func (r *Runner) Status() map[string]AgentStatus {
	r.mu.Lock()
	loops := make(map[string]*agentLoop, len(r.agents))
	for id, loop := range r.agents {
		loops[id] = loop
	}
	r.mu.Unlock()

	out := make(map[string]AgentStatus, len(loops))
	for id, loop := range loops {
		loop.mu.Lock()
		out[id] = AgentStatus{
			State:          loop.ctrl.Snapshot(),
			TaskID:         loop.taskID,
			Ticks:          loop.ticks,
			LastError:      loop.lastErr,
			LastInvocation: loop.lastInvc,
		}
		loop.mu.Unlock()
	}
	return out
}

// run is the agent's single-writer loop. All mutation of the agent's
// state happens on this goroutine; ticks across agents share the
// bounded slot pool.
func (r *Runner) run(ctx context.Context, agentID string, loop *agentLoop) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.withSlot(ctx, func() { r.tick(ctx, agentID, loop) })

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.withSlot(ctx, func() { r.tick(ctx, agentID, loop) })
		}
	}
}

func (r *Runner) withSlot(ctx context.Context, fn func()) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-r.slots }()
	fn()
}

// tick runs one evaluation: fetch metrics, arbitrate, and on a mode
// change dispatch the decision engine under a fresh execution scope.
// Nothing in here may panic the loop; every failure degrades to "stay
// in current mode".
func (r *Runner) tick(ctx context.Context, agentID string, loop *agentLoop) {
	now := time.Now()
	w := performance.RollingWindow(r.cal, now, r.cfg.MetricsLookback)
	metrics := r.evaluator.MetricsFor(ctx, agentID, w)

	ev := loop.ctrl.Evaluate(ctx, now, metrics)

	var invc *lifecycle.InvocationResult
	if ev != nil {
		st := loop.ctrl.Snapshot()
		pc := lifecycle.PromptContext{
			AgentID:         agentID,
			Mode:            ev.ToMode,
			StrategyRef:     st.StrategyRef,
			StrategyVersion: st.StrategyVersion,
			Metrics:         metrics,
			AsOf:            now,
		}
		result := r.manager.Invoke(ctx, loop.taskID, pc, loop.ctrl.SetActiveScope)
		loop.ctrl.ClearActiveScope()
		invc = &result

		if !result.Success && r.bus != nil {
			errMsg := ""
			if result.Err != nil {
				errMsg = result.Err.Error()
			}
			r.bus.Publish(events.Event{
				Type:    events.EventInvocationFailed,
				AgentID: agentID,
				Data: map[string]interface{}{
					"scope_id": result.ScopeID,
					"mode":     ev.ToMode.String(),
					"error":    errMsg,
				},
			})
		}
	}

	// Strategy evolution is observed independently of transitions but
	// only folds in during STRATEGY_REVIEW. Failures skip the proposal.
	if _, err := loop.ctrl.MaybeEvolve(ctx, now, metrics); err != nil {
		loop.mu.Lock()
		loop.lastErr = err.Error()
		loop.mu.Unlock()
	}

	if r.snapshots != nil {
		if err := r.snapshots.WriteSnapshot(ctx, loop.ctrl.Snapshot()); err != nil {
			r.logger.Debug().Err(err).Str("agent_id", agentID).Msg("snapshot write failed")
		}
	}

	loop.mu.Lock()
	loop.ticks++
	if invc != nil {
		loop.lastInvc = invc
		if invc.Err != nil {
			loop.lastErr = invc.Err.Error()
		}
	}
	loop.mu.Unlock()
}
