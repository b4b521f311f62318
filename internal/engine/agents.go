package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	xerrors "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/errors"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/events"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// agentState is the registry's authoritative record for one agent. The
// engine lock guards every field; snapshots derive the wire view.
type agentState struct {
	id            string
	caps          []models.Capability
	maxConcurrent int
	executor      string
	endpoint      string

	// status holds active, error, or inactive. Busy is derived from the
	// counter so it can never go stale.
	status  string
	current int

	successes   int64
	failures    int64
	streak      int // consecutive failures; trips the error status
	ewmaSeconds float64
	ewmaSet     bool

	registeredAt time.Time
}

func (a *agentState) supports(taskType string) bool {
	if len(a.caps) == 0 {
		return true
	}
	for _, c := range a.caps {
		if c.Name == taskType {
			return true
		}
	}
	return false
}

// RegisterAgent adds an agent or updates an existing registration in place.
// Re-registering an inactive or errored agent returns it to service; its
// history and any still-queued tasks survive.
func (e *Engine) RegisterAgent(ctx context.Context, req models.RegisterAgentRequest) (models.Agent, error) {
	if req.AgentID == "" {
		return models.Agent{}, xerrors.New(xerrors.CodeValidation, "agent_id is required")
	}
	if req.MaxConcurrentRequests < 0 {
		return models.Agent{}, xerrors.New(xerrors.CodeValidation, "max_concurrent_requests must be positive")
	}
	if req.MaxConcurrentRequests == 0 {
		req.MaxConcurrentRequests = models.DefaultMaxConcurrent
	}
	if req.Executor == "" {
		req.Executor = e.defaultExecutor
	}
	if _, ok := e.execs.Get(req.Executor); !ok {
		return models.Agent{}, xerrors.Newf(xerrors.CodeValidation, "unknown executor %q", req.Executor)
	}
	if req.Executor == models.ExecutorHTTP && req.Endpoint == "" {
		return models.Agent{}, xerrors.New(xerrors.CodeValidation, "endpoint is required for the http executor")
	}

	e.mu.Lock()
	a, ok := e.agents[req.AgentID]
	if !ok {
		a = &agentState{id: req.AgentID, registeredAt: time.Now().UTC()}
		e.agents[req.AgentID] = a
	}
	a.caps = append([]models.Capability(nil), req.Capabilities...)
	a.maxConcurrent = req.MaxConcurrentRequests
	a.executor = req.Executor
	a.endpoint = req.Endpoint
	a.status = models.AgentActive
	a.streak = 0
	snap := e.snapshotAgentLocked(a)
	e.mu.Unlock()

	e.persistAgent(ctx, snap)
	e.publishAgent(snap)
	e.kick()
	return snap, nil
}

// DeactivateAgent takes an agent out of dispatch. Running tasks drain
// normally; queued tasks stay queued until the agent re-registers or they
// are cancelled.
func (e *Engine) DeactivateAgent(ctx context.Context, agentID string) (models.Agent, error) {
	e.mu.Lock()
	a, ok := e.agents[agentID]
	if !ok {
		e.mu.Unlock()
		return models.Agent{}, xerrors.Newf(xerrors.CodeNotFound, "agent %q not found", agentID)
	}
	a.status = models.AgentInactive
	snap := e.snapshotAgentLocked(a)
	e.mu.Unlock()

	e.persistAgent(ctx, snap)
	e.publishAgent(snap)
	return snap, nil
}

// ValidateAssignment checks that an agent is registered, in service, and
// supports the task type. The workflow engine runs this over every step
// before accepting a workflow.
func (e *Engine) ValidateAssignment(agentID, taskType string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[agentID]
	if !ok {
		return xerrors.Newf(xerrors.CodeValidation, "agent %q is not registered", agentID)
	}
	if a.status == models.AgentInactive {
		return xerrors.Newf(xerrors.CodeValidation, "agent %q is inactive", agentID)
	}
	if !a.supports(taskType) {
		return xerrors.Newf(xerrors.CodeValidation, "agent %q does not support task type %q", agentID, taskType)
	}
	return nil
}

// Agent returns one agent snapshot.
func (e *Engine) Agent(agentID string) (models.Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[agentID]
	if !ok {
		return models.Agent{}, xerrors.Newf(xerrors.CodeNotFound, "agent %q not found", agentID)
	}
	return e.snapshotAgentLocked(a), nil
}

// Agents returns all agent snapshots sorted by ID.
func (e *Engine) Agents() []models.Agent {
	e.mu.Lock()
	out := make([]models.Agent, 0, len(e.agents))
	for _, a := range e.agents {
		out = append(out, e.snapshotAgentLocked(a))
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// snapshotAgentLocked derives the wire view: busy when the registration is
// active and the counter has hit the cap, and the tracker ratios computed
// from the raw counters.
func (e *Engine) snapshotAgentLocked(a *agentState) models.Agent {
	status := a.status
	if status == models.AgentActive && a.current >= a.maxConcurrent {
		status = models.AgentBusy
	}
	total := a.successes + a.failures
	rate := 1.0
	if total > 0 {
		rate = float64(a.successes) / float64(total)
	}
	avg := 0.0
	if a.ewmaSet {
		avg = a.ewmaSeconds
	}
	return models.Agent{
		AgentID:               a.id,
		Capabilities:          append([]models.Capability(nil), a.caps...),
		MaxConcurrentRequests: a.maxConcurrent,
		CurrentTasks:          a.current,
		TotalTasksCompleted:   a.successes,
		SuccessRate:           rate,
		AverageResponseTime:   avg,
		CurrentLoad:           float64(a.current) / float64(a.maxConcurrent),
		Status:                status,
		Executor:              a.executor,
		Endpoint:              a.endpoint,
		RegisteredAt:          a.registeredAt,
	}
}

func (e *Engine) persistAgent(ctx context.Context, snap models.Agent) {
	if e.st == nil {
		return
	}
	if err := e.st.SaveAgent(ctx, snap); err != nil {
		slog.Warn("persist agent failed", "agent_id", snap.AgentID, "err", err)
	}
}

func (e *Engine) publishAgent(snap models.Agent) {
	e.bus.Publish(events.TypeAgentUpdate, map[string]any{
		"agent_id":      snap.AgentID,
		"status":        snap.Status,
		"current_tasks": snap.CurrentTasks,
	})
}
