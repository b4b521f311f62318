package engine

import (
	"log/slog"
	"sort"
	"time"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// recordSuccessLocked folds a completed execution into the agent's tracker
// counters. total_tasks_completed counts successes only; the response-time
// average is an EWMA so recent behavior dominates. A success clears an
// error-status agent back to active.
func (e *Engine) recordSuccessLocked(a *agentState, execSeconds float64) {
	a.successes++
	a.streak = 0
	if a.ewmaSet {
		a.ewmaSeconds = models.DefaultEWMAAlpha*execSeconds + (1-models.DefaultEWMAAlpha)*a.ewmaSeconds
	} else {
		a.ewmaSeconds = execSeconds
		a.ewmaSet = true
	}
	if a.status == models.AgentError {
		a.status = models.AgentActive
		slog.Info("agent recovered", "agent_id", a.id)
	}
}

// recordFailureLocked counts a failed or timed-out execution. A streak of
// consecutive failures moves the agent to error status, which pauses
// dispatch to it until a re-register or a recovery.
func (e *Engine) recordFailureLocked(a *agentState) {
	a.failures++
	a.streak++
	if a.streak >= models.DefaultErrorStreak && a.status == models.AgentActive {
		a.status = models.AgentError
		slog.Warn("agent moved to error status", "agent_id", a.id, "consecutive_failures", a.streak)
	}
}

// Status reports a point-in-time view of the whole engine.
func (e *Engine) Status() models.EngineStatus {
	e.mu.Lock()
	s := models.EngineStatus{
		Queue:   e.queue.depths(),
		Running: e.running,
		TaskWorkers: models.PoolStats{
			Size: cap(e.taskSlots),
			Busy: len(e.taskSlots),
		},
		WorkflowWorkers: models.PoolStats{
			Size: cap(e.wfSlots),
			Busy: len(e.wfSlots),
		},
		TasksTotal:    len(e.tasks),
		UptimeSeconds: time.Since(e.started).Seconds(),
	}
	s.Agents = make([]models.Agent, 0, len(e.agents))
	for _, a := range e.agents {
		s.Agents = append(s.Agents, e.snapshotAgentLocked(a))
	}
	count := e.workflowCount
	e.mu.Unlock()

	sort.Slice(s.Agents, func(i, j int) bool { return s.Agents[i].AgentID < s.Agents[j].AgentID })
	if count != nil {
		s.WorkflowsTotal = count()
	}
	return s
}

// Counts reports task totals by status for the observable gauges.
func (e *Engine) Counts() (queued, running, completed, failed, cancelled int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		switch t.Status {
		case models.StatusQueued:
			queued++
		case models.StatusRunning:
			running++
		case models.StatusCompleted:
			completed++
		case models.StatusFailed:
			failed++
		case models.StatusCancelled:
			cancelled++
		}
	}
	return
}

// QueueDepths reports live queue counts per priority for the gauges.
func (e *Engine) QueueDepths() models.QueueStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.depths()
}
