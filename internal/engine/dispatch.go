package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/errors"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/events"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/executor"
	otelmetrics "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/otel"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// Run drives dispatch passes until ctx is cancelled. Passes fire on every
// wake (submit, cancel, worker completion, agent registration) with a ticker
// as fallback so a missed edge never strands queued work.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("dispatcher started",
		"task_workers", cap(e.taskSlots),
		"workflow_workers", cap(e.wfSlots),
		"tick", e.tick)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")
			return ctx.Err()
		case <-e.wake:
		case <-ticker.C:
		}
		e.dispatchPass(ctx)
	}
}

// dispatchPass claims and launches every runnable task, then ages whatever
// was left behind by a higher-priority claim.
func (e *Engine) dispatchPass(ctx context.Context) {
	claimedRank := -1
	for {
		c, ok := e.claimNext(ctx)
		if !ok {
			break
		}
		if c.rank > claimedRank {
			claimedRank = c.rank
		}
		e.persistTask(context.Background(), c.snap)
		e.publishTask(c.snap)
		e.publishAgent(c.agentSnap)
		otelmetrics.RecordTaskOp(context.Background(), "dispatch", c.snap.Status)
		e.notifyStarted(c.snap)
		go e.runTask(c)
	}
	if claimedRank > 0 {
		e.mu.Lock()
		e.queue.age(claimedRank, e.agingPasses)
		e.mu.Unlock()
	}
}

// claim carries everything a worker needs, captured under the engine lock
// at claim time.
type claim struct {
	t         *task
	exec      executor.Executor
	endpoint  string
	rank      int
	workflow  bool
	invokeCtx context.Context
	snap      models.Task
	agentSnap models.Agent
}

// claimNext atomically picks the next runnable task: highest priority whose
// agent has spare concurrency and whose pool has a free slot. The claim
// happens in one critical section, so two passes can never double-dispatch
// and an agent can never exceed max_concurrent_requests.
func (e *Engine) claimNext(runCtx context.Context) (claim, bool) {
	e.mu.Lock()
	t := e.queue.next(func(t *task) bool {
		a := e.agents[t.AgentID]
		if a == nil || a.status != models.AgentActive || a.current >= a.maxConcurrent {
			return false
		}
		if _, ok := e.execs.Get(a.executor); !ok {
			return false
		}
		return e.poolRoomLocked(t.WorkflowID != "")
	})
	if t == nil {
		e.mu.Unlock()
		return claim{}, false
	}
	a := e.agents[t.AgentID]
	exec, _ := e.execs.Get(a.executor)
	e.queue.remove(t)
	e.transitionLocked(t, models.StatusRunning)
	invokeCtx, cancel := context.WithCancel(runCtx)
	t.cancel = cancel
	c := claim{
		t:         t,
		exec:      exec,
		endpoint:  a.endpoint,
		rank:      t.effRank,
		workflow:  t.WorkflowID != "",
		invokeCtx: invokeCtx,
		snap:      e.snapshotLocked(t),
		agentSnap: e.snapshotAgentLocked(a),
	}
	e.mu.Unlock()

	// Guaranteed not to block: room was checked under the lock and this
	// goroutine is the only acquirer.
	e.acquireSlot(c.workflow)
	return c, true
}

func (e *Engine) poolRoomLocked(workflow bool) bool {
	ch := e.taskSlots
	if workflow {
		ch = e.wfSlots
	}
	return len(ch) < cap(ch)
}

func (e *Engine) acquireSlot(workflow bool) {
	if workflow {
		e.wfSlots <- struct{}{}
	} else {
		e.taskSlots <- struct{}{}
	}
}

func (e *Engine) releaseSlot(workflow bool) {
	if workflow {
		<-e.wfSlots
	} else {
		<-e.taskSlots
	}
}

// runTask invokes the agent capability under a watchdog. The invocation runs
// in a child goroutine; if the deadline or a cancel lands first, the task is
// finished immediately and whatever the capability returns later is
// discarded by the terminal check in finishTask.
func (e *Engine) runTask(c claim) {
	defer e.releaseSlot(c.workflow)
	defer e.kick()
	t := c.t

	timeout := time.Duration(t.TimeoutSec * float64(time.Second))
	ictx, cancel := context.WithTimeout(c.invokeCtx, timeout)
	defer cancel()

	req := executor.InvokeRequest{
		TaskID:     t.TaskID,
		AgentID:    t.AgentID,
		TaskType:   t.TaskType,
		Parameters: t.Parameters,
		TimeoutSec: t.TimeoutSec,
		Endpoint:   c.endpoint,
	}

	type outcome struct {
		res executor.InvokeResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.exec.Invoke(ictx, req, e.forwardExecutorEvent)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		e.finishTask(t, out.res, out.err)
	case <-ictx.Done():
		e.finishTask(t, executor.InvokeResult{}, ictx.Err())
		go func() { <-done }() // reap the abandoned invocation
	}
}

// finishTask applies the invocation outcome. Tasks already terminal (timed
// out, cancelled) ignore whatever arrives late; the agent counter was
// already released by that earlier transition.
func (e *Engine) finishTask(t *task, res executor.InvokeResult, invokeErr error) {
	e.mu.Lock()
	if models.TerminalStatus(t.Status) {
		e.mu.Unlock()
		slog.Debug("discarding late result", "task_id", t.TaskID, "status", t.Status)
		return
	}
	a := e.agents[t.AgentID]
	switch {
	case invokeErr == nil:
		t.Result = res.Result
		e.transitionLocked(t, models.StatusCompleted)
		if a != nil {
			e.recordSuccessLocked(a, t.ExecutionTime)
		}
	case errors.Is(invokeErr, context.DeadlineExceeded):
		t.Error = fmt.Sprintf("task timed out after %s", time.Duration(t.TimeoutSec*float64(time.Second)))
		t.ErrorCode = string(xerrors.CodeTimeout)
		e.transitionLocked(t, models.StatusFailed)
		if a != nil {
			e.recordFailureLocked(a)
		}
	case errors.Is(invokeErr, context.Canceled):
		// Dispatcher shutdown mid-run; a user cancel would already be
		// terminal and caught above.
		e.transitionLocked(t, models.StatusCancelled)
	default:
		t.Error = invokeErr.Error()
		t.ErrorCode = string(xerrors.CodeExecution)
		e.transitionLocked(t, models.StatusFailed)
		if a != nil {
			e.recordFailureLocked(a)
		}
	}
	t.cancel = nil
	snap := e.snapshotLocked(t)
	var agentSnap models.Agent
	if a != nil {
		agentSnap = e.snapshotAgentLocked(a)
	}
	e.mu.Unlock()

	otelmetrics.RecordTaskExecution(context.Background(), snap.AgentID, snap.Status, snap.ExecutionTime)
	e.persistTask(context.Background(), snap)
	e.publishTask(snap)
	if a != nil {
		e.publishAgent(agentSnap)
	}
	e.notifyObservers(snap)
}

// forwardExecutorEvent relays executor activity (invocation lifecycle, agent
// log lines) onto the bus as task updates.
func (e *Engine) forwardExecutorEvent(ev executor.Event) {
	data := map[string]any{
		"task_id":  ev.TaskID,
		"agent_id": ev.AgentID,
		"event":    ev.Type,
	}
	for k, v := range ev.Data {
		data[k] = v
	}
	e.bus.Publish(events.TypeTaskUpdate, data)
}
