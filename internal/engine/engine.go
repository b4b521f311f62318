// Package engine implements the orchestration core: the agent registry, the
// priority task queue, the dispatcher with its two worker pools, and the
// per-agent status tracker. One mutex guards the queue, the task table, and
// the agents' running-task counters; everything else hangs off channels.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/errors"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/events"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/executor"
	otelmetrics "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/otel"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/store"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// TaskSpec is an internal submission. The HTTP layer builds one from a
// SubmitTaskRequest; the workflow engine builds one per eligible step.
type TaskSpec struct {
	AgentID    string
	UserID     string
	TaskType   string
	Parameters json.RawMessage
	Priority   string
	Timeout    time.Duration
	WorkflowID string
	StepID     string
}

// Observer is notified when a task starts running and again when it reaches
// a terminal status. The workflow engine subscribes to mirror step state and
// to advance or fail its workflows. Callbacks run outside the engine lock.
type Observer interface {
	TaskStarted(t models.Task)
	TaskFinished(t models.Task)
}

// task is the engine's authoritative task record plus queue bookkeeping.
type task struct {
	models.Task

	effRank int // dequeue-order rank; aging may raise it above the submitted priority's rank
	waits   int
	inQueue bool
	cancel  context.CancelFunc // set while running
}

// Options configures a new Engine. Zero fields fall back to the pkg/models
// defaults.
type Options struct {
	TaskWorkers     int
	WorkflowWorkers int
	Tick            time.Duration // fairness fallback between channel wakeups
	DefaultTimeout  time.Duration
	AgingPasses     int
	DefaultExecutor string

	Bus       *events.Bus
	Store     store.Store // optional write-behind retention
	Executors *executor.Registry
}

// Engine owns all mutable orchestration state.
type Engine struct {
	mu      sync.Mutex
	agents  map[string]*agentState
	tasks   map[string]*task
	queue   *taskQueue
	running int

	wake      chan struct{}
	taskSlots chan struct{}
	wfSlots   chan struct{}

	observers []Observer

	bus             *events.Bus
	st              store.Store
	execs           *executor.Registry
	defaultExecutor string
	defaultTimeout  time.Duration
	agingPasses     int
	tick            time.Duration

	workflowCount func() int
	started       time.Time
}

func New(opts Options) *Engine {
	if opts.TaskWorkers <= 0 {
		opts.TaskWorkers = models.DefaultTaskWorkers
	}
	if opts.WorkflowWorkers <= 0 {
		opts.WorkflowWorkers = models.DefaultWorkflowWorkers
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = models.DefaultTimeoutSeconds * time.Second
	}
	if opts.AgingPasses <= 0 {
		opts.AgingPasses = models.DefaultAgingPasses
	}
	if opts.DefaultExecutor == "" {
		opts.DefaultExecutor = models.ExecutorStub
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Executors == nil {
		opts.Executors = executor.NewRegistry()
		opts.Executors.Register(executor.Stub{})
	}
	return &Engine{
		agents:          make(map[string]*agentState),
		tasks:           make(map[string]*task),
		queue:           newTaskQueue(),
		wake:            make(chan struct{}, 1),
		taskSlots:       make(chan struct{}, opts.TaskWorkers),
		wfSlots:         make(chan struct{}, opts.WorkflowWorkers),
		bus:             opts.Bus,
		st:              opts.Store,
		execs:           opts.Executors,
		defaultExecutor: opts.DefaultExecutor,
		defaultTimeout:  opts.DefaultTimeout,
		agingPasses:     opts.AgingPasses,
		tick:            opts.Tick,
		started:         time.Now().UTC(),
	}
}

// AddObserver registers a terminal-transition observer. Call before Run.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// SetWorkflowCounter wires the workflow engine's count into Status().
func (e *Engine) SetWorkflowCounter(f func() int) {
	e.mu.Lock()
	e.workflowCount = f
	e.mu.Unlock()
}

// Bus returns the event bus the engine publishes to.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Submit validates a spec, assigns a task ID, enqueues, and kicks the
// dispatcher. It returns the queued task snapshot (queue_position set) and
// the advisory completion estimate. Validation failures are synchronous and
// enqueue nothing.
func (e *Engine) Submit(ctx context.Context, spec TaskSpec) (models.Task, time.Time, error) {
	if err := e.validateSpec(&spec); err != nil {
		return models.Task{}, time.Time{}, err
	}

	t := &task{
		Task: models.Task{
			TaskID:     uuid.NewString(),
			AgentID:    spec.AgentID,
			UserID:     spec.UserID,
			TaskType:   spec.TaskType,
			Parameters: spec.Parameters,
			Priority:   spec.Priority,
			Status:     models.StatusQueued,
			WorkflowID: spec.WorkflowID,
			StepID:     spec.StepID,
			CreatedAt:  time.Now().UTC(),
			TimeoutSec: spec.Timeout.Seconds(),
		},
		effRank: models.PriorityRank(spec.Priority),
	}

	e.mu.Lock()
	agent, ok := e.agents[spec.AgentID]
	if !ok {
		e.mu.Unlock()
		return models.Task{}, time.Time{}, xerrors.Newf(xerrors.CodeValidation, "agent %q is not registered", spec.AgentID)
	}
	if agent.status == models.AgentInactive {
		e.mu.Unlock()
		return models.Task{}, time.Time{}, xerrors.Newf(xerrors.CodeValidation, "agent %q is inactive", spec.AgentID)
	}
	if !agent.supports(spec.TaskType) {
		e.mu.Unlock()
		return models.Task{}, time.Time{}, xerrors.Newf(xerrors.CodeValidation, "agent %q does not support task type %q", spec.AgentID, spec.TaskType)
	}
	e.tasks[t.TaskID] = t
	pos := e.queue.push(t)
	estimate := e.estimateLocked(agent, pos)
	snap := e.snapshotLocked(t)
	e.mu.Unlock()

	e.persistTask(ctx, snap)
	e.publishTask(snap)
	otelmetrics.RecordTaskOp(ctx, "submit", snap.Status)
	e.kick()
	return snap, estimate, nil
}

func (e *Engine) validateSpec(spec *TaskSpec) error {
	if spec.AgentID == "" {
		return xerrors.New(xerrors.CodeValidation, "agent_id is required")
	}
	if spec.TaskType == "" {
		return xerrors.New(xerrors.CodeValidation, "task_type is required")
	}
	if spec.Priority == "" {
		spec.Priority = models.PriorityNormal
	} else if !models.ValidPriority(spec.Priority) {
		return xerrors.Newf(xerrors.CodeValidation, "unknown priority %q", spec.Priority)
	}
	if len(spec.Parameters) > 0 {
		if !json.Valid(spec.Parameters) || !looksLikeObject(spec.Parameters) {
			return xerrors.New(xerrors.CodeValidation, "parameters must be a JSON object")
		}
	}
	if spec.Timeout < 0 {
		return xerrors.New(xerrors.CodeValidation, "timeout_seconds must be positive")
	}
	if spec.Timeout == 0 {
		spec.Timeout = e.defaultTimeout
	}
	return nil
}

func looksLikeObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// GetTask returns a task snapshot by ID. Queued tasks get a freshly computed
// queue_position. Tasks absent from memory (earlier daemon run) are read
// from the retention store.
func (e *Engine) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	e.mu.Lock()
	if t, ok := e.tasks[taskID]; ok {
		snap := e.snapshotLocked(t)
		e.mu.Unlock()
		return snap, nil
	}
	e.mu.Unlock()

	if e.st != nil {
		if stored, err := e.st.GetTask(ctx, taskID); err == nil {
			return stored, nil
		}
	}
	return models.Task{}, xerrors.Newf(xerrors.CodeNotFound, "task %q not found", taskID)
}

// TaskFilter narrows ListTasks output.
type TaskFilter struct {
	Status  string
	AgentID string
	Limit   int
}

// ListTasks merges live tasks with retained history, newest first.
func (e *Engine) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	if f.Limit <= 0 || f.Limit > models.DefaultTaskListLimit {
		f.Limit = models.DefaultTaskListLimit
	}

	merged := make(map[string]models.Task)
	if e.st != nil {
		stored, err := e.st.ListTasks(ctx, store.TaskFilter{Status: f.Status, AgentID: f.AgentID, Limit: f.Limit})
		if err != nil {
			slog.Warn("list tasks from store failed", "err", err)
		}
		for _, t := range stored {
			merged[t.TaskID] = t
		}
	}
	e.mu.Lock()
	for _, t := range e.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AgentID != "" && t.AgentID != f.AgentID {
			continue
		}
		merged[t.TaskID] = e.snapshotLocked(t)
	}
	e.mu.Unlock()

	out := make([]models.Task, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	sortTasksByCreated(out)
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CancelTask cancels a task idempotently. Queued tasks leave the queue with
// no side effects; running tasks get their cancellation signal and stay
// cancelled even if the capability later returns. Cancelling a terminal task
// returns the unchanged snapshot with an AlreadyTerminal error.
func (e *Engine) CancelTask(ctx context.Context, taskID string) (models.Task, error) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return e.cancelStored(ctx, taskID)
	}
	if models.TerminalStatus(t.Status) {
		snap := e.snapshotLocked(t)
		e.mu.Unlock()
		return snap, xerrors.Newf(xerrors.CodeAlreadyTerminal, "task %q is already %s", taskID, snap.Status)
	}
	if t.inQueue {
		e.queue.remove(t)
	}
	wasRunning := t.Status == models.StatusRunning
	cancel := t.cancel
	t.cancel = nil
	e.transitionLocked(t, models.StatusCancelled)
	snap := e.snapshotLocked(t)
	var agentSnap *models.Agent
	if wasRunning {
		if a := e.agents[t.AgentID]; a != nil {
			as := e.snapshotAgentLocked(a)
			agentSnap = &as
		}
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.persistTask(ctx, snap)
	e.publishTask(snap)
	if agentSnap != nil {
		e.publishAgent(*agentSnap)
	}
	otelmetrics.RecordTaskOp(ctx, "cancel", snap.Status)
	e.notifyObservers(snap)
	e.kick()
	return snap, nil
}

// cancelStored handles cancel for tasks only present in the retention store:
// terminal records report AlreadyTerminal; a non-terminal record is stale
// state from a previous daemon run and is reconciled to cancelled.
func (e *Engine) cancelStored(ctx context.Context, taskID string) (models.Task, error) {
	if e.st == nil {
		return models.Task{}, xerrors.Newf(xerrors.CodeNotFound, "task %q not found", taskID)
	}
	stored, err := e.st.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, xerrors.Newf(xerrors.CodeNotFound, "task %q not found", taskID)
	}
	if models.TerminalStatus(stored.Status) {
		return stored, xerrors.Newf(xerrors.CodeAlreadyTerminal, "task %q is already %s", taskID, stored.Status)
	}
	now := time.Now().UTC()
	stored.Status = models.StatusCancelled
	stored.CompletedAt = &now
	e.persistTask(ctx, stored)
	e.publishTask(stored)
	return stored, nil
}

// transitionLocked applies a status change, enforcing monotonicity and
// keeping the agent's running-task counter equal to its running-task count.
// Returns false when t is already terminal.
func (e *Engine) transitionLocked(t *task, status string) bool {
	if models.TerminalStatus(t.Status) {
		return false
	}
	prev := t.Status
	now := time.Now().UTC()
	switch status {
	case models.StatusRunning:
		t.StartedAt = &now
		e.running++
		if a := e.agents[t.AgentID]; a != nil {
			a.current++
		}
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		t.CompletedAt = &now
		if t.StartedAt != nil {
			t.ExecutionTime = now.Sub(*t.StartedAt).Seconds()
		}
		if prev == models.StatusRunning {
			e.running--
			if a := e.agents[t.AgentID]; a != nil && a.current > 0 {
				a.current--
			}
		}
	}
	t.Status = status
	return true
}

// snapshotLocked copies the wire-facing record. Queued tasks get a live
// queue_position.
func (e *Engine) snapshotLocked(t *task) models.Task {
	snap := t.Task
	if t.inQueue {
		pos := e.queue.position(t)
		snap.QueuePosition = &pos
	} else {
		snap.QueuePosition = nil
	}
	return snap
}

// estimateLocked predicts completion from the agent's EWMA response time and
// the task's position in line. Advisory only.
func (e *Engine) estimateLocked(a *agentState, pos int) time.Time {
	per := a.ewmaSeconds
	if !a.ewmaSet || per <= 0 {
		per = models.DefaultEstimatedSeconds
	}
	wait := time.Duration(float64(pos+1) * per * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	return time.Now().UTC().Add(wait)
}

func (e *Engine) persistTask(ctx context.Context, snap models.Task) {
	if e.st == nil {
		return
	}
	if err := e.st.SaveTask(ctx, snap); err != nil {
		slog.Warn("persist task failed", "task_id", snap.TaskID, "err", err)
	}
}

func (e *Engine) publishTask(snap models.Task) {
	data := map[string]any{
		"task_id":  snap.TaskID,
		"agent_id": snap.AgentID,
		"status":   snap.Status,
	}
	if snap.WorkflowID != "" {
		data["workflow_id"] = snap.WorkflowID
		data["step_id"] = snap.StepID
	}
	if snap.Error != "" {
		data["error"] = snap.Error
		data["error_code"] = snap.ErrorCode
	}
	e.bus.Publish(events.TypeTaskUpdate, data)
}

func (e *Engine) notifyObservers(snap models.Task) {
	for _, o := range e.observerList() {
		o.TaskFinished(snap)
	}
}

func (e *Engine) notifyStarted(snap models.Task) {
	for _, o := range e.observerList() {
		o.TaskStarted(snap)
	}
}

func (e *Engine) observerList() []Observer {
	e.mu.Lock()
	obs := make([]Observer, len(e.observers))
	copy(obs, e.observers)
	e.mu.Unlock()
	return obs
}

// kick nudges the dispatcher without blocking; a full wake channel means a
// pass is already pending.
func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func sortTasksByCreated(tasks []models.Task) {
	// Newest first; tiebreak on ID so paging is deterministic.
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].TaskID < tasks[j].TaskID
	})
}
