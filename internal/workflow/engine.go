// Package workflow executes dependency-linked step graphs on top of the task
// engine. A workflow is validated as a DAG at creation, its root steps are
// submitted immediately, and each completed task unlocks the steps that
// depended on it. One failed step fails the workflow and cancels everything
// that has not finished.
package workflow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/engine"
	xerrors "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/errors"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/events"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/store"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// TaskEngine is the slice of the task engine the workflow engine drives.
type TaskEngine interface {
	Submit(ctx context.Context, spec engine.TaskSpec) (models.Task, time.Time, error)
	CancelTask(ctx context.Context, taskID string) (models.Task, error)
	ValidateAssignment(agentID, taskType string) error
}

// step is the engine's record for one step: the wire view plus the
// submission knobs that never leave this package.
type step struct {
	models.WorkflowStep
	priority string
	timeout  time.Duration
}

type workflow struct {
	models.Workflow

	steps map[string]*step
	order []string // declaration order, for stable snapshots
}

// Engine tracks workflows and reacts to task transitions. Its mutex guards
// the workflow table; calls into the task engine always happen outside it so
// observer callbacks can re-enter.
type Engine struct {
	mu        sync.Mutex
	workflows map[string]*workflow

	tasks TaskEngine
	bus   *events.Bus
	st    store.Store
}

// New builds a workflow engine on top of the task engine. bus and st may be
// nil (events and retention are then skipped); tests use that.
func New(tasks TaskEngine, bus *events.Bus, st store.Store) *Engine {
	return &Engine{
		workflows: make(map[string]*workflow),
		tasks:     tasks,
		bus:       bus,
		st:        st,
	}
}

// CreateWorkflow validates the step graph, rejects cycles, and submits every
// step with no dependencies. The returned snapshot reflects the submissions:
// root steps queued with backing task IDs, the rest pending.
func (e *Engine) CreateWorkflow(ctx context.Context, req models.CreateWorkflowRequest) (models.Workflow, error) {
	if req.Name == "" {
		return models.Workflow{}, xerrors.New(xerrors.CodeValidation, "workflow name is required")
	}
	if err := validateSteps(req.Steps); err != nil {
		return models.Workflow{}, err
	}
	for _, s := range req.Steps {
		if err := e.tasks.ValidateAssignment(s.AgentID, s.TaskType); err != nil {
			return models.Workflow{}, err
		}
	}

	w := &workflow{
		Workflow: models.Workflow{
			WorkflowID: uuid.NewString(),
			Name:       req.Name,
			Status:     models.StatusCreated,
			CreatedAt:  time.Now().UTC(),
		},
		steps: make(map[string]*step, len(req.Steps)),
	}
	for _, spec := range req.Steps {
		priority := spec.Priority
		if priority == "" {
			priority = models.PriorityNormal
		}
		w.steps[spec.StepID] = &step{
			WorkflowStep: models.WorkflowStep{
				StepID:     spec.StepID,
				AgentID:    spec.AgentID,
				TaskType:   spec.TaskType,
				Parameters: spec.Parameters,
				DependsOn:  append([]string(nil), spec.DependsOn...),
				Status:     models.StatusPending,
			},
			priority: priority,
			timeout:  time.Duration(spec.TimeoutSec * float64(time.Second)),
		}
		w.order = append(w.order, spec.StepID)
	}

	e.mu.Lock()
	e.workflows[w.WorkflowID] = w
	w.Status = models.StatusRunning
	roots := e.eligibleLocked(w)
	snap := e.snapshotLocked(w)
	e.mu.Unlock()

	e.persistWorkflow(ctx, snap)
	e.publishWorkflow(snap, "")
	e.submitSteps(ctx, w, roots)

	e.mu.Lock()
	snap = e.snapshotLocked(w)
	e.mu.Unlock()
	return snap, nil
}

// Workflow returns one workflow snapshot, falling back to the retention
// store for IDs from earlier daemon runs.
func (e *Engine) Workflow(ctx context.Context, workflowID string) (models.Workflow, error) {
	e.mu.Lock()
	if w, ok := e.workflows[workflowID]; ok {
		snap := e.snapshotLocked(w)
		e.mu.Unlock()
		return snap, nil
	}
	e.mu.Unlock()

	if e.st != nil {
		if stored, err := e.st.GetWorkflow(ctx, workflowID); err == nil {
			return stored, nil
		}
	}
	return models.Workflow{}, xerrors.Newf(xerrors.CodeNotFound, "workflow %q not found", workflowID)
}

// Workflows merges live workflows with retained history, newest first.
func (e *Engine) Workflows(ctx context.Context, limit int) ([]models.Workflow, error) {
	if limit <= 0 || limit > models.DefaultTaskListLimit {
		limit = models.DefaultTaskListLimit
	}
	merged := make(map[string]models.Workflow)
	if e.st != nil {
		stored, err := e.st.ListWorkflows(ctx, limit)
		if err != nil {
			slog.Warn("list workflows from store failed", "err", err)
		}
		for _, w := range stored {
			merged[w.WorkflowID] = w
		}
	}
	e.mu.Lock()
	for _, w := range e.workflows {
		merged[w.WorkflowID] = e.snapshotLocked(w)
	}
	e.mu.Unlock()

	out := make([]models.Workflow, 0, len(merged))
	for _, w := range merged {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count reports live workflows for the status endpoint.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workflows)
}

// CancelWorkflow cancels a workflow idempotently: pending steps are marked
// cancelled directly, queued and running steps through their backing tasks.
// Cancelling a terminal workflow returns the snapshot with an
// AlreadyTerminal error.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) (models.Workflow, error) {
	e.mu.Lock()
	w, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return e.cancelStored(ctx, workflowID)
	}
	if models.TerminalStatus(w.Status) {
		snap := e.snapshotLocked(w)
		e.mu.Unlock()
		return snap, xerrors.Newf(xerrors.CodeAlreadyTerminal, "workflow %q is already %s", workflowID, snap.Status)
	}
	toCancel := e.haltLocked(w, models.StatusCancelled)
	e.refreshLocked(w)
	snap := e.snapshotLocked(w)
	e.mu.Unlock()

	for _, taskID := range toCancel {
		_, _ = e.tasks.CancelTask(ctx, taskID)
	}
	e.persistWorkflow(ctx, snap)
	e.publishWorkflow(snap, "")
	return snap, nil
}

func (e *Engine) cancelStored(ctx context.Context, workflowID string) (models.Workflow, error) {
	if e.st == nil {
		return models.Workflow{}, xerrors.Newf(xerrors.CodeNotFound, "workflow %q not found", workflowID)
	}
	stored, err := e.st.GetWorkflow(ctx, workflowID)
	if err != nil {
		return models.Workflow{}, xerrors.Newf(xerrors.CodeNotFound, "workflow %q not found", workflowID)
	}
	if models.TerminalStatus(stored.Status) {
		return stored, xerrors.Newf(xerrors.CodeAlreadyTerminal, "workflow %q is already %s", workflowID, stored.Status)
	}
	// Stale record from a previous daemon run; reconcile it.
	now := time.Now().UTC()
	stored.Status = models.StatusCancelled
	stored.CompletedAt = &now
	e.persistWorkflow(ctx, stored)
	e.publishWorkflow(stored, "")
	return stored, nil
}

// TaskStarted mirrors a dispatched backing task onto its step.
func (e *Engine) TaskStarted(t models.Task) {
	if t.WorkflowID == "" {
		return
	}
	e.mu.Lock()
	w := e.workflows[t.WorkflowID]
	if w == nil {
		e.mu.Unlock()
		return
	}
	s := w.steps[t.StepID]
	if s == nil || models.TerminalStatus(s.Status) {
		e.mu.Unlock()
		return
	}
	s.Status = models.StatusRunning
	if s.TaskID == "" {
		s.TaskID = t.TaskID
	}
	snap := e.snapshotLocked(w)
	e.mu.Unlock()

	e.publishWorkflow(snap, t.StepID)
}

// TaskFinished folds a terminal backing task into its step, then either
// advances newly eligible steps or halts the workflow: a failed step fails
// it, a cancelled step cancels it, the last completed step completes it.
func (e *Engine) TaskFinished(t models.Task) {
	if t.WorkflowID == "" {
		return
	}
	e.mu.Lock()
	w := e.workflows[t.WorkflowID]
	if w == nil {
		e.mu.Unlock()
		return
	}
	s := w.steps[t.StepID]
	if s == nil || models.TerminalStatus(s.Status) {
		e.mu.Unlock()
		return
	}
	s.Status = t.Status
	s.Result = t.Result
	s.Error = t.Error
	if s.TaskID == "" {
		s.TaskID = t.TaskID
	}

	var toSubmit []*step
	var toCancel []string
	switch t.Status {
	case models.StatusCompleted:
		if !models.TerminalStatus(w.Status) {
			toSubmit = e.eligibleLocked(w)
		}
	case models.StatusFailed:
		toCancel = e.haltLocked(w, models.StatusFailed)
	case models.StatusCancelled:
		toCancel = e.haltLocked(w, models.StatusCancelled)
	}
	e.refreshLocked(w)
	snap := e.snapshotLocked(w)
	e.mu.Unlock()

	for _, taskID := range toCancel {
		_, _ = e.tasks.CancelTask(context.Background(), taskID)
	}
	e.persistWorkflow(context.Background(), snap)
	e.publishWorkflow(snap, t.StepID)
	e.submitSteps(context.Background(), w, toSubmit)
}

// eligibleLocked finds pending steps whose dependencies have all completed
// and marks them queued so a concurrent pass cannot pick them again. The
// caller submits them after releasing the lock.
func (e *Engine) eligibleLocked(w *workflow) []*step {
	var out []*step
	for _, id := range w.order {
		s := w.steps[id]
		if s.Status != models.StatusPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if w.steps[dep].Status != models.StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			s.Status = models.StatusQueued
			out = append(out, s)
		}
	}
	return out
}

// haltLocked moves the workflow to a terminal status, cancels pending steps
// in place, and returns the backing task IDs of steps still in flight for
// the caller to cancel outside the lock.
func (e *Engine) haltLocked(w *workflow, status string) []string {
	if !models.TerminalStatus(w.Status) {
		w.Status = status
	}
	var taskIDs []string
	for _, id := range w.order {
		s := w.steps[id]
		switch s.Status {
		case models.StatusPending:
			s.Status = models.StatusCancelled
		case models.StatusQueued, models.StatusRunning:
			if s.TaskID != "" {
				taskIDs = append(taskIDs, s.TaskID)
			}
			// A step whose submission is still in flight has no task ID
			// yet; recordBackingTask cancels it on arrival.
		}
	}
	return taskIDs
}

// refreshLocked recomputes progress and closes out the workflow when every
// step has completed or the workflow was halted and all steps are terminal.
func (e *Engine) refreshLocked(w *workflow) {
	total := len(w.order)
	terminal := 0
	completed := 0
	for _, id := range w.order {
		switch w.steps[id].Status {
		case models.StatusCompleted:
			terminal++
			completed++
		case models.StatusFailed, models.StatusCancelled:
			terminal++
		}
	}
	if total > 0 {
		w.Progress = float64(terminal) / float64(total)
	}
	if !models.TerminalStatus(w.Status) && completed == total {
		w.Status = models.StatusCompleted
	}
	if models.TerminalStatus(w.Status) && w.CompletedAt == nil {
		now := time.Now().UTC()
		w.CompletedAt = &now
	}
}

// submitSteps submits marked steps in parallel. Submission failures fail the
// step, which halts the workflow through the usual path.
func (e *Engine) submitSteps(ctx context.Context, w *workflow, steps []*step) {
	if len(steps) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range steps {
		s := s
		g.Go(func() error {
			t, _, err := e.tasks.Submit(gctx, engine.TaskSpec{
				AgentID:    s.AgentID,
				TaskType:   s.TaskType,
				Parameters: s.Parameters,
				Priority:   s.priority,
				Timeout:    s.timeout,
				WorkflowID: w.WorkflowID,
				StepID:     s.StepID,
			})
			if err != nil {
				e.failStep(ctx, w, s, err)
				return nil
			}
			e.recordBackingTask(ctx, w, s, t)
			return nil
		})
	}
	_ = g.Wait()
}

// recordBackingTask attaches the submitted task to its step. The task may
// have finished before this runs; the terminal guard in TaskFinished already
// handled that. If the workflow was halted while the submission was in
// flight, the fresh task is cancelled here.
func (e *Engine) recordBackingTask(ctx context.Context, w *workflow, s *step, t models.Task) {
	e.mu.Lock()
	if s.TaskID == "" {
		s.TaskID = t.TaskID
	}
	needCancel := models.TerminalStatus(w.Status) && !models.TerminalStatus(s.Status)
	e.mu.Unlock()

	if needCancel {
		_, _ = e.tasks.CancelTask(ctx, t.TaskID)
	}
}

// failStep marks a step failed without a backing task (its submission was
// rejected) and halts the workflow.
func (e *Engine) failStep(ctx context.Context, w *workflow, s *step, err error) {
	e.mu.Lock()
	if models.TerminalStatus(s.Status) {
		e.mu.Unlock()
		return
	}
	s.Status = models.StatusFailed
	s.Error = err.Error()
	toCancel := e.haltLocked(w, models.StatusFailed)
	e.refreshLocked(w)
	snap := e.snapshotLocked(w)
	e.mu.Unlock()

	slog.Warn("workflow step submission rejected",
		"workflow_id", w.WorkflowID, "step_id", s.StepID, "err", err)
	for _, taskID := range toCancel {
		_, _ = e.tasks.CancelTask(ctx, taskID)
	}
	e.persistWorkflow(ctx, snap)
	e.publishWorkflow(snap, s.StepID)
}

func (e *Engine) snapshotLocked(w *workflow) models.Workflow {
	snap := w.Workflow
	snap.Steps = make([]models.WorkflowStep, 0, len(w.order))
	for _, id := range w.order {
		snap.Steps = append(snap.Steps, w.steps[id].WorkflowStep)
	}
	return snap
}

func (e *Engine) persistWorkflow(ctx context.Context, snap models.Workflow) {
	if e.st == nil {
		return
	}
	if err := e.st.SaveWorkflow(ctx, snap); err != nil {
		slog.Warn("persist workflow failed", "workflow_id", snap.WorkflowID, "err", err)
	}
}

func (e *Engine) publishWorkflow(snap models.Workflow, stepID string) {
	if e.bus == nil {
		return
	}
	data := map[string]any{
		"workflow_id": snap.WorkflowID,
		"status":      snap.Status,
		"progress":    snap.Progress,
	}
	if stepID != "" {
		data["step_id"] = stepID
		for _, s := range snap.Steps {
			if s.StepID == stepID {
				data["step_status"] = s.Status
				break
			}
		}
	}
	e.bus.Publish(events.TypeWorkflowUpdate, data)
}
