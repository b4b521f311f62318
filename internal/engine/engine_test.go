package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	xerrors "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/errors"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// newTestEngine builds an engine with the stub executor and a fast tick. The
// dispatcher is not running; tests that need it use startEngine.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(Options{Tick: 10 * time.Millisecond})
}

func registerTestAgent(t *testing.T, e *Engine, id string, max int) {
	t.Helper()
	if _, err := e.RegisterAgent(context.Background(), models.RegisterAgentRequest{
		AgentID:               id,
		MaxConcurrentRequests: max,
	}); err != nil {
		t.Fatalf("RegisterAgent %s: %v", id, err)
	}
}

func submitTestTask(t *testing.T, e *Engine, spec TaskSpec) models.Task {
	t.Helper()
	snap, _, err := e.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return snap
}

func TestSubmit_validation(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	registerTestAgent(t, e, "a1", 2)

	cases := []struct {
		name string
		spec TaskSpec
	}{
		{"missing agent_id", TaskSpec{TaskType: "echo"}},
		{"missing task_type", TaskSpec{AgentID: "a1"}},
		{"unknown priority", TaskSpec{AgentID: "a1", TaskType: "echo", Priority: "asap"}},
		{"parameters not an object", TaskSpec{AgentID: "a1", TaskType: "echo", Parameters: json.RawMessage(`[1,2]`)}},
		{"parameters invalid json", TaskSpec{AgentID: "a1", TaskType: "echo", Parameters: json.RawMessage(`{"x":`)}},
		{"negative timeout", TaskSpec{AgentID: "a1", TaskType: "echo", Timeout: -time.Second}},
		{"unregistered agent", TaskSpec{AgentID: "ghost", TaskType: "echo"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := e.Submit(context.Background(), tc.spec)
			if !xerrors.IsCode(err, xerrors.CodeValidation) {
				t.Fatalf("Submit: err=%v want ValidationError", err)
			}
		})
	}
	// Nothing was enqueued by the rejected submissions.
	if d := e.QueueDepths(); d.Total != 0 {
		t.Fatalf("queue depths after rejects: %+v", d)
	}
}

func TestSubmit_rejectsInactiveAgentAndUnsupportedType(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	if _, err := e.RegisterAgent(context.Background(), models.RegisterAgentRequest{
		AgentID:      "typed",
		Capabilities: []models.Capability{{Name: "echo"}},
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	_, _, err := e.Submit(context.Background(), TaskSpec{AgentID: "typed", TaskType: "transform"})
	if !xerrors.IsCode(err, xerrors.CodeValidation) {
		t.Fatalf("Submit unsupported type: err=%v want ValidationError", err)
	}

	registerTestAgent(t, e, "sleepy", 1)
	if _, err := e.DeactivateAgent(context.Background(), "sleepy"); err != nil {
		t.Fatalf("DeactivateAgent: %v", err)
	}
	_, _, err = e.Submit(context.Background(), TaskSpec{AgentID: "sleepy", TaskType: "echo"})
	if !xerrors.IsCode(err, xerrors.CodeValidation) {
		t.Fatalf("Submit to inactive agent: err=%v want ValidationError", err)
	}
}

func TestSubmit_defaultsAndEstimate(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	registerTestAgent(t, e, "a1", 1)

	before := time.Now()
	first, est1, err := e.Submit(context.Background(), TaskSpec{AgentID: "a1", TaskType: "echo"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.Priority != models.PriorityNormal {
		t.Fatalf("priority default: %s want normal", first.Priority)
	}
	if first.TimeoutSec != models.DefaultTimeoutSeconds {
		t.Fatalf("timeout default: %v want %d", first.TimeoutSec, models.DefaultTimeoutSeconds)
	}
	if first.Status != models.StatusQueued {
		t.Fatalf("status: %s want queued", first.Status)
	}
	if first.QueuePosition == nil || *first.QueuePosition != 0 {
		t.Fatalf("queue_position: %v want 0", first.QueuePosition)
	}
	if first.CreatedAt.Before(before.Add(-time.Second)) {
		t.Fatalf("created_at: %v", first.CreatedAt)
	}
	if !est1.After(before) {
		t.Fatalf("estimate %v not in the future", est1)
	}

	second, est2, err := e.Submit(context.Background(), TaskSpec{AgentID: "a1", TaskType: "echo"})
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if second.QueuePosition == nil || *second.QueuePosition != 1 {
		t.Fatalf("second queue_position: %v want 1", second.QueuePosition)
	}
	// Deeper in line means a later estimate.
	if !est2.After(est1) {
		t.Fatalf("estimates: first %v, second %v", est1, est2)
	}
}

func TestSubmit_uniqueTaskIDs(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	registerTestAgent(t, e, "a1", 1)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		snap := submitTestTask(t, e, TaskSpec{AgentID: "a1", TaskType: "echo"})
		if seen[snap.TaskID] {
			t.Fatalf("duplicate task_id %q", snap.TaskID)
		}
		seen[snap.TaskID] = true
	}
}

func TestGetTask_positionTracksQueue(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	registerTestAgent(t, e, "a1", 1)
	ctx := context.Background()

	t1 := submitTestTask(t, e, TaskSpec{AgentID: "a1", TaskType: "echo"})
	t2 := submitTestTask(t, e, TaskSpec{AgentID: "a1", TaskType: "echo"})
	t3 := submitTestTask(t, e, TaskSpec{AgentID: "a1", TaskType: "echo"})

	got, err := e.GetTask(ctx, t3.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.QueuePosition == nil || *got.QueuePosition != 2 {
		t.Fatalf("t3 position: %v want 2", got.QueuePosition)
	}

	if _, err := e.CancelTask(ctx, t1.TaskID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	got, _ = e.GetTask(ctx, t3.TaskID)
	if got.QueuePosition == nil || *got.QueuePosition != 1 {
		t.Fatalf("t3 position after cancel: %v want 1", got.QueuePosition)
	}
	got, _ = e.GetTask(ctx, t2.TaskID)
	if got.QueuePosition == nil || *got.QueuePosition != 0 {
		t.Fatalf("t2 position after cancel: %v want 0", got.QueuePosition)
	}
	got, _ = e.GetTask(ctx, t1.TaskID)
	if got.Status != models.StatusCancelled || got.QueuePosition != nil {
		t.Fatalf("t1 after cancel: %+v", got)
	}
}

func TestGetTask_notFound(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	_, err := e.GetTask(context.Background(), "nope")
	if !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("GetTask: err=%v want NotFound", err)
	}
}

func TestListTasks_filters(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	registerTestAgent(t, e, "a1", 1)
	registerTestAgent(t, e, "a2", 1)
	ctx := context.Background()

	t1 := submitTestTask(t, e, TaskSpec{AgentID: "a1", TaskType: "echo"})
	time.Sleep(2 * time.Millisecond)
	submitTestTask(t, e, TaskSpec{AgentID: "a1", TaskType: "echo"})
	time.Sleep(2 * time.Millisecond)
	t3 := submitTestTask(t, e, TaskSpec{AgentID: "a2", TaskType: "echo"})
	if _, err := e.CancelTask(ctx, t1.TaskID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	all, err := e.ListTasks(ctx, TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListTasks: len=%d want 3", len(all))
	}
	// Newest first.
	if all[0].TaskID != t3.TaskID || all[2].TaskID != t1.TaskID {
		t.Fatalf("ListTasks order: %s, %s, %s", all[0].TaskID, all[1].TaskID, all[2].TaskID)
	}

	byAgent, _ := e.ListTasks(ctx, TaskFilter{AgentID: "a1"})
	if len(byAgent) != 2 {
		t.Fatalf("ListTasks agent=a1: len=%d want 2", len(byAgent))
	}
	queued, _ := e.ListTasks(ctx, TaskFilter{Status: models.StatusQueued})
	if len(queued) != 2 {
		t.Fatalf("ListTasks status=queued: len=%d want 2", len(queued))
	}
	cancelled, _ := e.ListTasks(ctx, TaskFilter{Status: models.StatusCancelled})
	if len(cancelled) != 1 || cancelled[0].TaskID != t1.TaskID {
		t.Fatalf("ListTasks status=cancelled: %+v", cancelled)
	}
	limited, _ := e.ListTasks(ctx, TaskFilter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("ListTasks limit=2: len=%d", len(limited))
	}
}

func TestCancelTask_queuedIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	registerTestAgent(t, e, "a1", 1)
	ctx := context.Background()

	snap := submitTestTask(t, e, TaskSpec{AgentID: "a1", TaskType: "echo"})
	got, err := e.CancelTask(ctx, snap.TaskID)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("status: %s want cancelled", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set on cancel")
	}
	if d := e.QueueDepths(); d.Total != 0 {
		t.Fatalf("queue depths after cancel: %+v", d)
	}

	again, err := e.CancelTask(ctx, snap.TaskID)
	if !xerrors.IsCode(err, xerrors.CodeAlreadyTerminal) {
		t.Fatalf("second cancel: err=%v want AlreadyTerminal", err)
	}
	if again.Status != models.StatusCancelled {
		t.Fatalf("second cancel status: %s", again.Status)
	}

	// The record is retained, not deleted.
	kept, err := e.GetTask(ctx, snap.TaskID)
	if err != nil || kept.Status != models.StatusCancelled {
		t.Fatalf("GetTask after cancel: %+v, %v", kept, err)
	}
	_, _, _, _, cancelledCount := e.Counts()
	if cancelledCount != 1 {
		t.Fatalf("cancelled count: %d want 1", cancelledCount)
	}
}

func TestCancelTask_notFound(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	_, err := e.CancelTask(context.Background(), "nope")
	if !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("CancelTask: err=%v want NotFound", err)
	}
}

func TestRegisterAgent_validation(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.RegisterAgent(ctx, models.RegisterAgentRequest{}); !xerrors.IsCode(err, xerrors.CodeValidation) {
		t.Fatalf("empty agent_id: err=%v want ValidationError", err)
	}
	if _, err := e.RegisterAgent(ctx, models.RegisterAgentRequest{AgentID: "a1", MaxConcurrentRequests: -1}); !xerrors.IsCode(err, xerrors.CodeValidation) {
		t.Fatalf("negative max: err=%v want ValidationError", err)
	}
	if _, err := e.RegisterAgent(ctx, models.RegisterAgentRequest{AgentID: "a1", Executor: "warp"}); !xerrors.IsCode(err, xerrors.CodeValidation) {
		t.Fatalf("unknown executor: err=%v want ValidationError", err)
	}
	if _, err := e.RegisterAgent(ctx, models.RegisterAgentRequest{AgentID: "a1", Executor: models.ExecutorHTTP}); !xerrors.IsCode(err, xerrors.CodeValidation) {
		t.Fatalf("http executor without endpoint: err=%v want ValidationError", err)
	}
}

func TestRegisterAgent_defaults(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	snap, err := e.RegisterAgent(context.Background(), models.RegisterAgentRequest{AgentID: "a1"})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if snap.MaxConcurrentRequests != models.DefaultMaxConcurrent {
		t.Fatalf("max default: %d want %d", snap.MaxConcurrentRequests, models.DefaultMaxConcurrent)
	}
	if snap.Executor != models.ExecutorStub {
		t.Fatalf("executor default: %s want stub", snap.Executor)
	}
	if snap.Status != models.AgentActive {
		t.Fatalf("status: %s want active", snap.Status)
	}
	if snap.SuccessRate != 1.0 {
		t.Fatalf("fresh success_rate: %v want 1.0", snap.SuccessRate)
	}
	if snap.CurrentLoad != 0 || snap.CurrentTasks != 0 {
		t.Fatalf("fresh load: %+v", snap)
	}
	if snap.RegisteredAt.IsZero() {
		t.Fatal("registered_at not set")
	}
}

func TestRegisterAgent_reregisterUpdatesInPlace(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.RegisterAgent(ctx, models.RegisterAgentRequest{AgentID: "a1", MaxConcurrentRequests: 2})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := e.DeactivateAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeactivateAgent: %v", err)
	}

	second, err := e.RegisterAgent(ctx, models.RegisterAgentRequest{
		AgentID:               "a1",
		MaxConcurrentRequests: 5,
		Capabilities:          []models.Capability{{Name: "echo", Version: "2"}},
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.Status != models.AgentActive {
		t.Fatalf("re-register status: %s want active", second.Status)
	}
	if second.MaxConcurrentRequests != 5 || len(second.Capabilities) != 1 {
		t.Fatalf("re-register: %+v", second)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("registered_at changed on re-register: %v vs %v", second.RegisteredAt, first.RegisteredAt)
	}
	if got := e.Agents(); len(got) != 1 {
		t.Fatalf("Agents: len=%d want 1", len(got))
	}
}

func TestDeactivateAgent(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.DeactivateAgent(ctx, "ghost"); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("deactivate unknown: err=%v want NotFound", err)
	}
	registerTestAgent(t, e, "a1", 1)
	snap, err := e.DeactivateAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("DeactivateAgent: %v", err)
	}
	if snap.Status != models.AgentInactive {
		t.Fatalf("status: %s want inactive", snap.Status)
	}
	if err := e.ValidateAssignment("a1", "echo"); !xerrors.IsCode(err, xerrors.CodeValidation) {
		t.Fatalf("ValidateAssignment inactive: err=%v want ValidationError", err)
	}
}

func TestAgents_sortedByID(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	registerTestAgent(t, e, "charlie", 1)
	registerTestAgent(t, e, "alpha", 1)
	registerTestAgent(t, e, "bravo", 1)

	got := e.Agents()
	if len(got) != 3 || got[0].AgentID != "alpha" || got[1].AgentID != "bravo" || got[2].AgentID != "charlie" {
		ids := make([]string, len(got))
		for i, a := range got {
			ids[i] = a.AgentID
		}
		t.Fatalf("Agents order: %v", ids)
	}
}

func TestStatus_reportsQueuedWork(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	registerTestAgent(t, e, "a1", 4)
	submitTestTask(t, e, TaskSpec{AgentID: "a1", TaskType: "echo", Priority: models.PriorityUrgent})
	submitTestTask(t, e, TaskSpec{AgentID: "a1", TaskType: "echo"})
	e.SetWorkflowCounter(func() int { return 5 })

	s := e.Status()
	if s.Queue.Urgent != 1 || s.Queue.Normal != 1 || s.Queue.Total != 2 {
		t.Fatalf("queue: %+v", s.Queue)
	}
	if s.Running != 0 {
		t.Fatalf("running: %d want 0", s.Running)
	}
	if s.TaskWorkers.Size != models.DefaultTaskWorkers || s.TaskWorkers.Busy != 0 {
		t.Fatalf("task workers: %+v", s.TaskWorkers)
	}
	if s.WorkflowWorkers.Size != models.DefaultWorkflowWorkers {
		t.Fatalf("workflow workers: %+v", s.WorkflowWorkers)
	}
	if s.TasksTotal != 2 || s.WorkflowsTotal != 5 {
		t.Fatalf("totals: tasks=%d workflows=%d", s.TasksTotal, s.WorkflowsTotal)
	}
	if len(s.Agents) != 1 || s.Agents[0].AgentID != "a1" {
		t.Fatalf("agents: %+v", s.Agents)
	}
	if s.UptimeSeconds < 0 {
		t.Fatalf("uptime: %v", s.UptimeSeconds)
	}

	queued, running, _, _, _ := e.Counts()
	if queued != 2 || running != 0 {
		t.Fatalf("Counts: queued=%d running=%d", queued, running)
	}
}

func TestSubmit_publishesTaskUpdate(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	registerTestAgent(t, e, "a1", 1)

	ch := e.Bus().Subscribe()
	defer e.Bus().Unsubscribe(ch)

	snap := submitTestTask(t, e, TaskSpec{AgentID: "a1", TaskType: "echo"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-ch:
			var ev models.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if ev.Type != "task_update" || ev.Data["task_id"] != snap.TaskID {
				continue
			}
			if ev.Data["status"] != models.StatusQueued {
				t.Fatalf("event status: %v want queued", ev.Data["status"])
			}
			return
		case <-deadline:
			t.Fatal("timeout waiting for task_update event")
		}
	}
}
