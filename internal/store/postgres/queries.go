package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/store"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

const taskColumns = `task_id, agent_id, user_id, task_type, parameters, priority, status, result,
  error, error_code, workflow_id, step_id, created_at, started_at, completed_at,
  execution_time, timeout_seconds`

// SaveTask upserts the whole task snapshot.
func (s *Store) SaveTask(ctx context.Context, t models.Task) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO tasks(`+taskColumns+`)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT(task_id) DO UPDATE SET
  status=excluded.status,
  result=excluded.result,
  error=excluded.error,
  error_code=excluded.error_code,
  started_at=excluded.started_at,
  completed_at=excluded.completed_at,
  execution_time=excluded.execution_time`,
		t.TaskID, t.AgentID, t.UserID, t.TaskType, rawToNull(t.Parameters), t.Priority, t.Status,
		rawToNull(t.Result), t.Error, t.ErrorCode, t.WorkflowID, t.StepID,
		t.CreatedAt.UnixMilli(), timeToNull(t.StartedAt), timeToNull(t.CompletedAt),
		t.ExecutionTime, t.TimeoutSec)
	return err
}

// GetTask returns one task snapshot by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, store.ErrNotFound
	}
	return t, err
}

// ListTasks returns snapshots newest first, optionally filtered by status
// and agent.
func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]models.Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`)
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		q.WriteString(` AND status = $` + strconv.Itoa(len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		q.WriteString(` AND agent_id = $` + strconv.Itoa(len(args)))
	}
	q.WriteString(` ORDER BY created_at DESC, task_id ASC`)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q.WriteString(` LIMIT $` + strconv.Itoa(len(args)))
	}
	rows, err := s.Pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveWorkflow upserts the workflow snapshot with its steps as one JSONB
// document.
func (s *Store) SaveWorkflow(ctx context.Context, w models.Workflow) error {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
INSERT INTO workflows(workflow_id, name, status, progress, steps, created_at, completed_at)
VALUES($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(workflow_id) DO UPDATE SET
  status=excluded.status,
  progress=excluded.progress,
  steps=excluded.steps,
  completed_at=excluded.completed_at`,
		w.WorkflowID, w.Name, w.Status, w.Progress, string(steps),
		w.CreatedAt.UnixMilli(), timeToNull(w.CompletedAt))
	return err
}

// GetWorkflow returns one workflow snapshot by ID.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (models.Workflow, error) {
	row := s.Pool.QueryRow(ctx, `
SELECT workflow_id, name, status, progress, steps, created_at, completed_at
FROM workflows WHERE workflow_id = $1`, workflowID)
	w, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Workflow{}, store.ErrNotFound
	}
	return w, err
}

// ListWorkflows returns workflow snapshots newest first.
func (s *Store) ListWorkflows(ctx context.Context, limit int) ([]models.Workflow, error) {
	q := `
SELECT workflow_id, name, status, progress, steps, created_at, completed_at
FROM workflows ORDER BY created_at DESC, workflow_id ASC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SaveAgent upserts the agent registration.
func (s *Store) SaveAgent(ctx context.Context, a models.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
INSERT INTO agents(agent_id, capabilities, max_concurrent, executor, endpoint, status,
  total_tasks_completed, success_rate, average_response_time, registered_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT(agent_id) DO UPDATE SET
  capabilities=excluded.capabilities,
  max_concurrent=excluded.max_concurrent,
  executor=excluded.executor,
  endpoint=excluded.endpoint,
  status=excluded.status,
  total_tasks_completed=excluded.total_tasks_completed,
  success_rate=excluded.success_rate,
  average_response_time=excluded.average_response_time`,
		a.AgentID, string(caps), a.MaxConcurrentRequests, a.Executor, a.Endpoint, a.Status,
		a.TotalTasksCompleted, a.SuccessRate, a.AverageResponseTime, a.RegisteredAt.UnixMilli())
	return err
}

// ListAgents returns stored registrations sorted by ID.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT agent_id, capabilities, max_concurrent, executor, endpoint, status,
  total_tasks_completed, success_rate, average_response_time, registered_at
FROM agents ORDER BY agent_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var (
			a            models.Agent
			caps         []byte
			registeredAt int64
		)
		if err := rows.Scan(&a.AgentID, &caps, &a.MaxConcurrentRequests, &a.Executor, &a.Endpoint,
			&a.Status, &a.TotalTasksCompleted, &a.SuccessRate, &a.AverageResponseTime, &registeredAt); err != nil {
			return nil, err
		}
		if len(caps) > 0 && string(caps) != "null" {
			if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
				return nil, err
			}
		}
		a.RegisteredAt = time.UnixMilli(registeredAt).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var (
		t                      models.Task
		params, result         []byte
		createdAt              int64
		startedAt, completedAt *int64
	)
	err := row.Scan(&t.TaskID, &t.AgentID, &t.UserID, &t.TaskType, &params, &t.Priority, &t.Status,
		&result, &t.Error, &t.ErrorCode, &t.WorkflowID, &t.StepID,
		&createdAt, &startedAt, &completedAt, &t.ExecutionTime, &t.TimeoutSec)
	if err != nil {
		return models.Task{}, err
	}
	if len(params) > 0 {
		t.Parameters = json.RawMessage(params)
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.StartedAt = ptrToTime(startedAt)
	t.CompletedAt = ptrToTime(completedAt)
	return t, nil
}

func scanWorkflow(row rowScanner) (models.Workflow, error) {
	var (
		w           models.Workflow
		steps       []byte
		createdAt   int64
		completedAt *int64
	)
	err := row.Scan(&w.WorkflowID, &w.Name, &w.Status, &w.Progress, &steps, &createdAt, &completedAt)
	if err != nil {
		return models.Workflow{}, err
	}
	if len(steps) > 0 && string(steps) != "null" {
		if err := json.Unmarshal(steps, &w.Steps); err != nil {
			return models.Workflow{}, err
		}
	}
	w.CreatedAt = time.UnixMilli(createdAt).UTC()
	w.CompletedAt = ptrToTime(completedAt)
	return w, nil
}

func rawToNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func timeToNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func ptrToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
