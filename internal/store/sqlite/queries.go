package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/store"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

const taskColumns = `task_id, agent_id, user_id, task_type, parameters, priority, status, result,
  error, error_code, workflow_id, step_id, created_at, started_at, completed_at,
  execution_time, timeout_seconds`

// SaveTask upserts the whole task snapshot.
func (s *Store) SaveTask(ctx context.Context, t models.Task) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO tasks(`+taskColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
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
		q.WriteString(` AND status = ?`)
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		q.WriteString(` AND agent_id = ?`)
		args = append(args, f.AgentID)
	}
	q.WriteString(` ORDER BY created_at DESC, task_id ASC`)
	if f.Limit > 0 {
		q.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// SaveWorkflow upserts the workflow snapshot; steps travel as one JSON
// document since workflows are always read whole.
func (s *Store) SaveWorkflow(ctx context.Context, w models.Workflow) error {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO workflows(workflow_id, name, status, progress, steps, created_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
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
	row := s.DB.QueryRowContext(ctx, `
SELECT workflow_id, name, status, progress, steps, created_at, completed_at
FROM workflows WHERE workflow_id = ?`, workflowID)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
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
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// SaveAgent upserts the agent registration. Live load fields are not
// stored; the engine rebuilds them.
func (s *Store) SaveAgent(ctx context.Context, a models.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO agents(agent_id, capabilities, max_concurrent, executor, endpoint, status,
  total_tasks_completed, success_rate, average_response_time, registered_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
	rows, err := s.DB.QueryContext(ctx, `
SELECT agent_id, capabilities, max_concurrent, executor, endpoint, status,
  total_tasks_completed, success_rate, average_response_time, registered_at
FROM agents ORDER BY agent_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.Agent
	for rows.Next() {
		var (
			a            models.Agent
			caps         sql.NullString
			registeredAt int64
		)
		if err := rows.Scan(&a.AgentID, &caps, &a.MaxConcurrentRequests, &a.Executor, &a.Endpoint,
			&a.Status, &a.TotalTasksCompleted, &a.SuccessRate, &a.AverageResponseTime, &registeredAt); err != nil {
			return nil, err
		}
		if caps.Valid && caps.String != "" && caps.String != "null" {
			if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
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
		params, result         sql.NullString
		createdAt              int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(&t.TaskID, &t.AgentID, &t.UserID, &t.TaskType, &params, &t.Priority, &t.Status,
		&result, &t.Error, &t.ErrorCode, &t.WorkflowID, &t.StepID,
		&createdAt, &startedAt, &completedAt, &t.ExecutionTime, &t.TimeoutSec)
	if err != nil {
		return models.Task{}, err
	}
	if params.Valid && params.String != "" {
		t.Parameters = json.RawMessage(params.String)
	}
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.StartedAt = nullToTime(startedAt)
	t.CompletedAt = nullToTime(completedAt)
	return t, nil
}

func scanWorkflow(row rowScanner) (models.Workflow, error) {
	var (
		w           models.Workflow
		steps       string
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&w.WorkflowID, &w.Name, &w.Status, &w.Progress, &steps, &createdAt, &completedAt)
	if err != nil {
		return models.Workflow{}, err
	}
	if steps != "" && steps != "null" {
		if err := json.Unmarshal([]byte(steps), &w.Steps); err != nil {
			return models.Workflow{}, err
		}
	}
	w.CreatedAt = time.UnixMilli(createdAt).UTC()
	w.CompletedAt = nullToTime(completedAt)
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

func nullToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
