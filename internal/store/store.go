// Package store defines the retention interface for tasks, workflows, and
// agent registrations. The engine holds authoritative state in memory and
// mirrors every transition here so history survives restarts.
// Implementations: sqlite.Store (default, embedded) and postgres.Store.
package store

import (
	"context"
	"errors"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// ErrNotFound is returned by Get lookups when no row matches.
var ErrNotFound = errors.New("not found")

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status  string
	AgentID string
	Limit   int
}

// Store persists engine snapshots. Save methods upsert whole records; the
// engine writes the full snapshot on every transition, so rows never need
// partial updates.
type Store interface {
	SaveTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, taskID string) (models.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error)

	SaveWorkflow(ctx context.Context, w models.Workflow) error
	GetWorkflow(ctx context.Context, workflowID string) (models.Workflow, error)
	ListWorkflows(ctx context.Context, limit int) ([]models.Workflow, error)

	SaveAgent(ctx context.Context, a models.Agent) error
	ListAgents(ctx context.Context) ([]models.Agent, error)

	Close() error
}
