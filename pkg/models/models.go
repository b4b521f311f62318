// Package models provides shared types for the LexOS orchestrator HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import (
	"encoding/json"
	"time"
)

// Capability is a named, versioned operation an agent can perform.
type Capability struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Agent describes a registered capability provider and its live load.
type Agent struct {
	AgentID               string       `json:"agent_id"`
	Capabilities          []Capability `json:"capabilities,omitempty"`
	MaxConcurrentRequests int          `json:"max_concurrent_requests"`
	CurrentTasks          int          `json:"current_tasks"`
	TotalTasksCompleted   int64        `json:"total_tasks_completed"`
	SuccessRate           float64      `json:"success_rate"`
	AverageResponseTime   float64      `json:"average_response_time"` // seconds, EWMA
	CurrentLoad           float64      `json:"current_load"`          // current_tasks / max_concurrent_requests
	Status                string       `json:"status"`
	Executor              string       `json:"executor,omitempty"` // stub, subprocess, http
	Endpoint              string       `json:"endpoint,omitempty"` // http executor target
	RegisteredAt          time.Time    `json:"registered_at,omitempty"`
}

// Task is a single unit of work submitted to one agent.
type Task struct {
	TaskID        string          `json:"task_id"`
	AgentID       string          `json:"agent_id"`
	UserID        string          `json:"user_id,omitempty"`
	TaskType      string          `json:"task_type"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	Priority      string          `json:"priority"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	WorkflowID    string          `json:"workflow_id,omitempty"`
	StepID        string          `json:"step_id,omitempty"`
	QueuePosition *int            `json:"queue_position,omitempty"` // recomputed on read while queued
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ExecutionTime float64         `json:"execution_time,omitempty"` // seconds
	TimeoutSec    float64         `json:"timeout_seconds,omitempty"`
}

// Workflow is an ordered, dependency-linked collection of steps.
type Workflow struct {
	WorkflowID  string         `json:"workflow_id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Progress    float64        `json:"progress"` // terminal steps / total steps
	Steps       []WorkflowStep `json:"steps,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// WorkflowStep is a workflow-scoped unit that becomes a Task once its
// dependencies are satisfied.
type WorkflowStep struct {
	StepID     string          `json:"step_id"`
	AgentID    string          `json:"agent_id"`
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	TaskID     string          `json:"task_id,omitempty"` // backing task once dispatched
}

// SubmitTaskRequest is the POST /api/tasks body.
type SubmitTaskRequest struct {
	AgentID    string          `json:"agent_id"`
	UserID     string          `json:"user_id,omitempty"`
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Priority   string          `json:"priority,omitempty"` // defaults to normal
	TimeoutSec float64         `json:"timeout_seconds,omitempty"`
}

// SubmitTaskResponse is the POST /api/tasks response.
type SubmitTaskResponse struct {
	TaskID              string    `json:"task_id"`
	Status              string    `json:"status"`
	QueuePosition       int       `json:"queue_position"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
}

// CancelTaskResponse is the DELETE /api/tasks/{id} response. Code is set to
// AlreadyTerminal when the task had already finished; the record is unchanged.
type CancelTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
}

// CreateWorkflowRequest is the POST /api/workflows body.
type CreateWorkflowRequest struct {
	Name  string             `json:"name"`
	Steps []WorkflowStepSpec `json:"steps"`
}

// WorkflowStepSpec declares one step at workflow creation time.
type WorkflowStepSpec struct {
	StepID     string          `json:"step_id"`
	AgentID    string          `json:"agent_id"`
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	TimeoutSec float64         `json:"timeout_seconds,omitempty"`
	Priority   string          `json:"priority,omitempty"`
}

// CreateWorkflowResponse is the POST /api/workflows response.
type CreateWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// CancelWorkflowResponse is the DELETE /api/workflows/{id} response. Code is
// set to AlreadyTerminal when the workflow had already finished.
type CancelWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
	Code       string `json:"code,omitempty"`
}

// RegisterAgentRequest is the POST /api/agents body. Re-registering an
// existing agent_id updates its capabilities and limits in place.
type RegisterAgentRequest struct {
	AgentID               string       `json:"agent_id"`
	Capabilities          []Capability `json:"capabilities,omitempty"`
	MaxConcurrentRequests int          `json:"max_concurrent_requests,omitempty"`
	Executor              string       `json:"executor,omitempty"`
	Endpoint              string       `json:"endpoint,omitempty"`
}

// QueueStats reports pending work per priority bucket.
type QueueStats struct {
	Urgent int `json:"urgent"`
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
	Total  int `json:"total"`
}

// PoolStats reports worker slot occupancy for one pool.
type PoolStats struct {
	Size int `json:"size"`
	Busy int `json:"busy"`
}

// EngineStatus is the GET /api/status response.
type EngineStatus struct {
	Queue           QueueStats `json:"queue"`
	Running         int        `json:"running"`
	TaskWorkers     PoolStats  `json:"task_workers"`
	WorkflowWorkers PoolStats  `json:"workflow_workers"`
	Agents          []Agent    `json:"agents"`
	TasksTotal      int        `json:"tasks_total"`
	WorkflowsTotal  int        `json:"workflows_total"`
	UptimeSeconds   float64    `json:"uptime_seconds"`
}

// Event is one bus event as pushed to SSE subscribers and webhooks.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorResponse is the JSON error body returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
