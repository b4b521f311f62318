package models

// Task and step statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Workflow-only status. Workflows otherwise share the task status set.
const (
	StatusCreated = "created"
)

// Step-only status: the step is waiting on dependencies and has no backing
// task yet.
const (
	StatusPending = "pending"
)

// Agent statuses.
const (
	AgentActive   = "active"
	AgentBusy     = "busy"
	AgentError    = "error"
	AgentInactive = "inactive"
)

// Task priorities, lowest to highest.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Executor kinds accepted at agent registration.
const (
	ExecutorStub       = "stub"
	ExecutorSubprocess = "subprocess"
	ExecutorHTTP       = "http"
)

// Error codes carried in ErrorResponse.Code and Task.ErrorCode.
const (
	CodeValidation       = "ValidationError"
	CodeCyclicDependency = "CyclicDependency"
	CodeCapacityExceeded = "CapacityExceeded"
	CodeTimeout          = "Timeout"
	CodeExecution        = "ExecutionError"
	CodeAlreadyTerminal  = "AlreadyTerminal"
	CodeNotFound         = "NotFound"
)

// Default limits and tuning knobs shared by the daemon, engine, and tests.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultSSEChannelBuffer    = 256
	DefaultDispatchChanSize    = 32
	DefaultTaskWorkers         = 8
	DefaultWorkflowWorkers     = 4
	DefaultMaxConcurrent       = 4   // per-agent cap when registration omits one
	DefaultTimeoutSeconds      = 300 // per-task watchdog when submission omits one
	DefaultAgingPasses         = 32  // dispatch passes skipped before a queued task is promoted one bucket
	DefaultEstimatedSeconds    = 30  // estimated_completion fallback for agents with no history
	DefaultErrorStreak         = 3   // consecutive failures before an agent degrades to error
)

// DefaultEWMAAlpha is the smoothing factor for average_response_time.
const DefaultEWMAAlpha = 0.2

// TerminalStatus reports whether s is a terminal task, step, or workflow
// status. Terminal records are never mutated again.
func TerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidPriority reports whether p names a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// PriorityRank maps a priority name to its dispatch rank; higher dispatches
// first. Unknown priorities rank as normal.
func PriorityRank(p string) int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// PriorityForRank is the inverse of PriorityRank, used when a queued task's
// effective priority is promoted.
func PriorityForRank(rank int) string {
	switch {
	case rank >= 3:
		return PriorityUrgent
	case rank == 2:
		return PriorityHigh
	case rank == 1:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
