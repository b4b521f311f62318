// Package executor defines the collaborator interface the engine invokes
// agent capabilities through. The engine hands an executor the task type,
// opaque parameters, and a context carrying the watchdog deadline; what the
// capability does internally is out of scope.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event is a progress event emitted by a capability while it runs. Events
// are forwarded to the bus; they never affect task state.
type Event struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// InvokeRequest carries one capability invocation.
type InvokeRequest struct {
	TaskID     string          `json:"task_id"`
	AgentID    string          `json:"agent_id"`
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	TimeoutSec float64         `json:"timeout_seconds,omitempty"`
	Endpoint   string          `json:"-"` // http executor target, not on the wire
}

// InvokeResult is a successful invocation's payload.
type InvokeResult struct {
	Result json.RawMessage
}

// Executor runs agent capabilities. Implementations must honor ctx: when it
// is cancelled or its deadline passes they should stop and return ctx's
// error. The engine discards results that arrive after cancellation anyway.
type Executor interface {
	Name() string
	Invoke(ctx context.Context, req InvokeRequest, emit func(Event)) (InvokeResult, error)
}

// Registry holds the executors available to the dispatcher, keyed by the
// name agents reference at registration.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]Executor)}
}

func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[e.Name()] = e
}

// Get returns the named executor and whether it is registered.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[name]
	return e, ok
}

// Names lists registered executor names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.execs))
	for name := range r.execs {
		out = append(out, name)
	}
	return out
}
