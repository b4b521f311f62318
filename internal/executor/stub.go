package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Stub is a deterministic in-process executor used for local development and
// tests. Behavior is keyed by task_type:
//
//	echo:  returns the parameters unchanged
//	sleep: blocks for parameters.duration_ms (honoring ctx), then succeeds
//	fail:  returns an error with parameters.message
//
// Any other task type sleeps Latency and returns a small ok payload.
type Stub struct {
	Latency time.Duration
}

func (Stub) Name() string { return "stub" }

func (s Stub) Invoke(ctx context.Context, req InvokeRequest, emit func(Event)) (InvokeResult, error) {
	emit(Event{
		Type:      "invocation_started",
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"task_type": req.TaskType},
	})

	var params struct {
		DurationMS int    `json:"duration_ms"`
		Message    string `json:"message"`
	}
	if len(req.Parameters) > 0 {
		_ = json.Unmarshal(req.Parameters, &params)
	}

	switch req.TaskType {
	case "echo":
		if err := sleep(ctx, s.Latency); err != nil {
			return InvokeResult{}, err
		}
		result := req.Parameters
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		s.emitEnded(emit, req)
		return InvokeResult{Result: result}, nil
	case "sleep":
		d := time.Duration(params.DurationMS) * time.Millisecond
		if d <= 0 {
			d = s.Latency
		}
		if err := sleep(ctx, d); err != nil {
			return InvokeResult{}, err
		}
		s.emitEnded(emit, req)
		return InvokeResult{Result: json.RawMessage(fmt.Sprintf(`{"slept_ms":%d}`, d.Milliseconds()))}, nil
	case "fail":
		if err := sleep(ctx, s.Latency); err != nil {
			return InvokeResult{}, err
		}
		msg := params.Message
		if msg == "" {
			msg = "stub failure"
		}
		return InvokeResult{}, errors.New(msg)
	default:
		if err := sleep(ctx, s.Latency); err != nil {
			return InvokeResult{}, err
		}
		s.emitEnded(emit, req)
		out, _ := json.Marshal(map[string]any{"status": "ok", "task_type": req.TaskType})
		return InvokeResult{Result: out}, nil
	}
}

func (Stub) emitEnded(emit func(Event), req InvokeRequest) {
	emit(Event{
		Type:      "invocation_ended",
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Timestamp: time.Now().UTC(),
	})
}

// sleep waits d or until ctx is done, returning ctx's error in that case.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
