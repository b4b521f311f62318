package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTP invokes an agent over its registered endpoint: POST with the
// InvokeRequest as JSON, any 2xx body is the result. The watchdog deadline
// rides on ctx, so no separate client timeout is set here.
type HTTP struct {
	Client *http.Client
}

func (HTTP) Name() string { return "http" }

func (h HTTP) Invoke(ctx context.Context, req InvokeRequest, emit func(Event)) (InvokeResult, error) {
	if req.Endpoint == "" {
		return InvokeResult{}, errors.New("agent has no endpoint registered")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return InvokeResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return InvokeResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	emit(Event{
		Type:      "invocation_started",
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"endpoint": req.Endpoint},
	})
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return InvokeResult{}, ctx.Err()
		}
		return InvokeResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return InvokeResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return InvokeResult{}, fmt.Errorf("agent endpoint returned %d: %s", resp.StatusCode, truncate(payload, 200))
	}
	result := json.RawMessage(payload)
	if !json.Valid(result) {
		// Non-JSON responses are preserved verbatim as a string payload.
		wrapped, _ := json.Marshal(map[string]string{"output": string(payload)})
		result = wrapped
	}
	emit(Event{
		Type:      "invocation_ended",
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Timestamp: time.Now().UTC(),
	})
	return InvokeResult{Result: result}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
