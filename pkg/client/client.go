// Package client provides a Go SDK for the lexos HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// Client calls the lexos HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://127.0.0.1:9000"
	APIKey     string       // optional; sent as Authorization: Bearer
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://127.0.0.1:9000").
// APIKey is optional; when set, requests carry an Authorization Bearer header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey}
}

// APIError is a non-2xx response decoded from the server's error body. Code
// is the machine-readable error code when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{StatusCode: resp.StatusCode, Code: errBody.Code, Message: errBody.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /healthz response (ok: true).
func (c *Client) Health(ctx context.Context) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &out)
	return out.OK, err
}

// Status returns the engine status snapshot.
func (c *Client) Status(ctx context.Context) (models.EngineStatus, error) {
	var out models.EngineStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// SubmitTask enqueues a task and returns its ID, queue position, and
// estimated completion.
func (c *Client) SubmitTask(ctx context.Context, req models.SubmitTaskRequest) (models.SubmitTaskResponse, error) {
	var out models.SubmitTaskResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/tasks", req, &out)
	return out, err
}

// Task returns a task by ID.
func (c *Client) Task(ctx context.Context, taskID string) (models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

// TaskListOptions narrows Tasks. Zero fields match everything.
type TaskListOptions struct {
	Status  string
	AgentID string
	Limit   int
}

// Tasks lists tasks, newest first.
func (c *Client) Tasks(ctx context.Context, opts TaskListOptions) ([]models.Task, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.AgentID != "" {
		q.Set("agent_id", opts.AgentID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CancelTask cancels a task. Cancelling an already-finished task succeeds
// and reports code AlreadyTerminal.
func (c *Client) CancelTask(ctx context.Context, taskID string) (models.CancelTaskResponse, error) {
	var out models.CancelTaskResponse
	err := c.doJSON(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

// CreateWorkflow validates and starts a workflow.
func (c *Client) CreateWorkflow(ctx context.Context, req models.CreateWorkflowRequest) (models.CreateWorkflowResponse, error) {
	var out models.CreateWorkflowResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/workflows", req, &out)
	return out, err
}

// Workflow returns a workflow, steps included.
func (c *Client) Workflow(ctx context.Context, workflowID string) (models.Workflow, error) {
	var out models.Workflow
	err := c.doJSON(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(workflowID), nil, &out)
	return out, err
}

// Workflows lists workflows, newest first (limit 0 = server default).
func (c *Client) Workflows(ctx context.Context, limit int) ([]models.Workflow, error) {
	path := "/api/workflows"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Workflow
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CancelWorkflow halts a workflow and cancels its outstanding steps.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) (models.CancelWorkflowResponse, error) {
	var out models.CancelWorkflowResponse
	err := c.doJSON(ctx, http.MethodDelete, "/api/workflows/"+url.PathEscape(workflowID), nil, &out)
	return out, err
}

// RegisterAgent registers or re-registers an agent.
func (c *Client) RegisterAgent(ctx context.Context, req models.RegisterAgentRequest) (models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodPost, "/api/agents", req, &out)
	return out, err
}

// Agent returns one agent's registration and live load.
func (c *Client) Agent(ctx context.Context, agentID string) (models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID), nil, &out)
	return out, err
}

// Agents lists registered agents.
func (c *Client) Agents(ctx context.Context) ([]models.Agent, error) {
	var out []models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/api/agents", nil, &out)
	return out, err
}

// DeactivateAgent takes an agent out of dispatch and returns the updated
// registration.
func (c *Client) DeactivateAgent(ctx context.Context, agentID string) (models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(agentID), nil, &out)
	return out, err
}

// Events opens the SSE stream and delivers decoded events on the returned
// channel until ctx is cancelled or the stream ends, then closes it. The
// initial "connected" ping is delivered like any other event.
func (c *Client) Events(ctx context.Context) (<-chan models.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		var errBody models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, &APIError{StatusCode: resp.StatusCode, Code: errBody.Code, Message: errBody.Error}
	}

	ch := make(chan models.Event)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
