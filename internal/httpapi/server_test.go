package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/engine"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/workflow"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// testRig wires a live engine, workflow engine, and HTTP server the way the
// daemon does, minus persistence.
type testRig struct {
	ts    *httptest.Server
	eng   *engine.Engine
	flows *workflow.Engine
}

func newTestRig(t *testing.T, opts ServerOptions) *testRig {
	t.Helper()

	eng := engine.New(engine.Options{Tick: 10 * time.Millisecond})
	flows := workflow.New(eng, eng.Bus(), nil)
	eng.AddObserver(flows)
	eng.SetWorkflowCounter(flows.Count)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	opts.Addr = "127.0.0.1:0"
	opts.Engine = eng
	opts.Workflows = flows
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)
	return &testRig{ts: ts, eng: eng, flows: flows}
}

func (rig *testRig) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(rig.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode GET %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (rig *testRig) postJSON(t *testing.T, path, body string, out any) int {
	t.Helper()
	resp, err := http.Post(rig.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode POST %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (rig *testRig) deleteJSON(t *testing.T, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, rig.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new DELETE %s: %v", path, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode DELETE %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// registerAgent registers a stub-executor agent over the API.
func (rig *testRig) registerAgent(t *testing.T, agentID string, max int) models.Agent {
	t.Helper()
	body := fmt.Sprintf(`{"agent_id":%q,"max_concurrent_requests":%d}`, agentID, max)
	var a models.Agent
	if code := rig.postJSON(t, "/api/agents", body, &a); code != http.StatusOK {
		t.Fatalf("POST /api/agents: status=%d", code)
	}
	return a
}

func (rig *testRig) submitTask(t *testing.T, body string) models.SubmitTaskResponse {
	t.Helper()
	var out models.SubmitTaskResponse
	if code := rig.postJSON(t, "/api/tasks", body, &out); code != http.StatusAccepted {
		t.Fatalf("POST /api/tasks: status=%d", code)
	}
	return out
}

// waitTaskStatus polls GET /api/tasks/{id} until the task reaches want, or
// fails the test if it lands on a different terminal status first.
func (rig *testRig) waitTaskStatus(t *testing.T, taskID, want string) models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var tk models.Task
		if code := rig.getJSON(t, "/api/tasks/"+taskID, &tk); code != http.StatusOK {
			t.Fatalf("GET /api/tasks/%s: status=%d", taskID, code)
		}
		if tk.Status == want {
			return tk
		}
		if models.TerminalStatus(tk.Status) {
			t.Fatalf("task %s reached %s, want %s (error %q)", taskID, tk.Status, want, tk.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
	return models.Task{}
}

func (rig *testRig) waitWorkflowStatus(t *testing.T, workflowID, want string) models.Workflow {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var wf models.Workflow
		if code := rig.getJSON(t, "/api/workflows/"+workflowID, &wf); code != http.StatusOK {
			t.Fatalf("GET /api/workflows/%s: status=%d", workflowID, code)
		}
		if wf.Status == want {
			return wf
		}
		if models.TerminalStatus(wf.Status) {
			t.Fatalf("workflow %s reached %s, want %s", workflowID, wf.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached %s", workflowID, want)
	return models.Workflow{}
}

func TestServerSmoke(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, ServerOptions{})

	// health
	var health map[string]any
	if code := rig.getJSON(t, "/healthz", &health); code != http.StatusOK {
		t.Fatalf("GET /healthz status=%d", code)
	}
	if health["ok"] != true {
		t.Fatalf("/healthz body: %v", health)
	}

	// register agent, submit, wait for completion
	rig.registerAgent(t, "smoke-agent", 2)
	sub := rig.submitTask(t, `{"agent_id":"smoke-agent","task_type":"echo","parameters":{"text":"hi"}}`)
	if sub.TaskID == "" || sub.Status != models.StatusQueued {
		t.Fatalf("submit response: %+v", sub)
	}
	done := rig.waitTaskStatus(t, sub.TaskID, models.StatusCompleted)
	if !bytes.Contains(done.Result, []byte(`"hi"`)) {
		t.Fatalf("result: %s", done.Result)
	}

	// engine status
	var status models.EngineStatus
	if code := rig.getJSON(t, "/api/status", &status); code != http.StatusOK {
		t.Fatalf("GET /api/status status=%d", code)
	}
	if len(status.Agents) != 1 || status.Agents[0].AgentID != "smoke-agent" {
		t.Fatalf("status agents: %+v", status.Agents)
	}
	if status.TasksTotal < 1 {
		t.Fatalf("status tasks_total=%d", status.TasksTotal)
	}

	// fallback /metrics exposition
	resp, err := http.Get(rig.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read /metrics: %v", err)
	}
	if !strings.Contains(string(raw), "lexos_tasks_total") {
		t.Fatalf("metrics body: %s", raw)
	}
}

func TestNewApp_requiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := NewApp(ServerOptions{Addr: "127.0.0.1:0"}); err == nil {
		t.Fatal("NewApp without engine: want error")
	}
	eng := engine.New(engine.Options{})
	if _, err := NewApp(ServerOptions{Addr: "127.0.0.1:0", Engine: eng}); err == nil {
		t.Fatal("NewApp without workflows: want error")
	}
}

func TestAPIKeyMiddleware_bearerAndQuery(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, ServerOptions{APIKey: "sekrit"})

	// Missing key is rejected with a JSON error body.
	resp, err := http.Get(rig.ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: status=%d", resp.StatusCode)
	}
	var errBody models.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody.Error == "" {
		t.Fatal("expected error message in JSON")
	}

	// Bearer header passes.
	req, _ := http.NewRequest(http.MethodGet, rig.ts.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with bearer: %v", err)
	}
	_ = authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("bearer: status=%d", authed.StatusCode)
	}

	// Query fallback for EventSource clients.
	q, err := http.Get(rig.ts.URL + "/api/status?api_key=sekrit")
	if err != nil {
		t.Fatalf("GET with query key: %v", err)
	}
	_ = q.Body.Close()
	if q.StatusCode != http.StatusOK {
		t.Fatalf("query key: status=%d", q.StatusCode)
	}

	// Wrong key is rejected.
	bad, err := http.Get(rig.ts.URL + "/api/status?api_key=wrong")
	if err != nil {
		t.Fatalf("GET with wrong key: %v", err)
	}
	_ = bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: status=%d", bad.StatusCode)
	}

	// Health and metrics stay open for probes and scrapers.
	for _, path := range []string{"/healthz", "/metrics"} {
		open, err := http.Get(rig.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = open.Body.Close()
		if open.StatusCode != http.StatusOK {
			t.Fatalf("GET %s without key: status=%d", path, open.StatusCode)
		}
	}
}

func TestCORSMiddleware_devPreflight(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, ServerOptions{Dev: true})

	req, _ := http.NewRequest(http.MethodOptions, rig.ts.URL+"/api/tasks", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /api/tasks: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("allow-origin: %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Fatalf("allow-headers: %q", resp.Header.Get("Access-Control-Allow-Headers"))
	}
}

func TestBodyLimitMiddleware_rejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, ServerOptions{})

	huge := fmt.Sprintf(`{"agent_id":"a1","task_type":"echo","parameters":{"blob":%q}}`,
		strings.Repeat("x", models.DefaultMaxRequestBodyBytes+1))
	resp, err := http.Post(rig.ts.URL+"/api/tasks", "application/json", strings.NewReader(huge))
	if err != nil {
		t.Fatalf("POST oversized: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized body: status=%d", resp.StatusCode)
	}
}

func TestRoutes_methodNotAllowed(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, ServerOptions{})

	for _, path := range []string{"/api/tasks", "/api/workflows", "/api/agents", "/api/tasks/t1", "/api/workflows/w1", "/api/agents/a1"} {
		req, _ := http.NewRequest(http.MethodPatch, rig.ts.URL+path, strings.NewReader(`{}`))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PATCH %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("PATCH %s: status=%d", path, resp.StatusCode)
		}
	}
}

func TestRoutes_nestedPathsAreNotFound(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, ServerOptions{})

	for _, path := range []string{"/api/tasks/t1/comments", "/api/workflows/w1/steps", "/api/agents/a1/stats"} {
		if code := rig.getJSON(t, path, nil); code != http.StatusNotFound {
			t.Fatalf("GET %s: status=%d", path, code)
		}
	}
}
