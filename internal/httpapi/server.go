package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/engine"
	xerrors "github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/errors"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/workflow"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more
// than maxBytes. Call this for requests that have a body (e.g. POST, PUT,
// PATCH) before decoding JSON.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (dashboards served from a
// different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (listen addr, API key, metrics).
// Engine and Workflows are required; the daemon constructs and owns them.
type ServerOptions struct {
	Addr           string
	Dev            bool
	APIKey         string       // if set, require Authorization: Bearer or query api_key
	Engine         *engine.Engine
	Workflows      *workflow.Engine
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
}

// App holds the HTTP server wired to the task and workflow engines.
type App struct {
	Server *http.Server

	eng   *engine.Engine
	flows *workflow.Engine
}

// NewApp creates the HTTP app and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	if opts.Engine == nil {
		return nil, errors.New("httpapi: ServerOptions.Engine is required")
	}
	if opts.Workflows == nil {
		return nil, errors.New("httpapi: ServerOptions.Workflows is required")
	}
	eng := opts.Engine
	flows := opts.Workflows
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			queued, running, completed, failed, cancelled := eng.Counts()
			_, _ = fmt.Fprintf(w, "# TYPE lexos_tasks_total gauge\n")
			_, _ = fmt.Fprintf(w, "lexos_tasks_total{status=\"queued\"} %d\n", queued)
			_, _ = fmt.Fprintf(w, "lexos_tasks_total{status=\"running\"} %d\n", running)
			_, _ = fmt.Fprintf(w, "lexos_tasks_total{status=\"completed\"} %d\n", completed)
			_, _ = fmt.Fprintf(w, "lexos_tasks_total{status=\"failed\"} %d\n", failed)
			_, _ = fmt.Fprintf(w, "lexos_tasks_total{status=\"cancelled\"} %d\n", cancelled)
		})
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, eng.Status())
	})

	mux.HandleFunc("/api/events", sseHandler(eng.Bus()))

	// --- Tasks ---
	mux.HandleFunc("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req models.SubmitTaskRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			snap, estimate, err := eng.Submit(r.Context(), engine.TaskSpec{
				AgentID:    req.AgentID,
				UserID:     req.UserID,
				TaskType:   req.TaskType,
				Parameters: req.Parameters,
				Priority:   req.Priority,
				Timeout:    time.Duration(req.TimeoutSec * float64(time.Second)),
			})
			if err != nil {
				writeError(w, err)
				return
			}
			pos := 0
			if snap.QueuePosition != nil {
				pos = *snap.QueuePosition
			}
			writeJSONStatus(w, http.StatusAccepted, models.SubmitTaskResponse{
				TaskID:              snap.TaskID,
				Status:              snap.Status,
				QueuePosition:       pos,
				EstimatedCompletion: estimate,
			})
			return
		case http.MethodGet:
			q := r.URL.Query()
			f := engine.TaskFilter{Status: q.Get("status"), AgentID: q.Get("agent_id")}
			if v := q.Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					writeJSONError(w, http.StatusBadRequest, "invalid limit")
					return
				}
				f.Limit = n
			}
			tasks, err := eng.ListTasks(r.Context(), f)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, tasks)
			return
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
	})

	mux.HandleFunc("/api/tasks/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
		if id == "" || strings.Contains(id, "/") {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		switch r.Method {
		case http.MethodGet:
			t, err := eng.GetTask(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, t)
			return
		case http.MethodDelete:
			t, err := eng.CancelTask(r.Context(), id)
			if err != nil {
				// Repeated cancels are reported, not failed; the record is
				// already terminal and unchanged.
				if xerrors.IsCode(err, xerrors.CodeAlreadyTerminal) {
					writeJSON(w, models.CancelTaskResponse{
						TaskID: t.TaskID,
						Status: t.Status,
						Code:   string(xerrors.CodeAlreadyTerminal),
					})
					return
				}
				writeError(w, err)
				return
			}
			writeJSON(w, models.CancelTaskResponse{TaskID: t.TaskID, Status: t.Status})
			return
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
	})

	// --- Workflows ---
	mux.HandleFunc("/api/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req models.CreateWorkflowRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			wf, err := flows.CreateWorkflow(r.Context(), req)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSONStatus(w, http.StatusCreated, models.CreateWorkflowResponse{
				WorkflowID: wf.WorkflowID,
				Status:     wf.Status,
			})
			return
		case http.MethodGet:
			limit := 0
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					writeJSONError(w, http.StatusBadRequest, "invalid limit")
					return
				}
				limit = n
			}
			list, err := flows.Workflows(r.Context(), limit)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, list)
			return
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
	})

	mux.HandleFunc("/api/workflows/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/workflows/")
		if id == "" || strings.Contains(id, "/") {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		switch r.Method {
		case http.MethodGet:
			wf, err := flows.Workflow(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, wf)
			return
		case http.MethodDelete:
			wf, err := flows.CancelWorkflow(r.Context(), id)
			if err != nil {
				if xerrors.IsCode(err, xerrors.CodeAlreadyTerminal) {
					writeJSON(w, models.CancelWorkflowResponse{
						WorkflowID: wf.WorkflowID,
						Status:     wf.Status,
						Code:       string(xerrors.CodeAlreadyTerminal),
					})
					return
				}
				writeError(w, err)
				return
			}
			writeJSON(w, models.CancelWorkflowResponse{WorkflowID: wf.WorkflowID, Status: wf.Status})
			return
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
	})

	// --- Agents ---
	mux.HandleFunc("/api/agents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req models.RegisterAgentRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			a, err := eng.RegisterAgent(r.Context(), req)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, a)
			return
		case http.MethodGet:
			writeJSON(w, eng.Agents())
			return
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
	})

	mux.HandleFunc("/api/agents/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/agents/")
		if id == "" || strings.Contains(id, "/") {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		switch r.Method {
		case http.MethodGet:
			a, err := eng.Agent(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, a)
			return
		case http.MethodDelete:
			a, err := eng.DeactivateAgent(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, a)
			return
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
	})

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "lexos")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout stays zero so /api/events can stream indefinitely.
		IdleTimeout: 60 * time.Second,
	}
	return &App{Server: srv, eng: eng, flows: flows}, nil
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/healthz" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		var key string
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if key == "" {
			// EventSource clients cannot set headers.
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONStatus is writeJSON with an explicit status code (201, 202).
func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = writeErrorBody(w, code, models.ErrorResponse{Error: message})
}

// writeError maps typed engine errors onto HTTP statuses and includes the
// error code in the body so clients can branch without parsing messages.
func writeError(w http.ResponseWriter, err error) {
	resp := models.ErrorResponse{Error: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Error = e.Message()
		resp.Code = string(e.Code())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = writeErrorBody(w, xerrors.HTTPStatus(err), resp)
}

func writeErrorBody(w http.ResponseWriter, code int, resp models.ErrorResponse) error {
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(resp)
}
