// Package daemon runs the orchestrator as a long-lived process: it owns the
// engine, the workflow layer, the store, and the HTTP server, plus the
// pid/lock/addr files that make start/stop/status work from the CLI.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/config"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/engine"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/executor"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/httpapi"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/logging"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/manifest"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/notify"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/otel"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/store"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/store/postgres"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/store/sqlite"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/workflow"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

var errNotRunning = errors.New("lexos is not running")

// StartForeground runs the daemon in the current process until ctx is
// cancelled or the server fails. It acquires the singleton lock, opens the
// store, restores the persisted agent roster, and serves the HTTP API.
func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}

	cfg, err := config.Load(opts.Home)
	if err != nil {
		return err
	}
	applyOverrides(&cfg, opts)

	// Ensure dirs exist.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	closeLog, err := logging.Init(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	// Acquire singleton lock (released on exit).
	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	// Optional pprof.
	startPprof(opts.PprofAddr)

	st, err := openStore(opts.Home, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	// Write PID + addr files.
	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	_ = os.WriteFile(addrPath(opts.Home), []byte(cfg.Addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	// Early bind check for a clearer error than ListenAndServe's.
	if err := checkAddrAvailable(cfg.Addr); err != nil {
		return err
	}

	execs := executor.NewRegistry()
	execs.Register(executor.Stub{})
	execs.Register(executor.HTTP{})
	if cfg.SubprocessCmd != "" {
		execs.Register(executor.Subprocess{Command: cfg.SubprocessCmd, Args: cfg.SubprocessArgs})
	}

	eng := engine.New(engine.Options{
		TaskWorkers:     cfg.TaskWorkers,
		WorkflowWorkers: cfg.WorkflowWorkers,
		DefaultTimeout:  time.Duration(cfg.DefaultTimeoutSec * float64(time.Second)),
		DefaultExecutor: cfg.DefaultExecutor,
		Store:           st,
		Executors:       execs,
	})
	flows := workflow.New(eng, eng.Bus(), st)
	eng.AddObserver(flows)
	eng.SetWorkflowCounter(flows.Count)

	restoreAgents(ctx, st, eng)
	if err := seedManifest(ctx, opts.Home, eng); err != nil {
		return err
	}

	srvOpts := httpapi.ServerOptions{
		Addr:      cfg.Addr,
		Dev:       cfg.Dev,
		APIKey:    apiKey(cfg),
		Engine:    eng,
		Workflows: flows,
	}
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "lexos")
		if err != nil {
			slog.Warn("otel init failed, using fallback metrics", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			srvOpts.UseOtelHTTP = true
			_ = otel.InitMetricsWithEngine(ctx, eng.Counts, func() (urgent, high, normal, low int) {
				q := eng.QueueDepths()
				return q.Urgent, q.High, q.Normal, q.Low
			})
		}
	}
	app, err := httpapi.NewApp(srvOpts)
	if err != nil {
		return err
	}

	slog.Info("daemon starting", "addr", cfg.Addr, "home", opts.Home, "db_driver", cfg.DBDriver)
	errCh := make(chan error, 1)
	go func() {
		// Dispatcher runs alongside the HTTP server and publishes SSE events.
		go func() { _ = eng.Run(ctx) }()
		if fwd := buildForwarder(eng, cfg.Notify); fwd != nil {
			go func() { _ = fwd.Run(ctx) }()
		}
		errCh <- app.Server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// applyOverrides layers CLI flags over the file config.
func applyOverrides(cfg *config.Config, opts StartOptions) {
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.Dev {
		cfg.Dev = true
	}
	if opts.DBDriver != "" {
		cfg.DBDriver = opts.DBDriver
	}
	if opts.DBURL != "" {
		cfg.DBURL = opts.DBURL
	}
	if opts.TaskWorkers > 0 {
		cfg.TaskWorkers = opts.TaskWorkers
	}
	if opts.WorkflowWorkers > 0 {
		cfg.WorkflowWorkers = opts.WorkflowWorkers
	}
	if opts.DefaultExecutor != "" {
		cfg.DefaultExecutor = opts.DefaultExecutor
	}
	if opts.SubprocessCmd != "" {
		cfg.SubprocessCmd = opts.SubprocessCmd
	}
}

func apiKey(cfg config.Config) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	return os.Getenv("LEXOS_API_KEY")
}

// openStore picks the retention backend: postgres when db_driver says so,
// otherwise the embedded SQLite file under <home>/protected (or a DSN
// override from db_url).
func openStore(home string, cfg config.Config) (store.Store, error) {
	if cfg.DBDriver == "postgres" {
		return postgres.Open(cfg.DBURL)
	}
	if cfg.DBURL != "" {
		return sqlite.OpenDSN(cfg.DBURL)
	}
	return sqlite.Open(home)
}

// restoreAgents re-registers the agent roster persisted by a previous run so
// clients do not have to after a restart. Inactive agents are skipped; they
// return to service by re-registering themselves.
func restoreAgents(ctx context.Context, st store.Store, eng *engine.Engine) {
	agents, err := st.ListAgents(ctx)
	if err != nil {
		slog.Warn("restore agents failed", "err", err)
		return
	}
	restored := 0
	for _, a := range agents {
		if a.Status != models.AgentActive {
			continue
		}
		_, err := eng.RegisterAgent(ctx, models.RegisterAgentRequest{
			AgentID:               a.AgentID,
			Capabilities:          a.Capabilities,
			MaxConcurrentRequests: a.MaxConcurrentRequests,
			Executor:              a.Executor,
			Endpoint:              a.Endpoint,
		})
		if err != nil {
			slog.Warn("restore agent failed", "agent_id", a.AgentID, "err", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		slog.Info("agents restored", "count", restored)
	}
}

// seedManifest applies <home>/agents.yaml on top of the restored roster.
// Re-registration updates agents in place, so the manifest wins for agents it
// names. A rejected entry is logged and skipped; a malformed file aborts
// startup like a malformed config.yaml would.
func seedManifest(ctx context.Context, home string, eng *engine.Engine) error {
	reqs, err := manifest.Load(home)
	if err != nil {
		return err
	}
	applied := 0
	for _, req := range reqs {
		if _, err := eng.RegisterAgent(ctx, req); err != nil {
			slog.Warn("manifest agent rejected", "agent_id", req.AgentID, "err", err)
			continue
		}
		applied++
	}
	if applied > 0 {
		slog.Info("agent manifest applied", "count", applied)
	}
	return nil
}

// buildForwarder wires notify targets from config; nil when none are set.
func buildForwarder(eng *engine.Engine, cfg config.Notify) *notify.Forwarder {
	if cfg.SlackWebhookURL == "" && len(cfg.Webhooks) == 0 {
		return nil
	}
	fwd := notify.NewForwarder(eng.Bus())
	if cfg.SlackWebhookURL != "" {
		fwd.Register(notify.SlackWebhook{WebhookURL: cfg.SlackWebhookURL})
	}
	for _, w := range cfg.Webhooks {
		fwd.Register(notify.Webhook{URL: w.URL, Token: w.Token}, w.Events...)
	}
	return fwd
}

// StartBackground re-executes the current binary as a detached daemon and
// waits briefly for it to come up.
func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}

	// Ensure dirs exist before starting.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	// Best-effort: refuse to start if already running.
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("lexos already running (pid %d)", st.PID)
	}

	logFile := filepath.Join(protectedDir(opts.Home), "daemon.log")
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	args := []string{"daemon", "--home", opts.Home}
	if opts.Addr != "" {
		args = append(args, "--addr", opts.Addr)
	}
	if opts.Dev {
		args = append(args, "--dev")
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}
	if opts.DBDriver != "" {
		args = append(args, "--db-driver", opts.DBDriver)
	}
	if opts.DBURL != "" {
		args = append(args, "--db-url", opts.DBURL)
	}
	if opts.TaskWorkers > 0 {
		args = append(args, "--task-workers", strconv.Itoa(opts.TaskWorkers))
	}
	if opts.WorkflowWorkers > 0 {
		args = append(args, "--workflow-workers", strconv.Itoa(opts.WorkflowWorkers))
	}
	if opts.DefaultExecutor != "" {
		args = append(args, "--executor", opts.DefaultExecutor)
	}
	if opts.SubprocessCmd != "" {
		args = append(args, "--subprocess-cmd", opts.SubprocessCmd)
	}
	if opts.EnableOtel {
		args = append(args, "--otel")
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	setDaemonSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Wait briefly for pid file to appear or process to die.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Fallback to started pid even if status isn't ready yet.
	return cmd.Process.Pid, nil
}

// Stop signals the running daemon and waits for it to exit. It returns false
// when no daemon was running.
func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		// On unix FindProcess always succeeds; keep this for completeness.
		return false, errNotRunning
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

// Status reports whether a daemon is running for home, based on the pid file
// and a liveness probe. Stale pid files are removed.
func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pidStr := strings.TrimSpace(string(pb))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkAddrAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use", addr)
	}
	_ = ln.Close()
	return nil
}
