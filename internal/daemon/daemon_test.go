package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/config"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/engine"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/manifest"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/store/sqlite"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

func TestStartForeground_emptyHome(t *testing.T) {
	ctx := context.Background()
	err := StartForeground(ctx, StartOptions{Home: ""})
	if err == nil {
		t.Fatal("StartForeground empty home: expected error")
	}
}

func TestStartForeground_lifecycle(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	if err := config.Save(home, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartForeground(ctx, StartOptions{Home: home}) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, home); st.Running {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	st, err := Status(ctx, home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running {
		cancel()
		t.Fatalf("Status: daemon never came up: %+v", st)
	}
	if st.PID != os.Getpid() {
		t.Errorf("Status PID: got %d, want %d", st.PID, os.Getpid())
	}

	// A second instance on the same home must fail on the lock.
	if err := StartForeground(ctx, StartOptions{Home: home}); err == nil {
		t.Error("StartForeground second instance: expected lock error")
	} else if !strings.Contains(err.Error(), "already running") {
		t.Errorf("StartForeground second instance: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("StartForeground: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if st2, _ := Status(context.Background(), home); st2.Running {
		t.Fatal("pid file still reports running after shutdown")
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Dev = false

	applyOverrides(&cfg, StartOptions{})
	if cfg.Addr != "127.0.0.1:9000" || cfg.DBDriver != "sqlite" {
		t.Fatalf("zero opts changed config: %+v", cfg)
	}

	applyOverrides(&cfg, StartOptions{
		Addr:            "0.0.0.0:8080",
		Dev:             true,
		DBDriver:        "postgres",
		DBURL:           "postgres://localhost/lexos",
		TaskWorkers:     7,
		WorkflowWorkers: 3,
	})
	if cfg.Addr != "0.0.0.0:8080" {
		t.Errorf("Addr: got %q", cfg.Addr)
	}
	if !cfg.Dev {
		t.Error("Dev: not applied")
	}
	if cfg.DBDriver != "postgres" || cfg.DBURL != "postgres://localhost/lexos" {
		t.Errorf("DB: got %q %q", cfg.DBDriver, cfg.DBURL)
	}
	if cfg.TaskWorkers != 7 || cfg.WorkflowWorkers != 3 {
		t.Errorf("workers: got %d %d", cfg.TaskWorkers, cfg.WorkflowWorkers)
	}
}

func TestAPIKey_configBeforeEnv(t *testing.T) {
	t.Setenv("LEXOS_API_KEY", "from-env")

	cfg := config.Default()
	if got := apiKey(cfg); got != "from-env" {
		t.Errorf("apiKey env fallback: got %q", got)
	}
	cfg.APIKey = "from-file"
	if got := apiKey(cfg); got != "from-file" {
		t.Errorf("apiKey config: got %q", got)
	}
}

func TestOpenStore_sqliteDefault(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "home")

	st, err := openStore(home, config.Default())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer func() { _ = st.Close() }()

	if _, err := os.Stat(filepath.Join(home, "protected", "db.sqlite")); err != nil {
		t.Errorf("db file: %v", err)
	}
}

func TestRestoreAgents_reactivatesOnlyActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	home := filepath.Join(t.TempDir(), "home")

	st, err := sqlite.Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	now := time.Now().UTC()
	active := models.Agent{
		AgentID:               "echo-1",
		Capabilities:          []models.Capability{{Name: "echo"}},
		MaxConcurrentRequests: 2,
		Executor:              models.ExecutorStub,
		Status:                models.AgentActive,
		RegisteredAt:          now,
	}
	retired := models.Agent{
		AgentID:               "old-1",
		MaxConcurrentRequests: 1,
		Executor:              models.ExecutorStub,
		Status:                models.AgentInactive,
		RegisteredAt:          now,
	}
	if err := st.SaveAgent(ctx, active); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := st.SaveAgent(ctx, retired); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}

	eng := engine.New(engine.Options{Store: st})
	restoreAgents(ctx, st, eng)

	agents := eng.Agents()
	if len(agents) != 1 {
		t.Fatalf("Agents: got %d, want 1", len(agents))
	}
	got := agents[0]
	if got.AgentID != "echo-1" || got.Status != models.AgentActive {
		t.Errorf("restored agent: %+v", got)
	}
	if len(got.Capabilities) != 1 || got.Capabilities[0].Name != "echo" {
		t.Errorf("capabilities: %+v", got.Capabilities)
	}
	if err := eng.ValidateAssignment("echo-1", "echo"); err != nil {
		t.Errorf("ValidateAssignment after restore: %v", err)
	}
}

func TestSeedManifest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	home := t.TempDir()

	eng := engine.New(engine.Options{})
	if err := seedManifest(ctx, home, eng); err != nil {
		t.Fatalf("seedManifest missing file: %v", err)
	}
	if got := len(eng.Agents()); got != 0 {
		t.Fatalf("Agents after empty seed: got %d", got)
	}

	doc := `agents:
  - agent_id: echo-1
    capabilities: [echo]
    max_concurrent: 3
  - agent_id: bad-1
    capabilities: [echo]
    executor: grpc
`
	if err := os.WriteFile(manifest.Path(home), []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// The unknown executor entry is skipped, not fatal.
	if err := seedManifest(ctx, home, eng); err != nil {
		t.Fatalf("seedManifest: %v", err)
	}
	agents := eng.Agents()
	if len(agents) != 1 {
		t.Fatalf("Agents: got %d, want 1", len(agents))
	}
	if agents[0].AgentID != "echo-1" || agents[0].MaxConcurrentRequests != 3 {
		t.Errorf("seeded agent: %+v", agents[0])
	}

	if err := os.WriteFile(manifest.Path(home), []byte("agents: [!!"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := seedManifest(ctx, home, eng); err == nil {
		t.Fatal("malformed manifest: expected error")
	}
}

func TestBuildForwarder(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Options{})

	if fwd := buildForwarder(eng, config.Notify{}); fwd != nil {
		t.Error("empty notify config: expected nil forwarder")
	}

	fwd := buildForwarder(eng, config.Notify{
		SlackWebhookURL: "https://hooks.slack.invalid/T000",
		Webhooks: []config.NotifyWebhook{
			{URL: "https://example.invalid/hook", Events: []string{"task_update"}},
		},
	})
	if fwd == nil {
		t.Fatal("expected forwarder")
	}
}

func TestStatus_noPidFile(t *testing.T) {
	t.Parallel()
	st, err := Status(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Fatalf("Status: got %+v, want not running", st)
	}
}

func TestStatus_garbagePidFile(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(pidPath(home), []byte("notapid\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	st, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Fatalf("Status: got %+v, want not running", st)
	}
}

func TestCheckAddrAvailable(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	if err := checkAddrAvailable(ln.Addr().String()); err == nil {
		t.Error("occupied address: expected error")
	}
	if err := checkAddrAvailable("127.0.0.1:0"); err != nil {
		t.Errorf("free address: %v", err)
	}
}

func TestStop_notRunning(t *testing.T) {
	t.Parallel()
	stopped, err := Stop(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped {
		t.Fatal("Stop: reported stopping a daemon that was not running")
	}
}
