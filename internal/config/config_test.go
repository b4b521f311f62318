package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom(t *testing.T) {
	t.Parallel()
	ctx := WithHome(context.Background(), "/lexos")
	if got := MustHomeFrom(ctx); got != "/lexos" {
		t.Fatalf("MustHomeFrom: got %q", got)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("LEXOS_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("LEXOS_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("UserHomeDir: %v", err)
	}
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	want := filepath.Join(home, ".lexos")
	if got != want {
		t.Fatalf("ResolveHome default: got %q, want %q", got, want)
	}
}

func TestLoad_missingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.Addr != want.Addr || cfg.DBDriver != want.DBDriver {
		t.Fatalf("Load defaults: %+v", cfg)
	}
	if cfg.Log.Level != "info" || cfg.Log.MaxSizeMB != 50 {
		t.Fatalf("Load log defaults: %+v", cfg.Log)
	}
}

func TestLoad_fileOverridesDefaults(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	raw := `
addr: "0.0.0.0:9700"
api_key: "hunter2"
db_driver: postgres
db_url: "postgres://localhost/lexos"
task_workers: 16
log:
  level: debug
  file: /var/log/lexos/daemon.log
notify:
  slack_webhook_url: https://hooks.example.com/T000
  webhooks:
    - url: https://example.com/hook
      token: tok
      events: [task_update]
`
	if err := os.WriteFile(Path(home), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9700" || cfg.APIKey != "hunter2" {
		t.Fatalf("Load overrides: %+v", cfg)
	}
	if cfg.DBDriver != "postgres" || cfg.DBURL != "postgres://localhost/lexos" {
		t.Fatalf("Load db: %+v", cfg)
	}
	if cfg.TaskWorkers != 16 {
		t.Fatalf("task_workers: %d", cfg.TaskWorkers)
	}
	if cfg.Log.Level != "debug" || cfg.Log.File != "/var/log/lexos/daemon.log" {
		t.Fatalf("log: %+v", cfg.Log)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Log.MaxSizeMB != 50 || cfg.Log.MaxBackups != 3 {
		t.Fatalf("log rotation defaults: %+v", cfg.Log)
	}
	if cfg.Notify.SlackWebhookURL == "" || len(cfg.Notify.Webhooks) != 1 {
		t.Fatalf("notify: %+v", cfg.Notify)
	}
	hook := cfg.Notify.Webhooks[0]
	if hook.URL != "https://example.com/hook" || hook.Token != "tok" || len(hook.Events) != 1 {
		t.Fatalf("webhook: %+v", hook)
	}
}

func TestLoad_malformedYAMLFails(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.WriteFile(Path(home), []byte("addr: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("Load malformed yaml: want error")
	}
}

func TestSaveLoad_roundTrip(t *testing.T) {
	t.Parallel()
	home := filepath.Join(t.TempDir(), "nested", "home")
	cfg := Default()
	cfg.Addr = "127.0.0.1:9999"
	cfg.APIKey = "k"
	if err := Save(home, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Addr != "127.0.0.1:9999" || got.APIKey != "k" {
		t.Fatalf("round trip: %+v", got)
	}
}
