package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded from <home>/config.yaml. Fields
// absent from the file keep the Default() values; zero worker counts defer
// to the engine's own defaults.
type Config struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key,omitempty"`
	Dev    bool   `yaml:"dev,omitempty"`

	DBDriver string `yaml:"db_driver"`        // "sqlite" (default) or "postgres"
	DBURL    string `yaml:"db_url,omitempty"` // postgres connection string

	TaskWorkers       int     `yaml:"task_workers,omitempty"`
	WorkflowWorkers   int     `yaml:"workflow_workers,omitempty"`
	DefaultTimeoutSec float64 `yaml:"default_timeout_seconds,omitempty"`

	DefaultExecutor string   `yaml:"default_executor,omitempty"` // stub (default), subprocess, http
	SubprocessCmd   string   `yaml:"subprocess_cmd,omitempty"`   // enables the subprocess executor
	SubprocessArgs  []string `yaml:"subprocess_args,omitempty"`

	Log    Log    `yaml:"log"`
	Notify Notify `yaml:"notify,omitempty"`
}

// Log configures structured logging and file rotation.
type Log struct {
	Level      string `yaml:"level"`          // debug, info, warn, error
	File       string `yaml:"file,omitempty"` // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Notify configures outbound event forwarding.
type Notify struct {
	SlackWebhookURL string          `yaml:"slack_webhook_url,omitempty"`
	Webhooks        []NotifyWebhook `yaml:"webhooks,omitempty"`
}

// NotifyWebhook is one generic webhook target. Events limits which bus
// event types are forwarded; empty means all.
type NotifyWebhook struct {
	URL    string   `yaml:"url"`
	Token  string   `yaml:"token,omitempty"`
	Events []string `yaml:"events,omitempty"`
}

// Default returns the configuration used when no config.yaml exists.
func Default() Config {
	return Config{
		Addr:     "127.0.0.1:9000",
		DBDriver: "sqlite",
		Log: Log{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Path returns the config file location: <home>/config.yaml.
func Path(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Load reads <home>/config.yaml over the defaults. A missing file is not an
// error; a malformed one is.
func Load(home string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(home))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", Path(home), err)
	}
	return cfg, nil
}

// Save writes the config to <home>/config.yaml, creating home if needed.
func Save(home string, cfg Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(home), data, 0o644)
}
