package daemon

// StartOptions configures the daemon process. Flags layer over
// <home>/config.yaml; zero values keep the file's (or built-in) settings.
type StartOptions struct {
	Home      string
	Addr      string // listen address, e.g. "127.0.0.1:9000"
	Dev       bool
	PprofAddr string

	DBDriver string // "sqlite" (default) or "postgres"
	DBURL    string // postgres connection string, or a sqlite DSN override

	TaskWorkers     int
	WorkflowWorkers int

	DefaultExecutor string // "stub" (default), "subprocess", or "http"
	SubprocessCmd   string // agent binary for the subprocess executor

	EnableOtel bool // OpenTelemetry metrics (Prometheus exporter + HTTP/SSE instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
