package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/config"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/daemon"
	"github.com/spf13/cobra"
)

type startFlags struct {
	addr            string
	dev             bool
	pprofAddr       string
	dbDriver        string
	dbURL           string
	taskWorkers     int
	workflowWorkers int
	executorName    string
	subprocessCmd   string
	enableOtel      bool
}

func (f *startFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "Listen address (default from config.yaml, 127.0.0.1:9000)")
	cmd.Flags().BoolVar(&f.dev, "dev", false, "Enable dev mode (permissive CORS)")
	cmd.Flags().StringVar(&f.pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&f.dbDriver, "db-driver", "", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&f.dbURL, "db-url", "", "DB connection string (for postgres; or set DATABASE_URL)")
	cmd.Flags().IntVar(&f.taskWorkers, "task-workers", 0, "Task worker pool size")
	cmd.Flags().IntVar(&f.workflowWorkers, "workflow-workers", 0, "Workflow worker pool size")
	cmd.Flags().StringVar(&f.executorName, "executor", "", "Default executor: stub, subprocess, or http")
	cmd.Flags().StringVar(&f.subprocessCmd, "subprocess-cmd", "", "Command for the subprocess executor (e.g. lexos-agent)")
	cmd.Flags().BoolVar(&f.enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP/SSE/task/agent instrumentation)")
}

func (f *startFlags) options(home string) daemon.StartOptions {
	return daemon.StartOptions{
		Home:            home,
		Addr:            f.addr,
		Dev:             f.dev,
		PprofAddr:       f.pprofAddr,
		DBDriver:        f.dbDriver,
		DBURL:           f.dbURL,
		TaskWorkers:     f.taskWorkers,
		WorkflowWorkers: f.workflowWorkers,
		DefaultExecutor: f.executorName,
		SubprocessCmd:   f.subprocessCmd,
		EnableOtel:      f.enableOtel,
	}
}

func newStartCmd() *cobra.Command {
	var (
		flags      startFlags
		foreground bool
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the lexos daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			home := config.MustHomeFrom(cmd.Context())
			opts := flags.options(home)

			if foreground {
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "lexos started (pid %d)\n", pid)
			if st, err := daemon.Status(cmd.Context(), home); err == nil && st.Running {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: http://%s\n", dialableAddr(st.Addr))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")

	return cmd
}

// serve is start --foreground under a friendlier name for terminals and
// process supervisors.
func newServeCmd() *cobra.Command {
	var flags startFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), flags.options(home))
		},
	}

	flags.register(cmd)
	return cmd
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}
