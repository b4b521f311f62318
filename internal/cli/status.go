package cli

import (
	"fmt"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/config"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/daemon"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and engine counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			if !st.Running && server == "" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "lexos not running")
				return nil
			}
			out := cmd.OutOrStdout()
			if st.Running {
				_, _ = fmt.Fprintf(out, "lexos running (pid %d, addr %s)\n", st.PID, st.Addr)
			}

			c, err := apiClient(cmd, server)
			if err != nil {
				return err
			}
			es, err := c.Status(cmd.Context())
			if err != nil {
				// The process is up but the API did not answer; the pid line
				// above is still useful on its own.
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "status query failed: %v\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "queue: %d (urgent %d, high %d, normal %d, low %d)\n",
				es.Queue.Total, es.Queue.Urgent, es.Queue.High, es.Queue.Normal, es.Queue.Low)
			_, _ = fmt.Fprintf(out, "running: %d  workers: %d/%d task, %d/%d workflow\n",
				es.Running, es.TaskWorkers.Busy, es.TaskWorkers.Size,
				es.WorkflowWorkers.Busy, es.WorkflowWorkers.Size)
			_, _ = fmt.Fprintf(out, "agents: %d  tasks: %d  workflows: %d  uptime: %.0fs\n",
				len(es.Agents), es.TasksTotal, es.WorkflowsTotal, es.UptimeSeconds)
			return nil
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "", "Daemon base URL (default: the running daemon's address)")
	return cmd
}
