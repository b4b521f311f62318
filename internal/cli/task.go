package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/client"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect tasks",
	}
	cmd.PersistentFlags().StringVarP(&server, "server", "s", "", "Daemon base URL (default: the running daemon's address)")

	cmd.AddCommand(newTaskSubmitCmd(&server))
	cmd.AddCommand(newTaskGetCmd(&server))
	cmd.AddCommand(newTaskListCmd(&server))
	cmd.AddCommand(newTaskCancelCmd(&server))
	cmd.AddCommand(newTaskWatchCmd(&server))
	return cmd
}

// readParams accepts inline JSON or @file syntax.
func readParams(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("parameters must be valid JSON")
	}
	return json.RawMessage(raw), nil
}

func newTaskSubmitCmd(server *string) *cobra.Command {
	var (
		agentID    string
		taskType   string
		params     string
		priority   string
		timeoutSec float64
		userID     string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || taskType == "" {
				return errors.New("--agent and --type are required")
			}
			p, err := readParams(params)
			if err != nil {
				return err
			}
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}

			resp, err := c.SubmitTask(cmd.Context(), models.SubmitTaskRequest{
				AgentID:    agentID,
				UserID:     userID,
				TaskType:   taskType,
				Parameters: p,
				Priority:   priority,
				TimeoutSec: timeoutSec,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Submitted task %s (%s, position %d)\n",
				resp.TaskID, resp.Status, resp.QueuePosition)

			if !wait {
				return nil
			}
			task, err := waitTerminal(cmd, c, resp.TaskID)
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Target agent ID")
	cmd.Flags().StringVar(&taskType, "type", "", "Task type (must match an agent capability)")
	cmd.Flags().StringVar(&params, "params", "", "Parameters as JSON, or @file")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority: urgent, high, normal, or low")
	cmd.Flags().Float64Var(&timeoutSec, "timeout", 0, "Execution timeout in seconds (0 = server default)")
	cmd.Flags().StringVar(&userID, "user", "", "Submitting user ID")
	cmd.Flags().BoolVar(&wait, "wait", false, "Stream events until the task reaches a terminal status")
	return cmd
}

// waitTerminal follows the SSE stream until taskID reaches a terminal
// status, then returns the final record.
func waitTerminal(cmd *cobra.Command, c *client.Client, taskID string) (models.Task, error) {
	ctx := cmd.Context()
	ch, err := c.Events(ctx)
	if err != nil {
		return models.Task{}, err
	}

	// The task may have finished before the subscription was live.
	if task, err := c.Task(ctx, taskID); err == nil && models.TerminalStatus(task.Status) {
		return task, nil
	}

	for ev := range ch {
		if ev.Type != "task_update" {
			continue
		}
		if id, _ := ev.Data["task_id"].(string); id != taskID {
			continue
		}
		status, _ := ev.Data["status"].(string)
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", status)
		if models.TerminalStatus(status) {
			return c.Task(ctx, taskID)
		}
	}
	return models.Task{}, ctx.Err()
}

func newTaskGetCmd(server *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			task, err := c.Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}
	return cmd
}

func newTaskListCmd(server *string) *cobra.Command {
	var (
		status  string
		agentID string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			tasks, err := c.Tasks(cmd.Context(), client.TaskListOptions{
				Status: status, AgentID: agentID, Limit: limit,
			})
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			for _, t := range tasks {
				line := fmt.Sprintf("- %s  %-9s  %s/%s  priority=%s", t.TaskID, t.Status, t.AgentID, t.TaskType, t.Priority)
				if t.Error != "" {
					line += "  error=" + t.Error
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&agentID, "agent", "", "Filter by agent ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max results (0 = server default)")
	return cmd
}

func newTaskCancelCmd(server *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			resp, err := c.CancelTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if resp.Code == models.CodeAlreadyTerminal {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s had already finished (%s)\n", resp.TaskID, resp.Status)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", resp.TaskID)
			return nil
		},
	}
	return cmd
}

func newTaskWatchCmd(server *string) *cobra.Command {
	var eventType string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			ch, err := c.Events(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev := range ch {
				if eventType != "" && ev.Type != eventType {
					continue
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "Only print events of this type (e.g. task_update)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
