package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newWorkflowCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Create and inspect workflows",
	}
	cmd.PersistentFlags().StringVarP(&server, "server", "s", "", "Daemon base URL (default: the running daemon's address)")

	cmd.AddCommand(newWorkflowApplyCmd(&server))
	cmd.AddCommand(newWorkflowGetCmd(&server))
	cmd.AddCommand(newWorkflowListCmd(&server))
	cmd.AddCommand(newWorkflowCancelCmd(&server))
	return cmd
}

// workflowFile is the YAML shape accepted by `workflow apply -f`. Parameters
// are arbitrary mappings and get re-encoded as JSON for the wire.
type workflowFile struct {
	Name  string             `yaml:"name"`
	Steps []workflowFileStep `yaml:"steps"`
}

type workflowFileStep struct {
	StepID     string         `yaml:"step_id"`
	AgentID    string         `yaml:"agent_id"`
	TaskType   string         `yaml:"task_type"`
	Parameters map[string]any `yaml:"parameters"`
	DependsOn  []string       `yaml:"depends_on"`
	TimeoutSec float64        `yaml:"timeout_seconds"`
	Priority   string         `yaml:"priority"`
}

func loadWorkflowFile(path string) (models.CreateWorkflowRequest, error) {
	var req models.CreateWorkflowRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	var wf workflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}

	req.Name = wf.Name
	for _, s := range wf.Steps {
		step := models.WorkflowStepSpec{
			StepID:     s.StepID,
			AgentID:    s.AgentID,
			TaskType:   s.TaskType,
			DependsOn:  s.DependsOn,
			TimeoutSec: s.TimeoutSec,
			Priority:   s.Priority,
		}
		if len(s.Parameters) > 0 {
			p, err := json.Marshal(s.Parameters)
			if err != nil {
				return req, fmt.Errorf("step %s parameters: %w", s.StepID, err)
			}
			step.Parameters = p
		}
		req.Steps = append(req.Steps, step)
	}
	return req, nil
}

func newWorkflowApplyCmd(server *string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:     "apply",
		Aliases: []string{"submit"},
		Short:   "Create a workflow from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("-f is required")
			}
			req, err := loadWorkflowFile(file)
			if err != nil {
				return err
			}
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			resp, err := c.CreateWorkflow(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created workflow %s (%s)\n", resp.WorkflowID, resp.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Workflow definition YAML")
	return cmd
}

func newWorkflowGetCmd(server *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Show a workflow and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			wf, err := c.Workflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, wf)
		},
	}
	return cmd
}

func newWorkflowListCmd(server *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			wfs, err := c.Workflows(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(wfs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No workflows.")
				return nil
			}
			for _, wf := range wfs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s  %-9s  %s  steps=%d progress=%.0f%%\n",
					wf.WorkflowID, wf.Status, wf.Name, len(wf.Steps), wf.Progress*100)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Max results (0 = server default)")
	return cmd
}

func newWorkflowCancelCmd(server *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a workflow and its outstanding steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			resp, err := c.CancelWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if resp.Code == models.CodeAlreadyTerminal {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s had already finished (%s)\n", resp.WorkflowID, resp.Status)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled workflow %s\n", resp.WorkflowID)
			return nil
		},
	}
	return cmd
}
