package cli

import (
	"errors"
	"fmt"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent registrations",
	}
	cmd.PersistentFlags().StringVarP(&server, "server", "s", "", "Daemon base URL (default: the running daemon's address)")

	cmd.AddCommand(newAgentRegisterCmd(&server))
	cmd.AddCommand(newAgentGetCmd(&server))
	cmd.AddCommand(newAgentListCmd(&server))
	cmd.AddCommand(newAgentRemoveCmd(&server))
	return cmd
}

func newAgentRegisterCmd(server *string) *cobra.Command {
	var (
		agentID       string
		capabilities  []string
		maxConcurrent int
		executorName  string
		endpoint      string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent (re-registering updates it in place)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return errors.New("--id is required")
			}
			caps := make([]models.Capability, 0, len(capabilities))
			for _, name := range capabilities {
				caps = append(caps, models.Capability{Name: name})
			}
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			agent, err := c.RegisterAgent(cmd.Context(), models.RegisterAgentRequest{
				AgentID:               agentID,
				Capabilities:          caps,
				MaxConcurrentRequests: maxConcurrent,
				Executor:              executorName,
				Endpoint:              endpoint,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered agent %s (executor=%s, max_concurrent=%d)\n",
				agent.AgentID, agent.Executor, agent.MaxConcurrentRequests)
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "id", "", "Agent ID")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Capability name (repeatable); empty accepts any task type")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Concurrent task cap (0 = server default)")
	cmd.Flags().StringVar(&executorName, "executor", "", "Executor: stub, subprocess, or http")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Callback URL (required for the http executor)")
	return cmd
}

func newAgentGetCmd(server *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show an agent's registration and live load",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			agent, err := c.Agent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, agent)
		},
	}
	return cmd
}

func newAgentListCmd(server *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			agents, err := c.Agents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
				return nil
			}
			for _, a := range agents {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s  %-8s  load %d/%d  completed=%d success=%.0f%%\n",
					a.AgentID, a.Status, a.CurrentTasks, a.MaxConcurrentRequests,
					a.TotalTasksCompleted, a.SuccessRate*100)
			}
			return nil
		},
	}
	return cmd
}

func newAgentRemoveCmd(server *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <agent-id>",
		Aliases: []string{"deactivate"},
		Short:   "Deactivate an agent (queued tasks stay queued)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd, *server)
			if err != nil {
				return err
			}
			agent, err := c.DeactivateAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deactivated agent %s\n", agent.AgentID)
			return nil
		},
	}
	return cmd
}
