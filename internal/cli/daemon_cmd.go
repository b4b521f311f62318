package cli

import (
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/config"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var flags startFlags

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), flags.options(home))
		},
	}

	flags.register(cmd)
	return cmd
}
