package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/config"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/daemon"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/store/sqlite"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify the local environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			out := cmd.OutOrStdout()

			var problems []string

			if err := os.MkdirAll(home, 0o755); err != nil {
				problems = append(problems, fmt.Sprintf("home not writable: %v", err))
			} else {
				probe := filepath.Join(home, ".doctor")
				if err := os.WriteFile(probe, nil, 0o644); err != nil {
					problems = append(problems, fmt.Sprintf("home not writable: %v", err))
				} else {
					_ = os.Remove(probe)
				}
			}

			cfg, err := config.Load(home)
			if err != nil {
				problems = append(problems, fmt.Sprintf("config: %v", err))
			}

			// Open the store the daemon would use; a running daemon holds the
			// same SQLite file, so only probe when stopped.
			st, _ := daemon.Status(cmd.Context(), home)
			if st.Running {
				_, _ = fmt.Fprintf(out, "daemon running (pid %d, addr %s)\n", st.PID, st.Addr)
			} else if cfg.DBDriver != "postgres" {
				db, err := sqlite.Open(home)
				if err != nil {
					problems = append(problems, fmt.Sprintf("sqlite: %v", err))
				} else {
					_ = db.Close()
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "ok")
			return nil
		},
	}
	return cmd
}
