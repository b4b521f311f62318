package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/config"
	"github.com/spf13/cobra"
)

func newApikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Generate an API key for protecting the server when exposed over a network",
	}
	cmd.AddCommand(newApikeyGenerateCmd())
	return cmd
}

func newApikeyGenerateCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random API key and print usage instructions",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := make([]byte, 32)
			if _, err := rand.Read(b); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			key := hex.EncodeToString(b)

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, "Generated API key (save it somewhere safe):")
			_, _ = fmt.Fprintln(out)
			_, _ = fmt.Fprintln(out, "  "+key)
			_, _ = fmt.Fprintln(out)

			if save {
				home := config.MustHomeFrom(cmd.Context())
				cfg, err := config.Load(home)
				if err != nil {
					return err
				}
				cfg.APIKey = key
				if err := config.Save(home, cfg); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Saved to %s; restart the daemon to apply.\n", config.Path(home))
			} else {
				_, _ = fmt.Fprintln(out, "Use it:")
				_, _ = fmt.Fprintln(out, "  1. On the server: export LEXOS_API_KEY="+key)
				_, _ = fmt.Fprintln(out, "     Or run: lexos apikey generate --save (writes config.yaml)")
				_, _ = fmt.Fprintln(out, "  2. In clients: send header Authorization: Bearer <key>")
				_, _ = fmt.Fprintln(out, "     (SSE clients may use ?api_key=<key> instead)")
			}
			_, _ = fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "Write the key into <home>/config.yaml")
	return cmd
}
