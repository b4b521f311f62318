package cli

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/config"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/daemon"
	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/client"
	"github.com/spf13/cobra"
)

// apiClient builds a client for the running daemon. serverOverride (the
// --server flag) wins; otherwise the daemon's addr file is used. The API key
// comes from config.yaml, falling back to LEXOS_API_KEY.
func apiClient(cmd *cobra.Command, serverOverride string) (*client.Client, error) {
	home := config.MustHomeFrom(cmd.Context())

	baseURL := serverOverride
	if baseURL == "" {
		st, err := daemon.Status(cmd.Context(), home)
		if err != nil {
			return nil, err
		}
		if !st.Running {
			return nil, fmt.Errorf("lexos is not running; start it with `lexos start` or pass --server")
		}
		baseURL = "http://" + dialableAddr(st.Addr)
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	key := os.Getenv("LEXOS_API_KEY")
	if cfg, err := config.Load(home); err == nil && cfg.APIKey != "" {
		key = cfg.APIKey
	}
	return client.New(baseURL, key), nil
}

// dialableAddr rewrites wildcard listen addresses into loopback ones.
func dialableAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "0.0.0.0" || host == "::" || host == "" {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return addr
}
