// Package manifest loads the declarative agent roster from <home>/agents.yaml.
// The daemon applies it at startup, after the store's roster is restored, so
// a manifest kept in version control survives a wiped database.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/pkg/models"
)

// Entry is one declared agent.
type Entry struct {
	AgentID       string   `yaml:"agent_id"`
	Capabilities  []string `yaml:"capabilities"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Executor      string   `yaml:"executor"`
	Endpoint      string   `yaml:"endpoint"`
}

type file struct {
	Agents []Entry `yaml:"agents"`
}

// Path returns <home>/agents.yaml.
func Path(home string) string {
	return filepath.Join(home, "agents.yaml")
}

// Load reads the manifest and converts entries to registration requests.
// A missing file is not an error; it returns nil.
func Load(home string) ([]models.RegisterAgentRequest, error) {
	data, err := os.ReadFile(Path(home))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var mf file
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", Path(home), err)
	}

	out := make([]models.RegisterAgentRequest, 0, len(mf.Agents))
	for _, e := range mf.Agents {
		req := models.RegisterAgentRequest{
			AgentID:               e.AgentID,
			MaxConcurrentRequests: e.MaxConcurrent,
			Executor:              e.Executor,
			Endpoint:              e.Endpoint,
		}
		for _, c := range e.Capabilities {
			req.Capabilities = append(req.Capabilities, models.Capability{Name: c})
		}
		out = append(out, req)
	}
	return out, nil
}
