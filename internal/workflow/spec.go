// Package workflow loads and caches workflow definitions. A definition names
// the agents of a workflow and its ordered steps; it is parsed from YAML once
// per run and held read-only in memory.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vardaSoft/antfarm/internal/store"
)

const defaultAgentTimeoutSeconds = 3600

// Agent is a named role in the workflow mapping to a worker identity.
type Agent struct {
	ID             string `yaml:"id"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	Thinking       string `yaml:"thinking"` // off|minimal|low|medium|high
}

// Step declares one ordered unit of work.
type Step struct {
	ID         string            `yaml:"id"`
	Agent      string            `yaml:"agent"`
	Input      string            `yaml:"input"`
	Expects    string            `yaml:"expects"`
	Type       string            `yaml:"type"` // single (default) | loop
	MaxRetries int               `yaml:"maxRetries"`
	Loop       *store.LoopConfig `yaml:"loop"`
}

// Spec is a parsed workflow definition.
type Spec struct {
	ID    string  `yaml:"id"`
	Name  string  `yaml:"name"`
	Agents []Agent `yaml:"agents"`
	Steps  []Step  `yaml:"steps"`

	// PollTimeoutSeconds is a legacy workflow-level timeout accepted as a
	// lower-precedence alias for agent timeoutSeconds.
	PollTimeoutSeconds int `yaml:"pollTimeoutSeconds"`
}

// AgentByID resolves an agent declaration, nil when unknown.
func (s *Spec) AgentByID(id string) *Agent {
	for i := range s.Agents {
		if s.Agents[i].ID == id {
			return &s.Agents[i]
		}
	}
	return nil
}

// AgentTimeoutSeconds resolves the per-step timeout: agent timeoutSeconds
// first, then the workflow-level pollTimeoutSeconds alias, then the default.
func (s *Spec) AgentTimeoutSeconds(agentID string) int {
	if a := s.AgentByID(agentID); a != nil && a.TimeoutSeconds > 0 {
		return a.TimeoutSeconds
	}
	if s.PollTimeoutSeconds > 0 {
		return s.PollTimeoutSeconds
	}
	return defaultAgentTimeoutSeconds
}

// MaxAgentTimeoutSeconds returns the largest declared agent timeout,
// defaulting when no agent declares one. The sweeper derives its abandonment
// cutoff from this.
func (s *Spec) MaxAgentTimeoutSeconds() int {
	max := 0
	for _, a := range s.Agents {
		if a.TimeoutSeconds > max {
			max = a.TimeoutSeconds
		}
	}
	if max == 0 {
		if s.PollTimeoutSeconds > 0 {
			return s.PollTimeoutSeconds
		}
		return defaultAgentTimeoutSeconds
	}
	return max
}

// Validate checks structural integrity of a parsed definition.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("workflow %s declares no steps", s.ID)
	}
	agents := map[string]bool{}
	for _, a := range s.Agents {
		if a.ID == "" {
			return fmt.Errorf("workflow %s: agent with empty id", s.ID)
		}
		if agents[a.ID] {
			return fmt.Errorf("workflow %s: duplicate agent %q", s.ID, a.ID)
		}
		agents[a.ID] = true
	}
	seen := map[string]bool{}
	for _, st := range s.Steps {
		if st.ID == "" {
			return fmt.Errorf("workflow %s: step with empty id", s.ID)
		}
		if seen[st.ID] {
			return fmt.Errorf("workflow %s: duplicate step %q", s.ID, st.ID)
		}
		seen[st.ID] = true
		if !agents[st.Agent] {
			return fmt.Errorf("workflow %s: step %q names unknown agent %q", s.ID, st.ID, st.Agent)
		}
		switch st.Type {
		case "", "single", "loop":
		default:
			return fmt.Errorf("workflow %s: step %q has invalid type %q", s.ID, st.ID, st.Type)
		}
	}
	for _, st := range s.Steps {
		if st.Loop != nil && st.Loop.VerifyStep != "" && !seen[st.Loop.VerifyStep] {
			return fmt.Errorf("workflow %s: loop step %q names missing verify step %q", s.ID, st.ID, st.Loop.VerifyStep)
		}
	}
	return nil
}

// SpecPath returns the on-disk definition location for a workflow id.
func SpecPath(root, workflowID string) string {
	return filepath.Join(root, "workflows", workflowID, "workflow.yaml")
}

// LoadSpec parses and validates the definition at path.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse workflow definition %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}
