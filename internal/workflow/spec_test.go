package workflow_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vardaSoft/antfarm/internal/workflow"
)

const echoWorkflowYAML = `
id: echo
name: Echo
agents:
  - id: echo_echo
    timeoutSeconds: 1800
    thinking: low
steps:
  - id: echo
    agent: echo_echo
    input: "Echo this text: {{task}}"
    expects: STATUS
`

func writeWorkflow(t *testing.T, root, id, body string) {
	t.Helper()
	dir := filepath.Join(root, "workflows", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "workflow.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
}

func TestLoadSpec(t *testing.T) {
	root := t.TempDir()
	writeWorkflow(t, root, "echo", echoWorkflowYAML)

	spec, err := workflow.LoadSpec(workflow.SpecPath(root, "echo"))
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}
	if spec.ID != "echo" || len(spec.Steps) != 1 || spec.Steps[0].Agent != "echo_echo" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func TestSpecValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown agent", `
id: bad
agents:
  - id: a
steps:
  - id: s1
    agent: nobody
`},
		{"duplicate step", `
id: bad
agents:
  - id: a
steps:
  - id: s1
    agent: a
  - id: s1
    agent: a
`},
		{"missing verify step", `
id: bad
agents:
  - id: a
steps:
  - id: s1
    agent: a
    type: loop
    loop:
      verifyEach: true
      verifyStep: nope
`},
		{"invalid type", `
id: bad
agents:
  - id: a
steps:
  - id: s1
    agent: a
    type: parallel
`},
		{"no steps", `
id: bad
agents:
  - id: a
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeWorkflow(t, root, "bad", tc.body)
			if _, err := workflow.LoadSpec(workflow.SpecPath(root, "bad")); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAgentTimeoutPrecedence(t *testing.T) {
	spec := &workflow.Spec{
		ID:                 "wf",
		Agents:             []workflow.Agent{{ID: "fast", TimeoutSeconds: 600}, {ID: "slow"}},
		Steps:              []workflow.Step{{ID: "s1", Agent: "fast"}},
		PollTimeoutSeconds: 900,
	}
	if got := spec.AgentTimeoutSeconds("fast"); got != 600 {
		t.Fatalf("agent timeout should win, got %d", got)
	}
	// The workflow-level value is a lower-precedence alias.
	if got := spec.AgentTimeoutSeconds("slow"); got != 900 {
		t.Fatalf("workflow alias should apply, got %d", got)
	}
	spec.PollTimeoutSeconds = 0
	if got := spec.AgentTimeoutSeconds("slow"); got != 3600 {
		t.Fatalf("default should apply, got %d", got)
	}
}
