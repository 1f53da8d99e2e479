package spawn_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vardaSoft/antfarm/internal/events"
	"github.com/vardaSoft/antfarm/internal/pipeline"
	"github.com/vardaSoft/antfarm/internal/spawn"
	"github.com/vardaSoft/antfarm/internal/store"
	"github.com/vardaSoft/antfarm/internal/workflow"
)

// fakeGateway records spawn requests and serves canned responses.
type fakeGateway struct {
	calls    []spawn.SpawnRequest
	failCall error
	session  string
}

func (f *fakeGateway) CallAgent(_ context.Context, req spawn.SpawnRequest) (string, error) {
	if f.failCall != nil {
		return "", f.failCall
	}
	f.calls = append(f.calls, req)
	return "accepted-" + req.AgentID, nil
}

func (f *fakeGateway) SessionID(context.Context, string) (string, error) {
	return f.session, nil
}

type rig struct {
	store   *store.Store
	engine  *pipeline.Engine
	journal *events.Journal
	gateway *fakeGateway
	spawner *spawn.Spawner
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "antfarm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	journal := events.NewJournal(events.Config{Path: filepath.Join(dir, "events.jsonl")})
	engine := pipeline.New(pipeline.Config{Store: st, Journal: journal, StateDir: dir})
	gateway := &fakeGateway{session: "sess-1"}
	spawner := spawn.New(spawn.Config{
		Engine:  engine,
		Store:   st,
		Gateway: gateway,
		Journal: journal,
	})
	return &rig{store: st, engine: engine, journal: journal, gateway: gateway, spawner: spawner}
}

func echoSpec() *workflow.Spec {
	return &workflow.Spec{
		ID:     "echo",
		Agents: []workflow.Agent{{ID: "echo_echo", TimeoutSeconds: 1800, Thinking: "low"}},
		Steps:  []workflow.Step{{ID: "echo", Agent: "echo_echo", Input: "Echo this text: {{task}}"}},
	}
}

func (r *rig) stepByName(t *testing.T, runID, stepID string) *store.Step {
	t.Helper()
	steps, err := r.store.RunSteps(context.Background(), runID)
	if err != nil {
		t.Fatalf("run steps: %v", err)
	}
	for _, st := range steps {
		if st.StepID == stepID {
			return st
		}
	}
	t.Fatalf("step %s not found", stepID)
	return nil
}

func TestSpawnSuccess(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	spec := echoSpec()

	run, err := r.engine.StartRun(ctx, spec, "hello", pipeline.StartRunOptions{Scheduler: "daemon"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	res := r.spawner.PeekAndSpawn(ctx, "echo_echo", spec, "daemon")
	if res.Err != nil || !res.Spawned {
		t.Fatalf("expected successful spawn, got %+v", res)
	}
	if res.SessionID != "sess-1" {
		t.Fatalf("session id = %q", res.SessionID)
	}

	step := r.stepByName(t, run.ID, "echo")
	if step.Status != store.StepRunning {
		t.Fatalf("expected running step, got %s", step.Status)
	}
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "sess-1" || sessions[0].RunID != run.ID {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	// The Gateway request carries the protocol fields.
	if len(r.gateway.calls) != 1 {
		t.Fatalf("expected 1 gateway call, got %d", len(r.gateway.calls))
	}
	req := r.gateway.calls[0]
	// <workflow>_<agent> for workflow "echo" and agent "echo_echo".
	if req.AgentID != "echo_echo_echo" {
		t.Fatalf("unexpected gateway agent id %q", req.AgentID)
	}
	if !strings.HasPrefix(req.IdempotencyKey, "antfarm:"+run.ID+":echo:root:") {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}
	if req.Timeout != 1800 || req.Thinking != "low" {
		t.Fatalf("unexpected timeout/thinking: %d %q", req.Timeout, req.Thinking)
	}
	if !strings.Contains(req.Message, "Echo this text: hello") ||
		!strings.Contains(req.Message, "step complete") {
		t.Fatalf("prompt missing input or completion instructions: %q", req.Message)
	}

	evs, err := r.journal.ByRun(run.ID, 50)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	found := false
	for _, ev := range evs {
		if ev.Event == events.StepRunning && ev.SessionID == "sess-1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected step.running event with session id")
	}
}

func TestSpawnFailureRollsBack(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	spec := echoSpec()
	r.gateway.failCall = errors.New("gateway down")

	run, err := r.engine.StartRun(ctx, spec, "hello", pipeline.StartRunOptions{Scheduler: "daemon"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	res := r.spawner.PeekAndSpawn(ctx, "echo_echo", spec, "daemon")
	if res.Spawned || !res.Rollback || res.Err == nil {
		t.Fatalf("expected rollback result, got %+v", res)
	}

	step := r.stepByName(t, run.ID, "echo")
	if step.Status != store.StepPending {
		t.Fatalf("expected pending after rollback, got %s", step.Status)
	}
	if step.RetryCount != 0 {
		t.Fatalf("rollback must not charge retries, got %d", step.RetryCount)
	}
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("no session may be recorded, got %+v", sessions)
	}

	evs, err := r.journal.ByRun(run.ID, 50)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	found := false
	for _, ev := range evs {
		if ev.Event == events.StepRollback {
			found = true
		}
	}
	if !found {
		t.Fatal("expected step.rollback event")
	}

	// The next attempt can claim the same step again.
	r.gateway.failCall = nil
	res = r.spawner.PeekAndSpawn(ctx, "echo_echo", spec, "daemon")
	if !res.Spawned {
		t.Fatalf("expected retryable spawn, got %+v", res)
	}
}

func TestNoWork(t *testing.T) {
	r := newRig(t)
	res := r.spawner.PeekAndSpawn(context.Background(), "echo_echo", echoSpec(), "daemon")
	if res.Spawned || res.Reason != "no_work" {
		t.Fatalf("expected no_work, got %+v", res)
	}
}

func TestStoryAlreadyClaimed(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	spec := &workflow.Spec{
		ID:     "feature",
		Agents: []workflow.Agent{{ID: "planner"}, {ID: "coder"}},
		Steps: []workflow.Step{
			{ID: "plan", Agent: "planner", Input: "Plan {{task}}"},
			{ID: "implement", Agent: "coder", Input: "Do {{current_story}}", Type: "loop"},
		},
	}
	run, err := r.engine.StartRun(ctx, spec, "ship", pipeline.StartRunOptions{Scheduler: "daemon"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	// Plan emits one story; the daemon spawns it.
	if res := r.spawner.PeekAndSpawn(ctx, "planner", spec, "daemon"); !res.Spawned {
		t.Fatalf("plan spawn: %+v", res)
	}
	planStep := r.stepByName(t, run.ID, "plan")
	if _, err := r.engine.CompleteStep(ctx, planStep.ID,
		`STORIES_JSON: [{"id":"s1","title":"t","description":"d","acceptanceCriteria":["a"]}]`); err != nil {
		t.Fatalf("complete plan: %v", err)
	}
	if res := r.spawner.PeekAndSpawn(ctx, "coder", spec, "daemon"); !res.Spawned {
		t.Fatalf("story spawn: %+v", res)
	}

	// The story's worker is still out; another tick must not double-spawn.
	res := r.spawner.PeekAndSpawn(ctx, "coder", spec, "daemon")
	if res.Spawned || res.Reason != "story_already_claimed" {
		t.Fatalf("expected story_already_claimed, got %+v", res)
	}
}

func TestSpawnAfterCancellationDoesNotRun(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	spec := echoSpec()

	run, err := r.engine.StartRun(ctx, spec, "hello", pipeline.StartRunOptions{Scheduler: "daemon"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	// Cancel between the claim and the confirm by hooking the gateway call.
	cancelling := &cancellingGateway{inner: r.gateway, cancel: func() {
		if err := r.engine.CancelRun(ctx, run.ID); err != nil {
			t.Errorf("cancel run: %v", err)
		}
	}}
	spawner := spawn.New(spawn.Config{
		Engine:  r.engine,
		Store:   r.store,
		Gateway: cancelling,
		Journal: r.journal,
	})

	res := spawner.PeekAndSpawn(ctx, "echo_echo", spec, "daemon")
	if res.Err != nil {
		t.Fatalf("spawn: %v", res.Err)
	}
	if res.Spawned {
		t.Fatalf("cancelled run must not confirm a spawn, got %+v", res)
	}
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("no session may exist for a cancelled run, got %+v", sessions)
	}
}

type cancellingGateway struct {
	inner  spawn.Gateway
	cancel func()
	once   bool
}

func (c *cancellingGateway) CallAgent(ctx context.Context, req spawn.SpawnRequest) (string, error) {
	id, err := c.inner.CallAgent(ctx, req)
	if !c.once {
		c.once = true
		c.cancel()
	}
	return id, err
}

func (c *cancellingGateway) SessionID(ctx context.Context, runID string) (string, error) {
	return c.inner.SessionID(ctx, runID)
}
