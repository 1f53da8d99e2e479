package recovery

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/vardaSoft/antfarm/internal/events"
	"github.com/vardaSoft/antfarm/internal/pipeline"
	"github.com/vardaSoft/antfarm/internal/store"
)

type rig struct {
	store   *store.Store
	engine  *pipeline.Engine
	sweeper *Sweeper
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
	// No cache: the sweeper falls back to the one-hour default timeout.
	sweeper := New(Config{Store: st, Engine: engine, Journal: journal})
	return &rig{store: st, engine: engine, sweeper: sweeper}
}

func (r *rig) newRun(t *testing.T, id string) *store.Run {
	t.Helper()
	run := &store.Run{ID: id, WorkflowID: "wf", Task: "t", Status: store.RunRunning, Scheduler: "daemon"}
	err := r.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		return r.store.CreateRunTx(context.Background(), tx, run)
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (r *rig) newStep(t *testing.T, st *store.Step) {
	t.Helper()
	err := r.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		return r.store.InsertStepTx(context.Background(), tx, st)
	})
	if err != nil {
		t.Fatalf("insert step: %v", err)
	}
}

// age pushes a row's updated_at into the past.
func (r *rig) age(t *testing.T, table, id, offset string) {
	t.Helper()
	if _, err := r.store.DB().Exec(
		"UPDATE "+table+" SET updated_at = datetime('now', ?) WHERE id = ?;", offset, id); err != nil {
		t.Fatalf("age %s row: %v", table, err)
	}
}

func (r *rig) getStep(t *testing.T, id string) *store.Step {
	t.Helper()
	st, err := r.store.GetStep(context.Background(), id)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	return st
}

func TestAbandonedStepRequeuedWithoutRetryCharge(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	run := r.newRun(t, "run-1")
	r.newStep(t, &store.Step{
		ID: "step-1", RunID: run.ID, StepID: "work", AgentID: "agent",
		StepIndex: 0, MaxRetries: 3, Status: store.StepPending,
	})
	walk(t, r.store, "step-1", store.StepPending, store.StepClaiming, store.StepRunning)
	r.age(t, "steps", "step-1", "-2 hours")

	r.sweeper.Sweep(ctx)

	st := r.getStep(t, "step-1")
	if st.Status != store.StepPending {
		t.Fatalf("expected requeue, got %s", st.Status)
	}
	if st.AbandonedCount != 1 {
		t.Fatalf("abandoned_count = %d, want 1", st.AbandonedCount)
	}
	if st.RetryCount != 0 {
		t.Fatalf("abandonment must not charge retries, retry_count = %d", st.RetryCount)
	}
}

func TestFifthAbandonmentFailsStepAndRun(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	run := r.newRun(t, "run-1")
	r.newStep(t, &store.Step{
		ID: "step-1", RunID: run.ID, StepID: "work", AgentID: "agent",
		StepIndex: 0, MaxRetries: 3, Status: store.StepPending,
	})

	for i := 0; i < 5; i++ {
		walk(t, r.store, "step-1", store.StepPending, store.StepClaiming, store.StepRunning)
		r.age(t, "steps", "step-1", "-2 hours")
		r.sweeper.Sweep(ctx)
	}

	st := r.getStep(t, "step-1")
	if st.Status != store.StepFailed || st.AbandonedCount != 5 {
		t.Fatalf("after 5 abandonments: status=%s count=%d", st.Status, st.AbandonedCount)
	}
	gotRun, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if gotRun.Status != store.RunFailed {
		t.Fatalf("expected failed run, got %s", gotRun.Status)
	}
}

func TestRecentRunningStepIsLeftAlone(t *testing.T) {
	r := newRig(t)
	run := r.newRun(t, "run-1")
	r.newStep(t, &store.Step{
		ID: "step-1", RunID: run.ID, StepID: "work", AgentID: "agent",
		StepIndex: 0, Status: store.StepPending,
	})
	walk(t, r.store, "step-1", store.StepPending, store.StepClaiming, store.StepRunning)

	r.sweeper.Sweep(context.Background())

	if st := r.getStep(t, "step-1"); st.Status != store.StepRunning || st.AbandonedCount != 0 {
		t.Fatalf("fresh step must be untouched: status=%s count=%d", st.Status, st.AbandonedCount)
	}
}

func TestLoopParkedOnVerifyIsSkipped(t *testing.T) {
	r := newRig(t)
	run := r.newRun(t, "run-1")
	r.newStep(t, &store.Step{
		ID: "loop-1", RunID: run.ID, StepID: "implement", AgentID: "coder",
		StepIndex: 0, Type: store.StepTypeLoop,
		LoopConfig: &store.LoopConfig{VerifyEach: true, VerifyStep: "verify"},
		Status:     store.StepPending,
	})
	r.newStep(t, &store.Step{
		ID: "verify-1", RunID: run.ID, StepID: "verify", AgentID: "checker",
		StepIndex: 1, Status: store.StepWaiting,
	})
	walk(t, r.store, "loop-1", store.StepPending, store.StepClaiming, store.StepRunning)
	r.age(t, "steps", "loop-1", "-2 hours")

	r.sweeper.Sweep(context.Background())

	if st := r.getStep(t, "loop-1"); st.Status != store.StepRunning {
		t.Fatalf("parked loop must be skipped, got %s", st.Status)
	}
}

func TestClaimSweepRevertsStaleClaims(t *testing.T) {
	r := newRig(t)
	run := r.newRun(t, "run-1")
	r.newStep(t, &store.Step{
		ID: "step-1", RunID: run.ID, StepID: "work", AgentID: "agent",
		StepIndex: 0, MaxRetries: 3, Status: store.StepPending,
	})
	walk(t, r.store, "step-1", store.StepPending, store.StepClaiming)
	r.age(t, "steps", "step-1", "-10 minutes")

	r.sweeper.SweepClaims(context.Background())

	st := r.getStep(t, "step-1")
	if st.Status != store.StepPending {
		t.Fatalf("stale claim must revert, got %s", st.Status)
	}
	if st.RetryCount != 1 {
		t.Fatalf("stale claim charges a retry, got %d", st.RetryCount)
	}
}

func TestClaimSweepLeavesFreshClaims(t *testing.T) {
	r := newRig(t)
	run := r.newRun(t, "run-1")
	r.newStep(t, &store.Step{
		ID: "step-1", RunID: run.ID, StepID: "work", AgentID: "agent",
		StepIndex: 0, Status: store.StepPending,
	})
	walk(t, r.store, "step-1", store.StepPending, store.StepClaiming)

	r.sweeper.SweepClaims(context.Background())

	if st := r.getStep(t, "step-1"); st.Status != store.StepClaiming {
		t.Fatalf("fresh claim must survive, got %s", st.Status)
	}
}

func TestStuckPipelineIsAdvanced(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	run := r.newRun(t, "run-1")
	r.newStep(t, &store.Step{
		ID: "loop-1", RunID: run.ID, StepID: "implement", AgentID: "coder",
		StepIndex: 0, Type: store.StepTypeLoop, Status: store.StepPending,
	})
	r.newStep(t, &store.Step{
		ID: "ship-1", RunID: run.ID, StepID: "ship", AgentID: "shipper",
		StepIndex: 1, Status: store.StepWaiting,
	})
	// The loop finished but the process died before advancement.
	walk(t, r.store, "loop-1", store.StepPending, store.StepDone)

	r.sweeper.Sweep(ctx)

	if st := r.getStep(t, "ship-1"); st.Status != store.StepPending {
		t.Fatalf("stuck pipeline must advance, got %s", st.Status)
	}
}

func TestMaybeSweepIsThrottled(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	run := r.newRun(t, "run-1")
	r.newStep(t, &store.Step{
		ID: "step-1", RunID: run.ID, StepID: "work", AgentID: "agent",
		StepIndex: 0, Status: store.StepPending,
	})

	base := time.Now()
	r.sweeper.now = func() time.Time { return base }
	r.sweeper.MaybeSweep(ctx)

	// Make the step sweepable, then call again inside the throttle window.
	walk(t, r.store, "step-1", store.StepPending, store.StepClaiming, store.StepRunning)
	r.age(t, "steps", "step-1", "-2 hours")
	r.sweeper.MaybeSweep(ctx)
	if st := r.getStep(t, "step-1"); st.Status != store.StepRunning {
		t.Fatalf("throttled sweep must not run, got %s", st.Status)
	}

	// Past the throttle the sweep runs.
	r.sweeper.now = func() time.Time { return base.Add(sweepThrottle + time.Second) }
	r.sweeper.MaybeSweep(ctx)
	if st := r.getStep(t, "step-1"); st.Status != store.StepPending {
		t.Fatalf("expected sweep after throttle, got %s", st.Status)
	}
}

// walk advances a step through the given status hops.
func walk(t *testing.T, st *store.Store, stepID string, hops ...store.StepStatus) {
	t.Helper()
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		for i := 0; i+1 < len(hops); i++ {
			ok, err := st.SetStepStatusTx(ctx, tx, stepID, hops[i], hops[i+1])
			if err != nil {
				return err
			}
			if !ok {
				t.Fatalf("transition %s -> %s did not apply", hops[i], hops[i+1])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk step: %v", err)
	}
}
