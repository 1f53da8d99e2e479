package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/vardaSoft/antfarm/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "antfarm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func createRun(t *testing.T, s *store.Store, id, workflowID, scheduler string) *store.Run {
	t.Helper()
	run := &store.Run{
		ID:         id,
		WorkflowID: workflowID,
		Task:       "test task",
		Status:     store.RunRunning,
		Scheduler:  scheduler,
	}
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.CreateRunTx(context.Background(), tx, run)
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func insertStep(t *testing.T, s *store.Store, st *store.Step) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.InsertStepTx(context.Background(), tx, st)
	})
	if err != nil {
		t.Fatalf("insert step: %v", err)
	}
}

func TestOpenConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "runs", "steps", "stories", "active_sessions"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "antfarm.db")
	s1, err := store.Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s2, err := store.Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = s2.Close()
}

func TestRunNumbersAreMonotonic(t *testing.T) {
	s := openTestStore(t)
	r1 := createRun(t, s, "run-1", "wf", "daemon")
	r2 := createRun(t, s, "run-2", "wf", "daemon")
	if r1.RunNumber != 1 || r2.RunNumber != 2 {
		t.Fatalf("expected run numbers 1 and 2, got %d and %d", r1.RunNumber, r2.RunNumber)
	}
}

func TestCreateRunRejectsInvalidScheduler(t *testing.T) {
	s := openTestStore(t)
	run := &store.Run{ID: "run-bad", WorkflowID: "wf", Scheduler: "carrier-pigeon"}
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.CreateRunTx(context.Background(), tx, run)
	})
	if err == nil {
		t.Fatal("expected invalid scheduler to be rejected")
	}
}

func TestRunTerminalStatusIsAbsorbing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := createRun(t, s, "run-1", "wf", "daemon")

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		changed, err := s.SetRunStatusTx(ctx, tx, run.ID, store.RunCancelled)
		if err != nil {
			return err
		}
		if !changed {
			t.Fatal("expected cancellation to apply")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("cancel run: %v", err)
	}

	// Any further transition is a silent no-op.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		changed, err := s.SetRunStatusTx(ctx, tx, run.ID, store.RunCompleted)
		if err != nil {
			return err
		}
		if changed {
			t.Fatal("terminal run must not transition again")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("re-transition: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestStepTransitionGuards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := createRun(t, s, "run-1", "wf", "daemon")
	insertStep(t, s, &store.Step{
		ID: "step-1", RunID: run.ID, StepID: "echo", AgentID: "echo_echo",
		StepIndex: 0, MaxRetries: 3, Status: store.StepPending,
	})

	// pending -> running skips claiming and must error.
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.SetStepStatusTx(ctx, tx, "step-1", store.StepPending, store.StepRunning)
		return err
	})
	if err == nil {
		t.Fatal("expected illegal transition pending -> running to error")
	}

	// Wrong expected-from is a lost race, not an error.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.SetStepStatusTx(ctx, tx, "step-1", store.StepRunning, store.StepDone)
		if err != nil {
			return err
		}
		if ok {
			t.Fatal("expected no-op for mismatched from-state")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("mismatched transition: %v", err)
	}

	// The legal path works.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, hop := range []struct{ from, to store.StepStatus }{
			{store.StepPending, store.StepClaiming},
			{store.StepClaiming, store.StepRunning},
			{store.StepRunning, store.StepDone},
		} {
			ok, err := s.SetStepStatusTx(ctx, tx, "step-1", hop.from, hop.to)
			if err != nil {
				return err
			}
			if !ok {
				t.Fatalf("transition %s -> %s did not apply", hop.from, hop.to)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lifecycle walk: %v", err)
	}
}

func TestPendingStepSelectionSkipsDeadRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	deadRun := createRun(t, s, "run-dead", "wf", "daemon")
	liveRun := createRun(t, s, "run-live", "wf", "daemon")
	insertStep(t, s, &store.Step{
		ID: "step-dead", RunID: deadRun.ID, StepID: "a", AgentID: "agent",
		StepIndex: 0, Status: store.StepPending,
	})
	insertStep(t, s, &store.Step{
		ID: "step-live", RunID: liveRun.ID, StepID: "a", AgentID: "agent",
		StepIndex: 0, Status: store.StepPending,
	})
	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.SetRunStatusTx(ctx, tx, deadRun.ID, store.RunFailed)
		return err
	}); err != nil {
		t.Fatalf("fail run: %v", err)
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		st, err := s.PendingStepForAgentTx(ctx, tx, "agent")
		if err != nil {
			return err
		}
		if st.ID != "step-live" {
			t.Fatalf("expected step-live, got %s", st.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("select pending: %v", err)
	}
}

func TestDistinctDaemonWorkflowsIgnoresCronRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	createRun(t, s, "run-daemon", "wf-daemon", "daemon")
	createRun(t, s, "run-cron", "wf-cron", "cron")
	createRun(t, s, "run-null", "wf-null", "") // null scheduler is treated as cron

	workflows, err := s.DistinctDaemonWorkflows(ctx)
	if err != nil {
		t.Fatalf("distinct daemon workflows: %v", err)
	}
	if len(workflows) != 1 || workflows[0] != "wf-daemon" {
		t.Fatalf("expected only wf-daemon, got %v", workflows)
	}
}

func TestActiveSessionCompositeKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := createRun(t, s, "run-1", "wf", "daemon")
	insertStep(t, s, &store.Step{
		ID: "step-1", RunID: run.ID, StepID: "work", AgentID: "agent",
		StepIndex: 0, Status: store.StepPending,
	})

	insert := func(storyID, sessionID string) {
		t.Helper()
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return s.InsertSessionTx(ctx, tx, &store.ActiveSession{
				AgentID: "agent", StepID: "step-1", StoryID: storyID,
				RunID: run.ID, SessionID: sessionID, SpawnedBy: "daemon",
			})
		})
		if err != nil {
			t.Fatalf("insert session: %v", err)
		}
	}

	insert("", "sess-step")
	insert("story-1", "sess-story")
	insert("", "sess-step-2") // replaces sess-step under the same key

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	byStory := map[string]string{}
	for _, sess := range sessions {
		byStory[sess.StoryID] = sess.SessionID
	}
	if byStory[""] != "sess-step-2" || byStory["story-1"] != "sess-story" {
		t.Fatalf("unexpected sessions: %v", byStory)
	}
}

func TestGCSessionsRemovesRowsForDeadSteps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := createRun(t, s, "run-1", "wf", "daemon")
	insertStep(t, s, &store.Step{
		ID: "step-1", RunID: run.ID, StepID: "work", AgentID: "agent",
		StepIndex: 0, Status: store.StepPending,
	})
	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertSessionTx(ctx, tx, &store.ActiveSession{
			AgentID: "agent", StepID: "step-1", StoryID: "",
			RunID: run.ID, SessionID: "sess-1", SpawnedBy: "daemon",
		})
	}); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	// Step still pending: the session survives an age-only GC.
	removed, err := s.GCSessions(ctx, run.CreatedAt.Add(-time.Hour))
	if err != nil {
		t.Fatalf("gc sessions: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected no rows removed, got %d", removed)
	}

	// Fail the step; the session row is now orphaned.
	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.SetStepStatusTx(ctx, tx, "step-1", store.StepPending, store.StepFailed)
		return err
	}); err != nil {
		t.Fatalf("fail step: %v", err)
	}
	removed, err = s.GCSessions(ctx, run.CreatedAt.Add(-time.Hour))
	if err != nil {
		t.Fatalf("gc sessions: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 row removed, got %d", removed)
	}
}

func TestStepIndexUniquePerRun(t *testing.T) {
	s := openTestStore(t)
	run := createRun(t, s, "run-1", "wf", "daemon")
	insertStep(t, s, &store.Step{
		ID: "step-a", RunID: run.ID, StepID: "a", AgentID: "agent",
		StepIndex: 0, Status: store.StepPending,
	})
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.InsertStepTx(context.Background(), tx, &store.Step{
			ID: "step-b", RunID: run.ID, StepID: "b", AgentID: "agent",
			StepIndex: 0, Status: store.StepWaiting,
		})
	})
	if err == nil {
		t.Fatal("expected duplicate step_index to be rejected")
	}
}
