package pipeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vardaSoft/antfarm/internal/events"
	"github.com/vardaSoft/antfarm/internal/shared"
	"github.com/vardaSoft/antfarm/internal/store"
	"github.com/vardaSoft/antfarm/internal/workflow"
)

const defaultStepMaxRetries = 3

// StartRunOptions carries the optional attributes of a new run.
type StartRunOptions struct {
	NotifyURL string
	Scheduler string // "", cron or daemon
	Context   map[string]string
}

// StartRun creates a run and its step rows from a workflow definition. Step
// index 0 starts pending; every other step starts waiting.
func (e *Engine) StartRun(ctx context.Context, spec *workflow.Spec, task string, opts StartRunOptions) (*store.Run, error) {
	switch opts.Scheduler {
	case "", "cron", "daemon":
	default:
		return nil, fmt.Errorf("invalid scheduler %q", opts.Scheduler)
	}

	run := &store.Run{
		ID:         shared.NewID(),
		WorkflowID: spec.ID,
		Task:       task,
		Status:     store.RunRunning,
		Context:    map[string]string{"task": task},
		NotifyURL:  opts.NotifyURL,
		Scheduler:  opts.Scheduler,
	}
	for k, v := range opts.Context {
		run.Context[k] = v
	}

	var firstStep *store.Step
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.CreateRunTx(ctx, tx, run); err != nil {
			return err
		}
		for i, decl := range spec.Steps {
			status := store.StepWaiting
			if i == 0 {
				status = store.StepPending
			}
			maxRetries := decl.MaxRetries
			if maxRetries == 0 {
				maxRetries = defaultStepMaxRetries
			}
			stepType := store.StepTypeSingle
			if decl.Type == "loop" {
				stepType = store.StepTypeLoop
			}
			st := &store.Step{
				ID:            shared.NewID(),
				RunID:         run.ID,
				StepID:        decl.ID,
				AgentID:       decl.Agent,
				StepIndex:     i,
				InputTemplate: decl.Input,
				Expects:       decl.Expects,
				Type:          stepType,
				LoopConfig:    decl.Loop,
				MaxRetries:    maxRetries,
				Status:        status,
			}
			if err := e.store.InsertStepTx(ctx, tx, st); err != nil {
				return err
			}
			if i == 0 {
				firstStep = st
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, run, events.Event{Event: events.RunStarted, Detail: task})
	if firstStep != nil {
		e.emit(ctx, run, events.Event{
			Event:   events.StepPending,
			StepID:  firstStep.StepID,
			AgentID: firstStep.AgentID,
		})
	}
	e.logger.Info("run started", "run", run.ID, "workflow", spec.ID, "number", run.RunNumber)
	return run, nil
}

// CancelRun marks a run cancelled and fails its non-terminal steps with
// output "Cancelled by user". In-flight workers are not killed; their late
// reports short-circuit on the terminal-run guard.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		run, err := e.store.GetRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		if _, err := e.store.SetRunStatusTx(ctx, tx, runID, store.RunCancelled); err != nil {
			return err
		}
		steps, err := e.store.RunStepsTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		for _, st := range steps {
			switch st.Status {
			case store.StepDone, store.StepFailed:
				continue
			}
			if _, err := e.store.SetStepStatusTx(ctx, tx, st.ID, st.Status, store.StepFailed); err != nil {
				return err
			}
			if err := e.store.SetStepOutputTx(ctx, tx, st.ID, "Cancelled by user"); err != nil {
				return err
			}
		}
		return nil
	})
}
