package pipeline

import (
	"context"
	"database/sql"

	"github.com/vardaSoft/antfarm/internal/events"
	"github.com/vardaSoft/antfarm/internal/store"
)

// AdvancePipeline promotes the run's lowest waiting step to pending once
// every earlier step is done, completing the run when nothing is left.
// Re-entrant: concurrent invocations converge because every transition tests
// the current state inside the transaction that updates it.
func (e *Engine) AdvancePipeline(ctx context.Context, runID string) (*CompleteResult, error) {
	var (
		result  CompleteResult
		pending []events.Event
		run     *store.Run
	)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		pending = nil
		result = CompleteResult{}

		var err error
		run, err = e.store.GetRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		advanced, runCompleted, evs, err := e.advancePipelineTx(ctx, tx, run)
		if err != nil {
			return err
		}
		pending = evs
		result = CompleteResult{Advanced: advanced, RunCompleted: runCompleted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range pending {
		e.emit(ctx, run, ev)
	}
	if result.RunCompleted {
		e.finishRun(ctx, run)
	}
	return &result, nil
}

// advancePipelineTx implements advancement inside an open transaction. A
// terminal run is never advanced.
func (e *Engine) advancePipelineTx(ctx context.Context, tx *sql.Tx, run *store.Run) (advanced, runCompleted bool, evs []events.Event, err error) {
	if run.Status.Terminal() {
		return false, false, nil, nil
	}
	steps, err := e.store.RunStepsTx(ctx, tx, run.ID)
	if err != nil {
		return false, false, nil, err
	}

	var nextWaiting *store.Step
	incomplete := false
	for _, st := range steps {
		switch st.Status {
		case store.StepWaiting:
			if nextWaiting == nil {
				nextWaiting = st
			}
		case store.StepPending, store.StepClaiming, store.StepRunning, store.StepFailed:
			if nextWaiting == nil {
				incomplete = true
			}
		}
	}

	if nextWaiting != nil {
		if incomplete {
			return false, false, nil, nil
		}
		ok, err := e.store.SetStepStatusTx(ctx, tx, nextWaiting.ID, store.StepWaiting, store.StepPending)
		if err != nil {
			return false, false, nil, err
		}
		if !ok {
			return false, false, nil, nil
		}
		evs = []events.Event{
			{Event: events.PipelineAdvanced, StepID: nextWaiting.StepID, AgentID: nextWaiting.AgentID},
			{Event: events.StepPending, StepID: nextWaiting.StepID, AgentID: nextWaiting.AgentID},
		}
		return true, false, evs, nil
	}

	if incomplete {
		return false, false, nil, nil
	}
	changed, err := e.store.SetRunStatusTx(ctx, tx, run.ID, store.RunCompleted)
	if err != nil {
		return false, false, nil, err
	}
	if !changed {
		return false, false, nil, nil
	}
	run.Status = store.RunCompleted
	return false, true, []events.Event{{Event: events.RunCompleted}}, nil
}
