package pipeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vardaSoft/antfarm/internal/events"
	"github.com/vardaSoft/antfarm/internal/store"
)

// FailStep records an explicit worker failure. Loop steps with a current
// story charge the story's retry budget; single steps charge their own. The
// run fails only when the budget is exhausted.
func (e *Engine) FailStep(ctx context.Context, stepID, errMsg string) (*FailResult, error) {
	var (
		result  FailResult
		pending []events.Event
		run     *store.Run
	)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		pending = nil
		result = FailResult{}

		step, err := e.store.GetStepTx(ctx, tx, stepID)
		if err != nil {
			return err
		}
		run, err = e.store.GetRunTx(ctx, tx, step.RunID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}

		if err := e.store.DeleteSessionsForStepTx(ctx, tx, step.ID); err != nil {
			return err
		}

		if step.Type == store.StepTypeLoop && step.CurrentStoryID != "" {
			evs, res, err := e.failStoryTx(ctx, tx, run, step, errMsg)
			if err != nil {
				return err
			}
			pending, result = evs, res
			return nil
		}

		retryCount, err := e.store.IncrementStepRetryTx(ctx, tx, step.ID)
		if err != nil {
			return err
		}
		if err := e.store.SetStepOutputTx(ctx, tx, step.ID, errMsg); err != nil {
			return err
		}
		if retryCount > step.MaxRetries {
			if _, err := e.store.SetStepStatusTx(ctx, tx, step.ID, step.Status, store.StepFailed); err != nil {
				return err
			}
			if _, err := e.store.SetRunStatusTx(ctx, tx, run.ID, store.RunFailed); err != nil {
				return err
			}
			run.Status = store.RunFailed
			pending = []events.Event{
				{Event: events.StepFailed, StepID: step.StepID, AgentID: step.AgentID, Detail: errMsg},
				{Event: events.RunFailed, Detail: fmt.Sprintf("step %s failed: %s", step.StepID, errMsg)},
			}
			result = FailResult{RunFailed: true}
			return nil
		}
		if _, err := e.store.SetStepStatusTx(ctx, tx, step.ID, step.Status, store.StepPending); err != nil {
			return err
		}
		pending = []events.Event{{
			Event:   events.StepPending,
			StepID:  step.StepID,
			AgentID: step.AgentID,
			Detail:  fmt.Sprintf("retry %d/%d after failure: %s", retryCount, step.MaxRetries, errMsg),
		}}
		result = FailResult{Retrying: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range pending {
		e.emit(ctx, run, ev)
	}
	return &result, nil
}

// failStoryTx charges a story failure: requeue it while retries remain, fail
// the story, loop step and run otherwise.
func (e *Engine) failStoryTx(ctx context.Context, tx *sql.Tx, run *store.Run, step *store.Step, errMsg string) ([]events.Event, FailResult, error) {
	story, err := e.store.GetStoryTx(ctx, tx, step.CurrentStoryID)
	if err != nil {
		return nil, FailResult{}, err
	}
	retryCount, err := e.store.IncrementStoryRetryTx(ctx, tx, story.ID)
	if err != nil {
		return nil, FailResult{}, err
	}
	if err := e.store.SetStoryOutputTx(ctx, tx, story.ID, errMsg); err != nil {
		return nil, FailResult{}, err
	}

	if retryCount > story.MaxRetries {
		if _, err := e.store.SetStoryStatusTx(ctx, tx, story.ID, story.Status, store.StoryFailed); err != nil {
			return nil, FailResult{}, err
		}
		evs := []events.Event{{
			Event:      events.StoryFailed,
			StepID:     step.StepID,
			AgentID:    step.AgentID,
			StoryID:    story.StoryID,
			StoryTitle: story.Title,
			Detail:     errMsg,
		}}
		failEvs, err := e.failLoopAndRunTx(ctx, tx, run, step, errMsg)
		if err != nil {
			return nil, FailResult{}, err
		}
		return append(evs, failEvs...), FailResult{RunFailed: true}, nil
	}

	if _, err := e.store.SetStoryStatusTx(ctx, tx, story.ID, story.Status, store.StoryPending); err != nil {
		return nil, FailResult{}, err
	}
	if err := e.store.SetCurrentStoryTx(ctx, tx, step.ID, ""); err != nil {
		return nil, FailResult{}, err
	}
	if _, err := e.store.SetStepStatusTx(ctx, tx, step.ID, step.Status, store.StepPending); err != nil {
		return nil, FailResult{}, err
	}
	evs := []events.Event{{
		Event:      events.StoryRetry,
		StepID:     step.StepID,
		AgentID:    step.AgentID,
		StoryID:    story.StoryID,
		StoryTitle: story.Title,
		Detail:     fmt.Sprintf("retry %d/%d after failure: %s", retryCount, story.MaxRetries, errMsg),
	}}
	return evs, FailResult{Retrying: true}, nil
}
