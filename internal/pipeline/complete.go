package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vardaSoft/antfarm/internal/events"
	"github.com/vardaSoft/antfarm/internal/shared"
	"github.com/vardaSoft/antfarm/internal/store"
)

// CompleteStep routes a worker's completion report: parse the KEY:value
// output, merge it into the run context, ingest stories, and advance the
// step/story/loop machinery. A terminal run makes the whole call a silent
// no-op so late worker reports are tolerated.
func (e *Engine) CompleteStep(ctx context.Context, stepID, output string) (*CompleteResult, error) {
	var (
		result  CompleteResult
		pending []events.Event
		run     *store.Run
		closed  bool
	)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		pending = nil
		result = CompleteResult{}
		closed = false

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

		values, storiesJSON := ParseOutput(output)
		for k, v := range values {
			run.Context[k] = v
		}
		if err := e.store.SetRunContextTx(ctx, tx, run.ID, run.Context); err != nil {
			return err
		}

		if storiesJSON != "" {
			if err := e.ingestStoriesTx(ctx, tx, run, storiesJSON); err != nil {
				return err
			}
		}

		if step.Type == store.StepTypeLoop && step.CurrentStoryID != "" {
			evs, res, runDone, err := e.completeStoryTx(ctx, tx, run, step, output)
			if err != nil {
				return err
			}
			pending, result, closed = evs, res, runDone
			return nil
		}

		if loopStep := e.verifiedLoopStepTx(ctx, tx, run, step); loopStep != nil {
			evs, res, runDone, err := e.completeVerifyTx(ctx, tx, run, step, loopStep, output)
			if err != nil {
				return err
			}
			pending, result, closed = evs, res, runDone
			return nil
		}

		ok, err := e.store.SetStepStatusTx(ctx, tx, step.ID, store.StepRunning, store.StepDone)
		if err != nil {
			return err
		}
		if !ok {
			// Duplicate delivery or a state race: nothing to do.
			return nil
		}
		if err := e.store.SetStepOutputTx(ctx, tx, step.ID, output); err != nil {
			return err
		}
		if err := e.store.DeleteSessionsForStepTx(ctx, tx, step.ID); err != nil {
			return err
		}
		pending = append(pending, events.Event{
			Event:   events.StepDone,
			StepID:  step.StepID,
			AgentID: step.AgentID,
		})
		advanced, runCompleted, evs, err := e.advancePipelineTx(ctx, tx, run)
		if err != nil {
			return err
		}
		pending = append(pending, evs...)
		result = CompleteResult{Advanced: advanced, RunCompleted: runCompleted}
		closed = runCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range pending {
		e.emit(ctx, run, ev)
	}
	if closed {
		e.finishRun(ctx, run)
	}
	return &result, nil
}

// completeStoryTx marks the loop step's current story done and either hands
// off to the verify step or runs the loop-continuation check.
func (e *Engine) completeStoryTx(ctx context.Context, tx *sql.Tx, run *store.Run, step *store.Step, output string) ([]events.Event, CompleteResult, bool, error) {
	story, err := e.store.GetStoryTx(ctx, tx, step.CurrentStoryID)
	if err != nil {
		return nil, CompleteResult{}, false, err
	}
	if _, err := e.store.SetStoryStatusTx(ctx, tx, story.ID, store.StoryRunning, store.StoryDone); err != nil {
		return nil, CompleteResult{}, false, err
	}
	if err := e.store.SetStoryOutputTx(ctx, tx, story.ID, output); err != nil {
		return nil, CompleteResult{}, false, err
	}
	if err := e.store.SetCurrentStoryTx(ctx, tx, step.ID, ""); err != nil {
		return nil, CompleteResult{}, false, err
	}
	step.CurrentStoryID = ""
	if err := e.store.SetStepOutputTx(ctx, tx, step.ID, output); err != nil {
		return nil, CompleteResult{}, false, err
	}
	if err := e.store.DeleteSessionsForStepTx(ctx, tx, step.ID); err != nil {
		return nil, CompleteResult{}, false, err
	}

	evs := []events.Event{{
		Event:      events.StoryDone,
		StepID:     step.StepID,
		AgentID:    step.AgentID,
		StoryID:    story.StoryID,
		StoryTitle: story.Title,
	}}

	if step.LoopConfig != nil && step.LoopConfig.VerifyEach && step.LoopConfig.VerifyStep != "" {
		verifyStep, err := e.store.GetStepByNameTx(ctx, tx, run.ID, step.LoopConfig.VerifyStep)
		if err != nil {
			return nil, CompleteResult{}, false, fmt.Errorf("resolve verify step %q: %w", step.LoopConfig.VerifyStep, err)
		}
		if _, err := e.store.SetStepStatusTx(ctx, tx, verifyStep.ID, verifyStep.Status, store.StepPending); err != nil {
			return nil, CompleteResult{}, false, err
		}
		evs = append(evs, events.Event{
			Event:   events.StepPending,
			StepID:  verifyStep.StepID,
			AgentID: verifyStep.AgentID,
		})
		// The loop step stays running while the verdict is pending.
		return evs, CompleteResult{}, false, nil
	}

	contEvs, res, closed, err := e.continueLoopTx(ctx, tx, run, step)
	if err != nil {
		return nil, CompleteResult{}, false, err
	}
	return append(evs, contEvs...), res, closed, nil
}

// verifiedLoopStepTx returns the loop step for which step acts as verify
// step, or nil.
func (e *Engine) verifiedLoopStepTx(ctx context.Context, tx *sql.Tx, run *store.Run, step *store.Step) *store.Step {
	steps, err := e.store.RunStepsTx(ctx, tx, run.ID)
	if err != nil {
		return nil
	}
	for _, st := range steps {
		if st.Type == store.StepTypeLoop && st.LoopConfig != nil &&
			st.LoopConfig.VerifyEach && st.LoopConfig.VerifyStep == step.StepID {
			return st
		}
	}
	return nil
}

// completeVerifyTx handles a verify step's report: reset the verify step for
// the next iteration, then either bounce the story back (status=retry) or
// accept it and continue the loop.
func (e *Engine) completeVerifyTx(ctx context.Context, tx *sql.Tx, run *store.Run, verifyStep, loopStep *store.Step, output string) ([]events.Event, CompleteResult, bool, error) {
	if _, err := e.store.SetStepStatusTx(ctx, tx, verifyStep.ID, store.StepRunning, store.StepWaiting); err != nil {
		return nil, CompleteResult{}, false, err
	}
	if err := e.store.SetStepOutputTx(ctx, tx, verifyStep.ID, output); err != nil {
		return nil, CompleteResult{}, false, err
	}
	if err := e.store.DeleteSessionsForStepTx(ctx, tx, verifyStep.ID); err != nil {
		return nil, CompleteResult{}, false, err
	}

	verdict := strings.ToLower(strings.TrimSpace(run.Context["status"]))
	if verdict != "retry" {
		story, err := e.store.MostRecentDoneStoryTx(ctx, tx, run.ID)
		var evs []events.Event
		if err == nil {
			evs = append(evs, events.Event{
				Event:      events.StoryVerified,
				StepID:     loopStep.StepID,
				AgentID:    loopStep.AgentID,
				StoryID:    story.StoryID,
				StoryTitle: story.Title,
			})
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, CompleteResult{}, false, err
		}
		delete(run.Context, "verify_feedback")
		if err := e.store.SetRunContextTx(ctx, tx, run.ID, run.Context); err != nil {
			return nil, CompleteResult{}, false, err
		}
		contEvs, res, closed, err := e.continueLoopTx(ctx, tx, run, loopStep)
		if err != nil {
			return nil, CompleteResult{}, false, err
		}
		return append(evs, contEvs...), res, closed, nil
	}

	story, err := e.store.MostRecentDoneStoryTx(ctx, tx, run.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Nothing to retry; treat the verdict as informational.
		contEvs, res, closed, err := e.continueLoopTx(ctx, tx, run, loopStep)
		return contEvs, res, closed, err
	}
	if err != nil {
		return nil, CompleteResult{}, false, err
	}

	retryCount, err := e.store.IncrementStoryRetryTx(ctx, tx, story.ID)
	if err != nil {
		return nil, CompleteResult{}, false, err
	}
	if retryCount > story.MaxRetries {
		if _, err := e.store.SetStoryStatusTx(ctx, tx, story.ID, store.StoryDone, store.StoryFailed); err != nil {
			return nil, CompleteResult{}, false, err
		}
		evs := []events.Event{{
			Event:      events.StoryFailed,
			StepID:     loopStep.StepID,
			AgentID:    loopStep.AgentID,
			StoryID:    story.StoryID,
			StoryTitle: story.Title,
			Detail:     fmt.Sprintf("verify retries exhausted (%d/%d)", retryCount, story.MaxRetries),
		}}
		failEvs, err := e.failLoopAndRunTx(ctx, tx, run, loopStep, "verify retries exhausted")
		if err != nil {
			return nil, CompleteResult{}, false, err
		}
		return append(evs, failEvs...), CompleteResult{}, false, nil
	}

	if _, err := e.store.SetStoryStatusTx(ctx, tx, story.ID, store.StoryDone, store.StoryPending); err != nil {
		return nil, CompleteResult{}, false, err
	}
	feedback := run.Context["issues"]
	if feedback == "" {
		feedback = strings.TrimSpace(output)
	}
	run.Context["verify_feedback"] = feedback
	if err := e.store.SetRunContextTx(ctx, tx, run.ID, run.Context); err != nil {
		return nil, CompleteResult{}, false, err
	}
	if _, err := e.store.SetStepStatusTx(ctx, tx, loopStep.ID, store.StepRunning, store.StepPending); err != nil {
		return nil, CompleteResult{}, false, err
	}
	evs := []events.Event{{
		Event:      events.StoryRetry,
		StepID:     loopStep.StepID,
		AgentID:    loopStep.AgentID,
		StoryID:    story.StoryID,
		StoryTitle: story.Title,
		Detail:     feedback,
	}}
	return evs, CompleteResult{}, false, nil
}

// continueLoopTx decides what happens after a story concludes without a
// pending verify: requeue the loop for the next story, fail it, or close it.
func (e *Engine) continueLoopTx(ctx context.Context, tx *sql.Tx, run *store.Run, loopStep *store.Step) ([]events.Event, CompleteResult, bool, error) {
	counts, err := e.store.StoryStatusCountsTx(ctx, tx, run.ID)
	if err != nil {
		return nil, CompleteResult{}, false, err
	}
	switch {
	case counts[store.StoryPending] > 0:
		current, err := e.store.GetStepTx(ctx, tx, loopStep.ID)
		if err != nil {
			return nil, CompleteResult{}, false, err
		}
		if current.Status == store.StepRunning {
			if _, err := e.store.SetStepStatusTx(ctx, tx, loopStep.ID, store.StepRunning, store.StepPending); err != nil {
				return nil, CompleteResult{}, false, err
			}
		}
		evs := []events.Event{{
			Event:   events.StepPending,
			StepID:  loopStep.StepID,
			AgentID: loopStep.AgentID,
			Detail:  "next story queued",
		}}
		return evs, CompleteResult{}, false, nil

	case counts[store.StoryFailed] > 0:
		evs, err := e.failLoopAndRunTx(ctx, tx, run, loopStep, "story failed with no retries remaining")
		if err != nil {
			return nil, CompleteResult{}, false, err
		}
		return evs, CompleteResult{RunCompleted: false}, false, nil

	default:
		evs, err := e.completeLoopStepTx(ctx, tx, run, loopStep, "")
		if err != nil {
			return nil, CompleteResult{}, false, err
		}
		advanced, runCompleted, advEvs, err := e.advancePipelineTx(ctx, tx, run)
		if err != nil {
			return nil, CompleteResult{}, false, err
		}
		return append(evs, advEvs...), CompleteResult{Advanced: advanced, RunCompleted: runCompleted}, runCompleted, nil
	}
}

// completeLoopStepTx marks a loop step done (from whatever live state it is
// in) and closes out its verify step. The caller runs pipeline advancement.
// The from parameter is advisory; the current status is re-read.
func (e *Engine) completeLoopStepTx(ctx context.Context, tx *sql.Tx, run *store.Run, loopStep *store.Step, _ store.StepStatus) ([]events.Event, error) {
	current, err := e.store.GetStepTx(ctx, tx, loopStep.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != store.StepDone {
		if _, err := e.store.SetStepStatusTx(ctx, tx, loopStep.ID, current.Status, store.StepDone); err != nil {
			return nil, err
		}
	}
	evs := []events.Event{{
		Event:   events.StepDone,
		StepID:  loopStep.StepID,
		AgentID: loopStep.AgentID,
	}}
	if loopStep.LoopConfig != nil && loopStep.LoopConfig.VerifyStep != "" {
		verifyStep, err := e.store.GetStepByNameTx(ctx, tx, run.ID, loopStep.LoopConfig.VerifyStep)
		if err == nil && verifyStep.Status != store.StepDone {
			if _, err := e.store.SetStepStatusTx(ctx, tx, verifyStep.ID, verifyStep.Status, store.StepDone); err != nil {
				return nil, err
			}
			evs = append(evs, events.Event{
				Event:   events.StepDone,
				StepID:  verifyStep.StepID,
				AgentID: verifyStep.AgentID,
			})
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return evs, nil
}

// failLoopAndRunTx fails the loop step and its run.
func (e *Engine) failLoopAndRunTx(ctx context.Context, tx *sql.Tx, run *store.Run, loopStep *store.Step, detail string) ([]events.Event, error) {
	current, err := e.store.GetStepTx(ctx, tx, loopStep.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != store.StepFailed {
		if _, err := e.store.SetStepStatusTx(ctx, tx, loopStep.ID, current.Status, store.StepFailed); err != nil {
			return nil, err
		}
	}
	if _, err := e.store.SetRunStatusTx(ctx, tx, run.ID, store.RunFailed); err != nil {
		return nil, err
	}
	run.Status = store.RunFailed
	return []events.Event{
		{
			Event:   events.StepFailed,
			StepID:  loopStep.StepID,
			AgentID: loopStep.AgentID,
			Detail:  detail,
		},
		{
			Event:  events.RunFailed,
			Detail: detail,
		},
	}, nil
}

// ingestStoriesTx validates and inserts a STORIES_JSON payload. Ingestion is
// idempotent per run: a run that already has stories ignores later payloads.
func (e *Engine) ingestStoriesTx(ctx context.Context, tx *sql.Tx, run *store.Run, storiesJSON string) error {
	has, err := e.store.RunHasStoriesTx(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	stories, err := ParseStories(storiesJSON)
	if err != nil {
		return err
	}
	for i, payload := range stories {
		story := &store.Story{
			ID:                 shared.NewID(),
			RunID:              run.ID,
			StoryIndex:         i,
			StoryID:            payload.ID,
			Title:              payload.Title,
			Description:        payload.Description,
			AcceptanceCriteria: payload.Criteria(),
			Status:             store.StoryPending,
		}
		if err := e.store.InsertStoryTx(ctx, tx, story); err != nil {
			return err
		}
	}
	e.logger.Info("stories ingested", "run", run.ID, "count", len(stories))
	return nil
}

// finishRun runs post-completion side effects outside the transaction.
func (e *Engine) finishRun(ctx context.Context, run *store.Run) {
	if err := archiveProgress(e.stateDir, run.WorkflowID, run.RunNumber); err != nil {
		e.logger.Warn("archive progress failed", "run", run.ID, "error", err)
	}
	if e.Teardown != nil {
		e.Teardown(ctx, run)
	}
}
