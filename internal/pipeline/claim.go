package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vardaSoft/antfarm/internal/events"
	"github.com/vardaSoft/antfarm/internal/store"
)

// ClaimStep atomically reserves the next pending step owned by agentID and
// returns its resolved input. For loop steps the claim extends to the next
// pending story. Returns (nil, nil) when no work is available.
func (e *Engine) ClaimStep(ctx context.Context, agentID string) (*ClaimResult, error) {
	if e.PreClaim != nil {
		e.PreClaim(ctx)
	}

	var (
		result  *ClaimResult
		pending []events.Event
		run     *store.Run
		closed  bool
	)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		result = nil
		pending = nil
		closed = false

		step, err := e.store.PendingStepForAgentTx(ctx, tx, agentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		run, err = e.store.GetRunTx(ctx, tx, step.RunID)
		if err != nil {
			return err
		}
		if run.Status != store.RunRunning {
			// Run failed or was cancelled mid-transaction: no work.
			return nil
		}

		if step.Type == store.StepTypeLoop {
			res, evs, runDone, err := e.claimLoopStoryTx(ctx, tx, run, step, store.StepPending)
			if err != nil {
				return err
			}
			result, pending, closed = res, evs, runDone
			return nil
		}

		ok, err := e.store.SetStepStatusTx(ctx, tx, step.ID, store.StepPending, store.StepClaiming)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		step.Status = store.StepClaiming
		result = &ClaimResult{Run: run, Step: step}
		pending = append(pending, events.Event{
			Event:   events.StepClaimed,
			StepID:  step.StepID,
			AgentID: step.AgentID,
		})
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
	if result == nil {
		return nil, nil
	}
	e.resolveInput(ctx, result)
	return result, nil
}

// ClaimStory reserves the next pending story of a running loop step. The loop
// step itself stays running. Returns (nil, nil) when the loop has no pending
// story (the loop may have been closed out or failed inside the call).
func (e *Engine) ClaimStory(ctx context.Context, agentID, loopStepID string) (*ClaimResult, error) {
	var (
		result  *ClaimResult
		pending []events.Event
		run     *store.Run
		closed  bool
	)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		result = nil
		pending = nil
		closed = false

		step, err := e.store.GetStepTx(ctx, tx, loopStepID)
		if err != nil {
			return err
		}
		if step.AgentID != agentID {
			return fmt.Errorf("step %s is owned by agent %s, not %s", loopStepID, step.AgentID, agentID)
		}
		if step.Type != store.StepTypeLoop || step.Status != store.StepRunning {
			return nil
		}
		run, err = e.store.GetRunTx(ctx, tx, step.RunID)
		if err != nil {
			return err
		}
		if run.Status != store.RunRunning {
			return nil
		}

		if step.CurrentStoryID != "" {
			story, err := e.store.GetStoryTx(ctx, tx, step.CurrentStoryID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if story != nil && (story.Status == store.StoryRunning || story.Status == store.StoryClaiming) {
				return ErrStoryAlreadyClaimed
			}
		}

		res, evs, runDone, err := e.claimLoopStoryTx(ctx, tx, run, step, store.StepRunning)
		if err != nil {
			return err
		}
		result, pending, closed = res, evs, runDone
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
	if result == nil {
		return nil, nil
	}
	e.resolveInput(ctx, result)
	return result, nil
}

// claimLoopStoryTx picks the lowest-index pending story for a loop step,
// moving the story (and, when the step was pending, the step) to claiming and
// materialising story-scoped context into the run. When no pending story
// remains it closes the loop out: failed stories fail the run, a fully done
// set completes the loop step and advances the pipeline.
func (e *Engine) claimLoopStoryTx(ctx context.Context, tx *sql.Tx, run *store.Run, step *store.Step, from store.StepStatus) (*ClaimResult, []events.Event, bool, error) {
	story, err := e.store.NextPendingStoryTx(ctx, tx, run.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, false, err
	}
	if story == nil {
		evs, closed, err := e.closeOutLoopTx(ctx, tx, run, step)
		return nil, evs, closed, err
	}

	var evs []events.Event
	if from == store.StepPending {
		ok, err := e.store.SetStepStatusTx(ctx, tx, step.ID, store.StepPending, store.StepClaiming)
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			return nil, nil, false, nil
		}
		step.Status = store.StepClaiming
		evs = append(evs, events.Event{
			Event:   events.StepClaimed,
			StepID:  step.StepID,
			AgentID: step.AgentID,
		})
	}
	ok, err := e.store.SetStoryStatusTx(ctx, tx, story.ID, store.StoryPending, store.StoryClaiming)
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return nil, nil, false, nil
	}
	story.Status = store.StoryClaiming
	if err := e.store.SetCurrentStoryTx(ctx, tx, step.ID, story.ID); err != nil {
		return nil, nil, false, err
	}
	step.CurrentStoryID = story.ID

	if err := e.materializeStoryContextTx(ctx, tx, run, story); err != nil {
		return nil, nil, false, err
	}

	evs = append(evs, events.Event{
		Event:      events.StoryClaimed,
		StepID:     step.StepID,
		AgentID:    step.AgentID,
		StoryID:    story.StoryID,
		StoryTitle: story.Title,
	})
	return &ClaimResult{Run: run, Step: step, Story: story}, evs, false, nil
}

// closeOutLoopTx resolves a loop step that has no pending story left.
func (e *Engine) closeOutLoopTx(ctx context.Context, tx *sql.Tx, run *store.Run, step *store.Step) ([]events.Event, bool, error) {
	counts, err := e.store.StoryStatusCountsTx(ctx, tx, run.ID)
	if err != nil {
		return nil, false, err
	}
	if counts[store.StoryFailed] > 0 {
		evs, err := e.failLoopAndRunTx(ctx, tx, run, step, "story failed with no retries remaining")
		return evs, false, err
	}
	if counts[store.StoryRunning] > 0 || counts[store.StoryClaiming] > 0 {
		// A story is still in flight; nothing to claim.
		return nil, false, nil
	}
	evs, err := e.completeLoopStepTx(ctx, tx, run, step, "")
	if err != nil {
		return nil, false, err
	}
	_, runCompleted, advEvs, err := e.advancePipelineTx(ctx, tx, run)
	if err != nil {
		return nil, false, err
	}
	return append(evs, advEvs...), runCompleted, nil
}

// materializeStoryContextTx writes story-scoped keys into the run context:
// the story body, progress counters and any carried verify feedback.
func (e *Engine) materializeStoryContextTx(ctx context.Context, tx *sql.Tx, run *store.Run, story *store.Story) error {
	stories, err := e.store.RunStoriesTx(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	var completed []string
	remaining := 0
	for _, st := range stories {
		switch st.Status {
		case store.StoryDone:
			completed = append(completed, st.StoryID)
		case store.StoryPending:
			remaining++
		}
	}

	run.Context["current_story"] = formatStory(story)
	run.Context["current_story_id"] = story.StoryID
	run.Context["current_story_title"] = story.Title
	run.Context["completed_stories"] = strings.Join(completed, ", ")
	run.Context["stories_remaining"] = strconv.Itoa(remaining)
	if progress := readProgress(e.stateDir, run.WorkflowID); progress != "" {
		run.Context["progress"] = progress
	}
	// verify_feedback, when present from a retry verdict, stays in context
	// until the verify step passes the story.
	return e.store.SetRunContextTx(ctx, tx, run.ID, run.Context)
}

func formatStory(story *store.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n%s\n", story.StoryID, story.Title, story.Description)
	if len(story.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range story.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// resolveInput renders the step's input template against the run context,
// augmented with run_id, the frontend-change heuristic and the progress file.
// External I/O happens here, after the claim transaction committed.
func (e *Engine) resolveInput(ctx context.Context, res *ClaimResult) {
	values := make(map[string]string, len(res.Run.Context)+3)
	for k, v := range res.Run.Context {
		values[k] = v
	}
	values["run_id"] = res.Run.ID
	if values["task"] == "" {
		values["task"] = res.Run.Task
	}
	if repo, branch := values["repo"], values["branch"]; repo != "" && branch != "" {
		values["has_frontend_changes"] = strconv.FormatBool(hasFrontendChanges(ctx, repo, branch))
	}
	if _, ok := values["progress"]; !ok {
		if hasStories, _ := e.runHasStories(ctx, res.Run.ID); hasStories {
			values["progress"] = readProgress(e.stateDir, res.Run.WorkflowID)
		}
	}
	res.Input = Interpolate(res.Step.InputTemplate, values)
}

func (e *Engine) runHasStories(ctx context.Context, runID string) (bool, error) {
	var has bool
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		h, err := e.store.RunHasStoriesTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		has = h
		return nil
	})
	return has, err
}
