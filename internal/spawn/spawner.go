package spawn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vardaSoft/antfarm/internal/events"
	"github.com/vardaSoft/antfarm/internal/pipeline"
	"github.com/vardaSoft/antfarm/internal/shared"
	"github.com/vardaSoft/antfarm/internal/store"
	"github.com/vardaSoft/antfarm/internal/workflow"
)

// Config holds the spawner's dependencies.
type Config struct {
	Engine  *pipeline.Engine
	Store   *store.Store
	Gateway Gateway
	Journal *events.Journal
	Logger  *slog.Logger
}

// Spawner claims a unit of work and launches a worker for it. It is the sole
// writer of ActiveSession rows on the success path.
type Spawner struct {
	engine  *pipeline.Engine
	store   *store.Store
	gateway Gateway
	journal *events.Journal
	logger  *slog.Logger
}

// SpawnResult reports what PeekAndSpawn did.
type SpawnResult struct {
	Spawned   bool   `json:"spawned"`
	Reason    string `json:"reason,omitempty"` // no_work | story_already_claimed
	SessionID string `json:"session_id,omitempty"`
	Rollback  bool   `json:"rollback,omitempty"`
	Err       error  `json:"-"`
}

// New creates a Spawner.
func New(cfg Config) *Spawner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		engine:  cfg.Engine,
		store:   cfg.Store,
		gateway: cfg.Gateway,
		journal: cfg.Journal,
		logger:  logger,
	}
}

// PeekAndSpawn claims the agent's next unit of work and launches a worker
// through the Gateway. The claim and the confirm/rollback each run in their
// own transaction; the Gateway call happens between them, never inside one.
func (s *Spawner) PeekAndSpawn(ctx context.Context, agentID string, spec *workflow.Spec, source string) SpawnResult {
	claim, err := s.engine.ClaimStep(ctx, agentID)
	if err != nil {
		return SpawnResult{Err: fmt.Errorf("claim step: %w", err)}
	}
	if claim == nil {
		claim, err = s.claimFromRunningLoop(ctx, agentID)
		if errors.Is(err, pipeline.ErrStoryAlreadyClaimed) {
			return SpawnResult{Reason: "story_already_claimed"}
		}
		if err != nil {
			return SpawnResult{Err: err}
		}
	}
	if claim == nil {
		return SpawnResult{Reason: "no_work"}
	}

	timeoutSeconds := spec.AgentTimeoutSeconds(agentID)
	thinking := "medium"
	if a := spec.AgentByID(agentID); a != nil && a.Thinking != "" {
		thinking = a.Thinking
	}

	sessionID, err := s.spawnWorker(ctx, claim, spec, timeoutSeconds, thinking)
	if err != nil {
		s.logger.Warn("worker spawn failed", "agent", agentID, "step", claim.Step.StepID, "error", err)
		if rbErr := s.rollbackClaim(ctx, claim); rbErr != nil {
			s.logger.Error("spawn rollback failed", "step", claim.Step.ID, "error", rbErr)
		}
		return SpawnResult{Rollback: true, Err: err}
	}

	confirmed, err := s.confirmSpawn(ctx, claim, sessionID, source)
	if err != nil {
		return SpawnResult{Err: err}
	}
	if !confirmed {
		// The run went terminal mid-spawn; the worker's report will be
		// rejected by the terminal-run guard.
		return SpawnResult{Reason: "no_work"}
	}
	return SpawnResult{Spawned: true, SessionID: sessionID}
}

// claimFromRunningLoop finds the agent's in-flight loop step and, once its
// dependencies are satisfied, claims the next story.
func (s *Spawner) claimFromRunningLoop(ctx context.Context, agentID string) (*pipeline.ClaimResult, error) {
	var loopStep *store.Step
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		st, err := s.store.RunningLoopStepForAgentTx(ctx, tx, agentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		earlier, err := s.store.RunStepsTx(ctx, tx, st.RunID)
		if err != nil {
			return err
		}
		for _, other := range earlier {
			if other.StepIndex < st.StepIndex && other.Status != store.StepDone {
				// An earlier step is still open; the loop is not ready.
				return nil
			}
		}
		loopStep = st
		return nil
	})
	if err != nil || loopStep == nil {
		return nil, err
	}
	return s.engine.ClaimStory(ctx, agentID, loopStep.ID)
}

// spawnWorker submits the Gateway request and resolves the session id. Pure
// external I/O; no database state is touched here.
func (s *Spawner) spawnWorker(ctx context.Context, claim *pipeline.ClaimResult, spec *workflow.Spec, timeoutSeconds int, thinking string) (string, error) {
	storyPart := "root"
	if claim.Story != nil {
		storyPart = claim.Story.StoryID
	}
	gatewayAgentID := fmt.Sprintf("%s_%s", spec.ID, claim.Step.AgentID)
	req := SpawnRequest{
		IdempotencyKey: fmt.Sprintf("antfarm:%s:%s:%s:%s", claim.Run.ID, claim.Step.StepID, storyPart, shared.Nonce()),
		AgentID:        gatewayAgentID,
		SessionKey:     fmt.Sprintf("agent:%s:workflow:%s:%s", gatewayAgentID, claim.Run.ID, claim.Step.StepID),
		Message:        buildPrompt(claim),
		Timeout:        timeoutSeconds,
		Thinking:       thinking,
	}
	acceptedRunID, err := s.gateway.CallAgent(ctx, req)
	if err != nil {
		return "", err
	}
	return resolveSessionID(ctx, s.gateway, acceptedRunID, s.logger), nil
}

// buildPrompt appends the mandatory completion instructions to the resolved
// step input so the worker knows how to report back.
func buildPrompt(claim *pipeline.ClaimResult) string {
	var b strings.Builder
	b.WriteString(claim.Input)
	b.WriteString("\n\n---\n")
	b.WriteString("When you are finished, report back with one of:\n")
	fmt.Fprintf(&b, "  antfarm step complete %s   (pipe your KEY: value output to stdin)\n", claim.Step.ID)
	fmt.Fprintf(&b, "  antfarm step fail %s \"<reason>\"\n", claim.Step.ID)
	b.WriteString("Format your output as KEY: value lines (for example STATUS: done).\n")
	return b.String()
}

// confirmSpawn transitions the claimed rows to running and records the
// session. Returns false when the claim is gone (for example the run was
// cancelled while the Gateway call was in flight).
func (s *Spawner) confirmSpawn(ctx context.Context, claim *pipeline.ClaimResult, sessionID, source string) (bool, error) {
	var (
		confirmed bool
		evs       []events.Event
	)
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		confirmed = false
		evs = nil

		run, err := s.store.GetRunTx(ctx, tx, claim.Run.ID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}

		if claim.Story != nil {
			ok, err := s.store.SetStoryStatusTx(ctx, tx, claim.Story.ID, store.StoryClaiming, store.StoryRunning)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if claim.Step.Status == store.StepClaiming {
				if _, err := s.store.SetStepStatusTx(ctx, tx, claim.Step.ID, store.StepClaiming, store.StepRunning); err != nil {
					return err
				}
			}
			evs = append(evs, events.Event{
				Event:      events.StoryStarted,
				StepID:     claim.Step.StepID,
				AgentID:    claim.Step.AgentID,
				StoryID:    claim.Story.StoryID,
				StoryTitle: claim.Story.Title,
				SessionID:  sessionID,
			})
		} else {
			ok, err := s.store.SetStepStatusTx(ctx, tx, claim.Step.ID, store.StepClaiming, store.StepRunning)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			evs = append(evs, events.Event{
				Event:     events.StepRunning,
				StepID:    claim.Step.StepID,
				AgentID:   claim.Step.AgentID,
				SessionID: sessionID,
			})
		}

		storyRowID := ""
		if claim.Story != nil {
			storyRowID = claim.Story.ID
		}
		if err := s.store.InsertSessionTx(ctx, tx, &store.ActiveSession{
			AgentID:   claim.Step.AgentID,
			StepID:    claim.Step.ID,
			StoryID:   storyRowID,
			RunID:     claim.Run.ID,
			SessionID: sessionID,
			SpawnedBy: source,
		}); err != nil {
			return err
		}
		confirmed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	s.emit(ctx, claim.Run, evs)
	return confirmed, nil
}

// rollbackClaim restores the claimed rows to pending after a spawn failure,
// without charging the retry budget.
func (s *Spawner) rollbackClaim(ctx context.Context, claim *pipeline.ClaimResult) error {
	var evs []events.Event
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		evs = nil
		if claim.Story != nil {
			if _, err := s.store.SetStoryStatusTx(ctx, tx, claim.Story.ID, store.StoryClaiming, store.StoryPending); err != nil {
				return err
			}
			if err := s.store.ClearCurrentStoryIfTx(ctx, tx, claim.Step.ID, claim.Story.ID); err != nil {
				return err
			}
			evs = append(evs, events.Event{
				Event:      events.StoryRollback,
				StepID:     claim.Step.StepID,
				AgentID:    claim.Step.AgentID,
				StoryID:    claim.Story.StoryID,
				StoryTitle: claim.Story.Title,
				Detail:     "spawn failed",
			})
		}
		if claim.Step.Status == store.StepClaiming {
			if _, err := s.store.SetStepStatusTx(ctx, tx, claim.Step.ID, store.StepClaiming, store.StepPending); err != nil {
				return err
			}
			evs = append(evs, events.Event{
				Event:   events.StepRollback,
				StepID:  claim.Step.StepID,
				AgentID: claim.Step.AgentID,
				Detail:  "spawn failed",
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ctx, claim.Run, evs)
	return nil
}

func (s *Spawner) emit(ctx context.Context, run *store.Run, evs []events.Event) {
	if s.journal == nil {
		return
	}
	for _, ev := range evs {
		ev.RunID = run.ID
		ev.WorkflowID = run.WorkflowID
		s.journal.Emit(ctx, ev, run.NotifyURL)
	}
}
