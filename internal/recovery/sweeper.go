// Package recovery sweeps up after dead workers: abandoned running steps and
// stories, claims that never resolved to a spawn, pipelines stalled after a
// loop completed, and stale session records.
package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vardaSoft/antfarm/internal/events"
	"github.com/vardaSoft/antfarm/internal/otel"
	"github.com/vardaSoft/antfarm/internal/pipeline"
	"github.com/vardaSoft/antfarm/internal/store"
	"github.com/vardaSoft/antfarm/internal/workflow"
)

const (
	// sweepThrottle bounds full sweeps across all callers.
	sweepThrottle = 5 * time.Minute

	// abandonGrace rides on top of the agent timeout before a running row
	// counts as abandoned.
	abandonGrace = 5 * time.Minute

	// claimTimeout is how long a row may sit in claiming before the claim is
	// considered lost.
	claimTimeout = 5 * time.Minute

	// maxAbandonments is deliberately more lenient than the retry budget:
	// process death is not the agent's fault.
	maxAbandonments = 5

	// sessionMaxAge bounds how long a session row may exist at all.
	sessionMaxAge = time.Hour
)

// Config holds the sweeper's dependencies.
type Config struct {
	Store   *store.Store
	Engine  *pipeline.Engine
	Cache   *workflow.Cache
	Journal *events.Journal
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// Sweeper performs the recovery passes. Safe for concurrent callers; the full
// sweep is throttled internally.
type Sweeper struct {
	store   *store.Store
	engine  *pipeline.Engine
	cache   *workflow.Cache
	journal *events.Journal
	logger  *slog.Logger
	metrics *otel.Metrics

	mu        sync.Mutex
	lastSweep time.Time

	now func() time.Time // test seam
}

// New creates a Sweeper.
func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:   cfg.Store,
		engine:  cfg.Engine,
		cache:   cfg.Cache,
		journal: cfg.Journal,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// MaybeSweep runs the full sweep unless one ran within the throttle window.
// Invoked by the daemon tick and inline on each claim.
func (s *Sweeper) MaybeSweep(ctx context.Context) {
	s.mu.Lock()
	if s.now().Sub(s.lastSweep) < sweepThrottle {
		s.mu.Unlock()
		return
	}
	s.lastSweep = s.now()
	s.mu.Unlock()

	s.Sweep(ctx)
}

// Sweep runs all three recovery passes unconditionally.
func (s *Sweeper) Sweep(ctx context.Context) {
	if err := s.sweepAbandonedSteps(ctx); err != nil {
		s.logger.Error("sweep abandoned steps failed", "error", err)
	}
	if err := s.sweepOrphanedStories(ctx); err != nil {
		s.logger.Error("sweep orphaned stories failed", "error", err)
	}
	if err := s.sweepStuckPipelines(ctx); err != nil {
		s.logger.Error("sweep stuck pipelines failed", "error", err)
	}
}

// sweepAbandonedSteps requeues or fails running steps whose worker never
// reported back within the agent timeout plus grace.
func (s *Sweeper) sweepAbandonedSteps(ctx context.Context) error {
	steps, err := s.store.StepsStuckSince(ctx, store.StepRunning, s.now())
	if err != nil {
		return err
	}
	for _, st := range steps {
		run, err := s.store.GetRun(ctx, st.RunID)
		if err != nil {
			s.logger.Warn("abandoned-step sweep: load run", "step", st.ID, "error", err)
			continue
		}
		cutoff := s.now().Add(-(s.agentTimeout(run.WorkflowID) + abandonGrace))
		if !st.UpdatedAt.Before(cutoff) {
			continue
		}
		if st.Type == store.StepTypeLoop && st.CurrentStoryID == "" &&
			st.LoopConfig != nil && st.LoopConfig.VerifyEach && st.LoopConfig.VerifyStep != "" {
			// The loop is parked while its verify step runs; not abandoned.
			continue
		}
		if st.Type == store.StepTypeLoop && st.CurrentStoryID != "" {
			if err := s.reapAbandonedStory(ctx, run, st); err != nil {
				s.logger.Error("reap abandoned story failed", "step", st.ID, "error", err)
			}
			continue
		}
		if err := s.reapAbandonedStep(ctx, run, st); err != nil {
			s.logger.Error("reap abandoned step failed", "step", st.ID, "error", err)
		}
	}
	return nil
}

// agentTimeout resolves the largest agent timeout of a workflow, falling back
// to the default when the spec cannot be loaded.
func (s *Sweeper) agentTimeout(workflowID string) time.Duration {
	if s.cache != nil {
		if spec, err := s.cache.Get(workflowID); err == nil {
			return time.Duration(spec.MaxAgentTimeoutSeconds()) * time.Second
		}
	}
	return time.Hour
}

// reapAbandonedStory treats a silent loop worker as a story abandonment.
func (s *Sweeper) reapAbandonedStory(ctx context.Context, run *store.Run, st *store.Step) error {
	var evs []events.Event
	requeued := false
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		evs = nil
		requeued = false
		story, err := s.store.GetStoryTx(ctx, tx, st.CurrentStoryID)
		if err != nil {
			return err
		}
		retryCount, err := s.store.IncrementStoryRetryTx(ctx, tx, story.ID)
		if err != nil {
			return err
		}
		if retryCount > story.MaxRetries {
			if _, err := s.store.SetStoryStatusTx(ctx, tx, story.ID, story.Status, store.StoryFailed); err != nil {
				return err
			}
			if _, err := s.store.SetStepStatusTx(ctx, tx, st.ID, store.StepRunning, store.StepFailed); err != nil {
				return err
			}
			if _, err := s.store.SetRunStatusTx(ctx, tx, run.ID, store.RunFailed); err != nil {
				return err
			}
			evs = []events.Event{
				{Event: events.StepTimeout, StepID: st.StepID, AgentID: st.AgentID, StoryID: story.StoryID, Detail: "worker abandoned story"},
				{Event: events.StoryFailed, StepID: st.StepID, AgentID: st.AgentID, StoryID: story.StoryID, StoryTitle: story.Title},
				{Event: events.RunFailed, Detail: "story retries exhausted after abandonment"},
			}
			return nil
		}
		if _, err := s.store.SetStoryStatusTx(ctx, tx, story.ID, story.Status, store.StoryPending); err != nil {
			return err
		}
		if err := s.store.SetCurrentStoryTx(ctx, tx, st.ID, ""); err != nil {
			return err
		}
		if _, err := s.store.SetStepStatusTx(ctx, tx, st.ID, store.StepRunning, store.StepPending); err != nil {
			return err
		}
		if err := s.store.DeleteSessionsForStepTx(ctx, tx, st.ID); err != nil {
			return err
		}
		requeued = true
		evs = []events.Event{
			{Event: events.StepTimeout, StepID: st.StepID, AgentID: st.AgentID, StoryID: story.StoryID, Detail: "worker abandoned story"},
			{Event: events.StoryRetry, StepID: st.StepID, AgentID: st.AgentID, StoryID: story.StoryID, StoryTitle: story.Title,
				Detail: fmt.Sprintf("requeued after abandonment (%d/%d)", retryCount, story.MaxRetries)},
		}
		return nil
	})
	if err != nil {
		return err
	}
	if requeued {
		s.recovered(ctx)
	}
	s.emit(ctx, run, evs)
	return nil
}

// reapAbandonedStep requeues a single step, failing it only after the
// abandonment cap.
func (s *Sweeper) reapAbandonedStep(ctx context.Context, run *store.Run, st *store.Step) error {
	var evs []events.Event
	requeued := false
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		evs = nil
		requeued = false
		abandoned, err := s.store.IncrementStepAbandonedTx(ctx, tx, st.ID)
		if err != nil {
			return err
		}
		if err := s.store.DeleteSessionsForStepTx(ctx, tx, st.ID); err != nil {
			return err
		}
		if abandoned >= maxAbandonments {
			if _, err := s.store.SetStepStatusTx(ctx, tx, st.ID, store.StepRunning, store.StepFailed); err != nil {
				return err
			}
			if _, err := s.store.SetRunStatusTx(ctx, tx, run.ID, store.RunFailed); err != nil {
				return err
			}
			evs = []events.Event{
				{Event: events.StepTimeout, StepID: st.StepID, AgentID: st.AgentID, Detail: "worker abandoned step"},
				{Event: events.StepFailed, StepID: st.StepID, AgentID: st.AgentID,
					Detail: fmt.Sprintf("abandoned %d times", abandoned)},
				{Event: events.RunFailed, Detail: fmt.Sprintf("step %s abandoned %d times", st.StepID, abandoned)},
			}
			return nil
		}
		if _, err := s.store.SetStepStatusTx(ctx, tx, st.ID, store.StepRunning, store.StepPending); err != nil {
			return err
		}
		requeued = true
		evs = []events.Event{
			{Event: events.StepTimeout, StepID: st.StepID, AgentID: st.AgentID,
				Detail: fmt.Sprintf("requeued after abandonment (%d/%d)", abandoned, maxAbandonments)},
		}
		return nil
	})
	if err != nil {
		return err
	}
	if requeued {
		s.recovered(ctx)
	}
	s.emit(ctx, run, evs)
	return nil
}

// sweepOrphanedStories resets running stories that no step owns back to
// pending without touching retries.
func (s *Sweeper) sweepOrphanedStories(ctx context.Context) error {
	stories, err := s.store.StoriesStuckSince(ctx, store.StoryRunning, s.now())
	if err != nil {
		return err
	}
	for _, story := range stories {
		err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
			owner, err := s.ownerStepTx(ctx, tx, story.RunID, story.ID)
			if err != nil {
				return err
			}
			if owner != nil {
				return nil
			}
			reset, err := s.store.SetStoryStatusTx(ctx, tx, story.ID, store.StoryRunning, store.StoryPending)
			if reset {
				s.recovered(ctx)
			}
			return err
		})
		if err != nil {
			s.logger.Error("orphaned-story sweep failed", "story", story.ID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) ownerStepTx(ctx context.Context, tx *sql.Tx, runID, storyRowID string) (*store.Step, error) {
	steps, err := s.store.RunStepsTx(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if st.CurrentStoryID == storyRowID &&
			(st.Status == store.StepRunning || st.Status == store.StepClaiming || st.Status == store.StepPending) {
			return st, nil
		}
	}
	return nil, nil
}

// sweepStuckPipelines re-advances runs where a loop step finished but no
// later step moved: the verify-each close-out path can leave a waiting step
// behind if the process died between transactions.
func (s *Sweeper) sweepStuckPipelines(ctx context.Context) error {
	runs, err := s.store.RunningRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		steps, err := s.store.RunSteps(ctx, run.ID)
		if err != nil {
			s.logger.Warn("stuck-pipeline sweep: load steps", "run", run.ID, "error", err)
			continue
		}
		loopDone := false
		inFlight := false
		waiting := false
		for _, st := range steps {
			switch {
			case st.Type == store.StepTypeLoop && st.Status == store.StepDone:
				loopDone = true
			case st.Status == store.StepPending || st.Status == store.StepClaiming || st.Status == store.StepRunning:
				inFlight = true
			case st.Status == store.StepWaiting:
				waiting = true
			}
		}
		if loopDone && !inFlight && waiting {
			if _, err := s.engine.AdvancePipeline(ctx, run.ID); err != nil {
				s.logger.Error("stuck-pipeline advance failed", "run", run.ID, "error", err)
			} else {
				s.recovered(ctx)
				s.logger.Info("stuck pipeline advanced", "run", run.ID)
			}
		}
	}
	return nil
}

// SweepClaims reverts steps and stories stuck in claiming past the claim
// timeout, charging a retry. Runs on its own (2 minute) cadence.
func (s *Sweeper) SweepClaims(ctx context.Context) {
	cutoff := s.now().Add(-claimTimeout)

	steps, err := s.store.StepsStuckSince(ctx, store.StepClaiming, cutoff)
	if err != nil {
		s.logger.Error("claim sweep: query steps", "error", err)
		steps = nil
	}
	for _, st := range steps {
		run, err := s.store.GetRun(ctx, st.RunID)
		if err != nil {
			continue
		}
		err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := s.store.IncrementStepRetryTx(ctx, tx, st.ID); err != nil {
				return err
			}
			_, err := s.store.SetStepStatusTx(ctx, tx, st.ID, store.StepClaiming, store.StepPending)
			return err
		})
		if err != nil {
			s.logger.Error("claim sweep: revert step", "step", st.ID, "error", err)
			continue
		}
		s.recovered(ctx)
		s.emit(ctx, run, []events.Event{{
			Event: events.StepRollback, StepID: st.StepID, AgentID: st.AgentID,
			Detail: "stale claim reverted",
		}})
	}

	stories, err := s.store.StoriesStuckSince(ctx, store.StoryClaiming, cutoff)
	if err != nil {
		s.logger.Error("claim sweep: query stories", "error", err)
		stories = nil
	}
	for _, story := range stories {
		run, err := s.store.GetRun(ctx, story.RunID)
		if err != nil {
			continue
		}
		err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := s.store.IncrementStoryRetryTx(ctx, tx, story.ID); err != nil {
				return err
			}
			if _, err := s.store.SetStoryStatusTx(ctx, tx, story.ID, store.StoryClaiming, store.StoryPending); err != nil {
				return err
			}
			if owner, err := s.ownerStepTx(ctx, tx, story.RunID, story.ID); err != nil {
				return err
			} else if owner != nil {
				if err := s.store.ClearCurrentStoryIfTx(ctx, tx, owner.ID, story.ID); err != nil {
					return err
				}
				if owner.Status == store.StepClaiming {
					if _, err := s.store.SetStepStatusTx(ctx, tx, owner.ID, store.StepClaiming, store.StepPending); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Error("claim sweep: revert story", "story", story.ID, "error", err)
			continue
		}
		s.recovered(ctx)
		s.emit(ctx, run, []events.Event{{
			Event: events.StoryRollback, StoryID: story.StoryID, StoryTitle: story.Title,
			Detail: "stale claim reverted",
		}})
	}
}

// GCSessions drops session records past their maximum age or whose step is no
// longer live. Runs on its own (10 minute) cadence.
func (s *Sweeper) GCSessions(ctx context.Context) {
	removed, err := s.store.GCSessions(ctx, s.now().Add(-sessionMaxAge))
	if err != nil {
		s.logger.Error("session gc failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("session gc", "removed", removed)
	}
}

// recovered counts one row the sweeper put back on track.
func (s *Sweeper) recovered(ctx context.Context) {
	if s.metrics != nil {
		otel.Add(ctx, s.metrics.SweepRecovered, 1)
	}
}

func (s *Sweeper) emit(ctx context.Context, run *store.Run, evs []events.Event) {
	if s.journal == nil {
		return
	}
	for _, ev := range evs {
		ev.RunID = run.ID
		ev.WorkflowID = run.WorkflowID
		s.journal.Emit(ctx, ev, run.NotifyURL)
	}
}
