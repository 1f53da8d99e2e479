// Package pipeline implements the run/step/story state machine: claiming
// work for agents, ingesting stories, driving verify-each loops, routing
// completion reports and advancing runs to their terminal state. The engine
// is the sole writer of run, step and story status.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vardaSoft/antfarm/internal/events"
	"github.com/vardaSoft/antfarm/internal/store"
)

// ErrInvalidStories is wrapped by stories-ingestion validation failures. The
// step stays running; the caller surfaces the error to the worker.
var ErrInvalidStories = errors.New("invalid STORIES_JSON payload")

// ErrStoryAlreadyClaimed reports a loop step whose current story is still
// being worked.
var ErrStoryAlreadyClaimed = errors.New("story already claimed")

// Config holds the engine's dependencies.
type Config struct {
	Store    *store.Store
	Journal  *events.Journal
	Logger   *slog.Logger
	StateDir string
}

// Engine advances the pipeline. All mutations happen inside a single store
// transaction per operation; git heuristics and progress-file archival stay
// outside it. The progress file is read inside the story-claim transaction.
type Engine struct {
	store    *store.Store
	journal  *events.Journal
	logger   *slog.Logger
	stateDir string

	// PreClaim, when set, runs before each ClaimStep. The app wires the
	// recovery sweeper's throttled sweep here.
	PreClaim func(ctx context.Context)

	// Teardown, when set, runs best-effort after a run reaches completed.
	Teardown func(ctx context.Context, run *store.Run)
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		journal:  cfg.Journal,
		logger:   logger,
		stateDir: cfg.StateDir,
	}
}

// ClaimResult is the outcome of a successful claim: the rows moved to
// claiming and the fully resolved worker input.
type ClaimResult struct {
	Run   *store.Run
	Step  *store.Step
	Story *store.Story // non-nil when a loop story was claimed
	Input string
}

// CompleteResult reports what CompleteStep changed.
type CompleteResult struct {
	Advanced     bool `json:"advanced"`
	RunCompleted bool `json:"run_completed"`
}

// FailResult reports what FailStep changed.
type FailResult struct {
	Retrying  bool `json:"retrying"`
	RunFailed bool `json:"run_failed"`
}

// emit writes one event record, best-effort.
func (e *Engine) emit(ctx context.Context, run *store.Run, ev events.Event) {
	if e.journal == nil {
		return
	}
	ev.RunID = run.ID
	ev.WorkflowID = run.WorkflowID
	e.journal.Emit(ctx, ev, run.NotifyURL)
}
