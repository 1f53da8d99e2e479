// Package store provides durable storage for runs, steps, stories and active
// worker sessions on a single SQLite database file. All multi-row state
// changes execute inside one transaction; the pipeline engine composes the
// Tx-suffixed helpers under WithTx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "af-v1-2026-05-02-pipeline-core"

	// v2 adds runs.scheduler, steps.abandoned_count and
	// active_sessions.spawned_by as columns on databases created before the
	// daemon/cron split. The composite active_sessions key exists only where
	// the table is created fresh; an older table keeps its original key.
	schemaVersionV2  = 2
	schemaChecksumV2 = "af-v2-2026-05-19-scheduler-sessions"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// RunStatus enumerates run lifecycle states. Terminal states are absorbing.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus enumerates step lifecycle states.
type StepStatus string

const (
	StepWaiting  StepStatus = "waiting"
	StepPending  StepStatus = "pending"
	StepClaiming StepStatus = "claiming"
	StepRunning  StepStatus = "running"
	StepDone     StepStatus = "done"
	StepFailed   StepStatus = "failed"
)

// StoryStatus enumerates story lifecycle states.
type StoryStatus string

const (
	StoryPending  StoryStatus = "pending"
	StoryClaiming StoryStatus = "claiming"
	StoryRunning  StoryStatus = "running"
	StoryDone     StoryStatus = "done"
	StoryFailed   StoryStatus = "failed"
)

var allowedStepTransitions = map[StepStatus]map[StepStatus]struct{}{
	StepWaiting: {
		StepPending: {},
		StepDone:    {}, // verify step closed out when its loop completes
		StepFailed:  {}, // run cancellation fails every non-terminal step
	},
	StepPending: {
		StepClaiming: {},
		StepFailed:   {},
		StepDone:     {}, // loop step whose last story finished while it awaited re-claim
	},
	StepClaiming: {
		StepRunning: {},
		StepPending: {}, // spawn rollback / stale-claim sweep
		StepFailed:  {},
	},
	StepRunning: {
		StepDone:    {},
		StepFailed:  {},
		StepPending: {}, // loop continuation, verify retry, abandonment requeue
		StepWaiting: {}, // verify step reset for the next iteration
	},
	StepFailed: {
		StepPending: {}, // retry budget remaining
	},
}

var allowedStoryTransitions = map[StoryStatus]map[StoryStatus]struct{}{
	StoryPending: {
		StoryClaiming: {},
		StoryFailed:   {},
	},
	StoryClaiming: {
		StoryRunning: {},
		StoryPending: {}, // spawn rollback / stale-claim sweep
		StoryFailed:  {},
	},
	StoryRunning: {
		StoryDone:    {},
		StoryFailed:  {},
		StoryPending: {}, // abandonment requeue
	},
	StoryDone: {
		StoryPending: {}, // verify-each retry
		StoryFailed:  {}, // verify-each retry budget exhausted
	},
}

var allowedRunTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunRunning: {
		RunCompleted: {},
		RunFailed:    {},
		RunCancelled: {},
	},
}

func canStepTransition(from, to StepStatus) bool {
	next, ok := allowedStepTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func canStoryTransition(from, to StoryStatus) bool {
	next, ok := allowedStoryTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func canRunTransition(from, to RunStatus) bool {
	next, ok := allowedRunTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Store wraps the SQLite handle. A single writer connection serialises all
// mutators; readers see WAL snapshots.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the database location under the user state directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".antfarm", "antfarm.db")
}

// Open opens (creating if needed) the database at path and applies the fixed
// migration sequence idempotently.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Pragmas that can ride on the DSN do; journal_mode and synchronous must
	// be set per connection after open.
	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{"journal_mode=WAL", "synchronous=FULL"} {
		if _, err := db.ExecContext(ctx, "PRAGMA "+pragma+";"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the raw handle for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// busyBackoff is the sleep schedule between retries of a transaction that
// lost a lock race. The driver's busy_timeout already absorbs short waits;
// this ladder covers writers that hold the file longer. Each sleep is
// half-jittered so concurrent retriers spread out.
var busyBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	500 * time.Millisecond,
}

// withBusyRetry runs f, repeating it per the busyBackoff schedule while it
// keeps failing with SQLITE_BUSY or SQLITE_LOCKED.
func withBusyRetry(ctx context.Context, f func() error) error {
	for _, wait := range busyBackoff {
		err := f()
		if err == nil || !lockContention(err) {
			return err
		}
		sleep := wait/2 + rand.N(wait/2)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return f()
}

// lockContention reports whether err is the driver's BUSY or LOCKED result
// code, the only errors worth retrying blind.
func lockContention(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// WithTx executes fn against a transaction handle. It commits on success and
// rolls back on error or panic. Transient lock errors restart the whole
// transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		committed = true
		return nil
	})
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	// Phase 1: tables.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			run_number INTEGER NOT NULL,
			workflow_id TEXT NOT NULL,
			task TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed', 'cancelled')),
			context JSON NOT NULL DEFAULT '{}',
			notify_url TEXT,
			scheduler TEXT CHECK(scheduler IN ('cron', 'daemon')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			step_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			input_template TEXT NOT NULL DEFAULT '',
			expects TEXT NOT NULL DEFAULT '',
			step_type TEXT NOT NULL DEFAULT 'single' CHECK(step_type IN ('single', 'loop')),
			loop_config JSON,
			max_retries INTEGER NOT NULL DEFAULT 3,
			retry_count INTEGER NOT NULL DEFAULT 0,
			abandoned_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('waiting', 'pending', 'claiming', 'running', 'done', 'failed')),
			current_story_id TEXT,
			output TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, step_index),
			UNIQUE(run_id, step_id)
		);`,
		`CREATE TABLE IF NOT EXISTS stories (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			story_index INTEGER NOT NULL,
			story_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			acceptance_criteria JSON NOT NULL DEFAULT '[]',
			status TEXT NOT NULL CHECK(status IN ('pending', 'claiming', 'running', 'done', 'failed')),
			output TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 2,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, story_id)
		);`,
		// story_id '' means the session owns a whole step, not a story. NULL is
		// normalised to '' so the composite primary key collates correctly.
		`CREATE TABLE IF NOT EXISTS active_sessions (
			agent_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			story_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			spawned_by TEXT NOT NULL DEFAULT 'daemon' CHECK(spawned_by IN ('daemon', 'cron')),
			spawned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY(agent_id, step_id, story_id)
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: backfills for v1 databases (additive columns with defaults).
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE runs ADD COLUMN scheduler TEXT CHECK(scheduler IN ('cron', 'daemon'));`, desc: "runs.scheduler"},
		{stmt: `ALTER TABLE steps ADD COLUMN abandoned_count INTEGER NOT NULL DEFAULT 0;`, desc: "steps.abandoned_count"},
		{stmt: `ALTER TABLE active_sessions ADD COLUMN spawned_by TEXT NOT NULL DEFAULT 'daemon';`, desc: "active_sessions.spawned_by"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}

	// Phase 3: indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_steps_status ON steps(status);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_agent ON steps(agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, step_index);`,
		`CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status);`,
		`CREATE INDEX IF NOT EXISTS idx_stories_run ON stories(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_scheduler ON runs(scheduler);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_run ON active_sessions(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_story ON active_sessions(story_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
