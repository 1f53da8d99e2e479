package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by single-row readers when no row matches.
var ErrNotFound = errors.New("store: not found")

// Run is one execution of a workflow for a particular task.
type Run struct {
	ID         string            `json:"id"`
	RunNumber  int64             `json:"run_number"`
	WorkflowID string            `json:"workflow_id"`
	Task       string            `json:"task"`
	Status     RunStatus         `json:"status"`
	Context    map[string]string `json:"context"`
	NotifyURL  string            `json:"notify_url,omitempty"`
	Scheduler  string            `json:"scheduler,omitempty"` // "" is treated as cron
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// EffectiveScheduler resolves the null-as-cron rule.
func (r *Run) EffectiveScheduler() string {
	if r.Scheduler == "" {
		return "cron"
	}
	return r.Scheduler
}

const runColumns = `id, run_number, workflow_id, task, status, context, COALESCE(notify_url, ''), COALESCE(scheduler, ''), created_at, updated_at`

func scanRun(scanFn func(dest ...any) error) (*Run, error) {
	var r Run
	var contextJSON string
	if err := scanFn(
		&r.ID,
		&r.RunNumber,
		&r.WorkflowID,
		&r.Task,
		&r.Status,
		&contextJSON,
		&r.NotifyURL,
		&r.Scheduler,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Context = map[string]string{}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &r.Context); err != nil {
			return nil, fmt.Errorf("decode run context: %w", err)
		}
	}
	return &r, nil
}

// CreateRunTx inserts a run, allocating the next monotonic run_number.
func (s *Store) CreateRunTx(ctx context.Context, tx *sql.Tx, run *Run) error {
	if run.Scheduler != "" && run.Scheduler != "cron" && run.Scheduler != "daemon" {
		return fmt.Errorf("invalid scheduler %q", run.Scheduler)
	}
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs;`).Scan(&next); err != nil {
		return fmt.Errorf("allocate run_number: %w", err)
	}
	run.RunNumber = next
	if run.Context == nil {
		run.Context = map[string]string{}
	}
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("encode run context: %w", err)
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, run_number, workflow_id, task, status, context, notify_url, scheduler, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, run.ID, run.RunNumber, run.WorkflowID, run.Task, run.Status, string(contextJSON), run.NotifyURL, run.Scheduler); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run outside any transaction.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, id)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// GetRunTx loads a run inside tx.
func (s *Store) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (*Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, id)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// SetRunStatusTx transitions a run's status. Terminal states are absorbing:
// the update is a no-op (returns false) once the run has left `running`.
func (s *Store) SetRunStatusTx(ctx context.Context, tx *sql.Tx, id string, to RunStatus) (bool, error) {
	var current RunStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?;`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("select run status: %w", err)
	}
	if current.Terminal() {
		return false, nil
	}
	if !canRunTransition(current, to) {
		return false, fmt.Errorf("illegal run transition %s -> %s", current, to)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, id, current)
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("run status rows affected: %w", err)
	}
	return affected == 1, nil
}

// SetRunContextTx replaces the run's context map.
func (s *Store) SetRunContextTx(ctx context.Context, tx *sql.Tx, id string, contextMap map[string]string) error {
	contextJSON, err := json.Marshal(contextMap)
	if err != nil {
		return fmt.Errorf("encode run context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET context = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, string(contextJSON), id); err != nil {
		return fmt.Errorf("update run context: %w", err)
	}
	return nil
}

// DistinctDaemonWorkflows returns workflow ids with at least one running,
// daemon-scheduled run. Cron-scheduled runs (including NULL scheduler) are
// never returned, keeping the daemon off the cron fabric's work.
func (s *Store) DistinctDaemonWorkflows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT workflow_id FROM runs
		WHERE status = 'running' AND scheduler = 'daemon'
		ORDER BY workflow_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query daemon workflows: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRuns returns runs ordered by run_number descending.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs ORDER BY run_number DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// RunningRuns returns all runs in status running.
func (s *Store) RunningRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE status = 'running' ORDER BY run_number;
	`)
	if err != nil {
		return nil, fmt.Errorf("query running runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
