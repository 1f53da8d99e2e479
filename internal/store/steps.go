package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StepType distinguishes plain steps from story loops.
type StepType string

const (
	StepTypeSingle StepType = "single"
	StepTypeLoop   StepType = "loop"
)

// LoopConfig configures a loop step's verify-each behaviour.
type LoopConfig struct {
	VerifyEach bool   `json:"verifyEach,omitempty" yaml:"verifyEach"`
	VerifyStep string `json:"verifyStep,omitempty" yaml:"verifyStep"`
}

// Step is one ordered unit of work within a run, owned by a single agent.
type Step struct {
	ID             string      `json:"id"`
	RunID          string      `json:"run_id"`
	StepID         string      `json:"step_id"`
	AgentID        string      `json:"agent_id"`
	StepIndex      int         `json:"step_index"`
	InputTemplate  string      `json:"input_template"`
	Expects        string      `json:"expects"`
	Type           StepType    `json:"type"`
	LoopConfig     *LoopConfig `json:"loop_config,omitempty"`
	MaxRetries     int         `json:"max_retries"`
	RetryCount     int         `json:"retry_count"`
	AbandonedCount int         `json:"abandoned_count"`
	Status         StepStatus  `json:"status"`
	CurrentStoryID string      `json:"current_story_id,omitempty"`
	Output         string      `json:"output,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

const stepColumns = `id, run_id, step_id, agent_id, step_index, input_template, expects, step_type,
	loop_config, max_retries, retry_count, abandoned_count, status,
	COALESCE(current_story_id, ''), COALESCE(output, ''), created_at, updated_at`

func scanStep(scanFn func(dest ...any) error) (*Step, error) {
	var st Step
	var loopConfig sql.NullString
	if err := scanFn(
		&st.ID,
		&st.RunID,
		&st.StepID,
		&st.AgentID,
		&st.StepIndex,
		&st.InputTemplate,
		&st.Expects,
		&st.Type,
		&loopConfig,
		&st.MaxRetries,
		&st.RetryCount,
		&st.AbandonedCount,
		&st.Status,
		&st.CurrentStoryID,
		&st.Output,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if loopConfig.Valid && loopConfig.String != "" {
		var lc LoopConfig
		if err := json.Unmarshal([]byte(loopConfig.String), &lc); err != nil {
			return nil, fmt.Errorf("decode loop config: %w", err)
		}
		st.LoopConfig = &lc
	}
	return &st, nil
}

// InsertStepTx inserts one step row. Step index 0 must be inserted as pending,
// the rest as waiting; the caller (run creation) decides.
func (s *Store) InsertStepTx(ctx context.Context, tx *sql.Tx, st *Step) error {
	var loopConfig any
	if st.LoopConfig != nil {
		b, err := json.Marshal(st.LoopConfig)
		if err != nil {
			return fmt.Errorf("encode loop config: %w", err)
		}
		loopConfig = string(b)
	}
	if st.Type == "" {
		st.Type = StepTypeSingle
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, step_id, agent_id, step_index, input_template, expects,
			step_type, loop_config, max_retries, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, st.ID, st.RunID, st.StepID, st.AgentID, st.StepIndex, st.InputTemplate, st.Expects,
		st.Type, loopConfig, st.MaxRetries, st.Status); err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// GetStep loads a step by row id.
func (s *Store) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?;`, id)
	st, err := scanStep(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// GetStepTx loads a step by row id inside tx.
func (s *Store) GetStepTx(ctx context.Context, tx *sql.Tx, id string) (*Step, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?;`, id)
	st, err := scanStep(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// GetStepByNameTx loads a step by its human name within a run.
func (s *Store) GetStepByNameTx(ctx context.Context, tx *sql.Tx, runID, stepID string) (*Step, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND step_id = ?;`, runID, stepID)
	st, err := scanStep(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// RunStepsTx returns every step of a run ordered by step_index.
func (s *Store) RunStepsTx(ctx context.Context, tx *sql.Tx, runID string) ([]*Step, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY step_index;`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run steps: %w", err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RunSteps returns every step of a run ordered by step_index, outside a tx.
func (s *Store) RunSteps(ctx context.Context, runID string) ([]*Step, error) {
	var out []*Step
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		steps, err := s.RunStepsTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		out = steps
		return nil
	})
	return out, err
}

// SetStepStatusTx transitions a step's status, enforcing the lifecycle. It
// returns false without error when the step is no longer in the expected
// state (lost race) and errors on an illegal transition.
func (s *Store) SetStepStatusTx(ctx context.Context, tx *sql.Tx, id string, from, to StepStatus) (bool, error) {
	var current StepStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM steps WHERE id = ?;`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("select step status: %w", err)
	}
	if current != from {
		return false, nil
	}
	if !canStepTransition(from, to) {
		return false, fmt.Errorf("illegal step transition %s -> %s", from, to)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE steps SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("update step status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("step status rows affected: %w", err)
	}
	return affected == 1, nil
}

// SetStepOutputTx stores a step's final output.
func (s *Store) SetStepOutputTx(ctx context.Context, tx *sql.Tx, id, output string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE steps SET output = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, output, id); err != nil {
		return fmt.Errorf("update step output: %w", err)
	}
	return nil
}

// SetCurrentStoryTx points a loop step at the story being worked, or clears
// it with "".
func (s *Store) SetCurrentStoryTx(ctx context.Context, tx *sql.Tx, id, storyID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE steps SET current_story_id = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, storyID, id); err != nil {
		return fmt.Errorf("update current story: %w", err)
	}
	return nil
}

// ClearCurrentStoryIfTx clears current_story_id only while it still points at
// storyID. Spawn rollback uses this so a concurrent re-claim is not clobbered.
func (s *Store) ClearCurrentStoryIfTx(ctx context.Context, tx *sql.Tx, id, storyID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE steps SET current_story_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND current_story_id = ?;
	`, id, storyID); err != nil {
		return fmt.Errorf("clear current story: %w", err)
	}
	return nil
}

// IncrementStepRetryTx bumps retry_count and returns the new value.
func (s *Store) IncrementStepRetryTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE steps SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, id); err != nil {
		return 0, fmt.Errorf("increment step retry: %w", err)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM steps WHERE id = ?;`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read step retry: %w", err)
	}
	return count, nil
}

// IncrementStepAbandonedTx bumps abandoned_count and returns the new value.
// Abandonments are tracked separately from retries: process death is not the
// agent's fault.
func (s *Store) IncrementStepAbandonedTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE steps SET abandoned_count = abandoned_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, id); err != nil {
		return 0, fmt.Errorf("increment step abandoned: %w", err)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT abandoned_count FROM steps WHERE id = ?;`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read step abandoned: %w", err)
	}
	return count, nil
}

// PendingStepForAgentTx selects the claimable pending step for an agent:
// lowest (run_id, step_index) whose run is still running and daemon-scheduled.
// Runs already failed or cancelled, and cron-scheduled runs (including a NULL
// scheduler), never hand out work here.
func (s *Store) PendingStepForAgentTx(ctx context.Context, tx *sql.Tx, agentID string) (*Step, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE agent_id = ? AND status = 'pending'
			AND run_id IN (SELECT id FROM runs WHERE status = 'running' AND scheduler = 'daemon')
		ORDER BY run_id, step_index
		LIMIT 1;
	`, agentID)
	st, err := scanStep(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// RunningLoopStepForAgentTx finds an agent's loop step currently in running,
// scoped to running daemon-scheduled runs, for the story-claim path.
func (s *Store) RunningLoopStepForAgentTx(ctx context.Context, tx *sql.Tx, agentID string) (*Step, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE agent_id = ? AND status = 'running' AND step_type = 'loop'
			AND run_id IN (SELECT id FROM runs WHERE status = 'running' AND scheduler = 'daemon')
		ORDER BY run_id, step_index
		LIMIT 1;
	`, agentID)
	st, err := scanStep(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// StepsStuckSince returns steps in the given status whose updated_at is older
// than the cutoff and whose run is still running.
func (s *Store) StepsStuckSince(ctx context.Context, status StepStatus, cutoff time.Time) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE status = ? AND updated_at < ?
			AND run_id IN (SELECT id FROM runs WHERE status = 'running')
		ORDER BY updated_at;
	`, status, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stuck steps: %w", err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stuck step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
