package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Story is a self-contained work item ingested from a planner step's output
// and executed inside a loop step.
type Story struct {
	ID                 string      `json:"id"`
	RunID              string      `json:"run_id"`
	StoryIndex         int         `json:"story_index"`
	StoryID            string      `json:"story_id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	AcceptanceCriteria []string    `json:"acceptance_criteria"`
	Status             StoryStatus `json:"status"`
	Output             string      `json:"output,omitempty"`
	RetryCount         int         `json:"retry_count"`
	MaxRetries         int         `json:"max_retries"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

const storyColumns = `id, run_id, story_index, story_id, title, description, acceptance_criteria,
	status, COALESCE(output, ''), retry_count, max_retries, created_at, updated_at`

func scanStory(scanFn func(dest ...any) error) (*Story, error) {
	var st Story
	var criteriaJSON string
	if err := scanFn(
		&st.ID,
		&st.RunID,
		&st.StoryIndex,
		&st.StoryID,
		&st.Title,
		&st.Description,
		&criteriaJSON,
		&st.Status,
		&st.Output,
		&st.RetryCount,
		&st.MaxRetries,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if criteriaJSON != "" {
		if err := json.Unmarshal([]byte(criteriaJSON), &st.AcceptanceCriteria); err != nil {
			return nil, fmt.Errorf("decode acceptance criteria: %w", err)
		}
	}
	return &st, nil
}

// InsertStoryTx inserts one story row.
func (s *Store) InsertStoryTx(ctx context.Context, tx *sql.Tx, st *Story) error {
	criteriaJSON, err := json.Marshal(st.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("encode acceptance criteria: %w", err)
	}
	if st.Status == "" {
		st.Status = StoryPending
	}
	if st.MaxRetries == 0 {
		st.MaxRetries = 2
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stories (id, run_id, story_index, story_id, title, description,
			acceptance_criteria, status, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, st.ID, st.RunID, st.StoryIndex, st.StoryID, st.Title, st.Description,
		string(criteriaJSON), st.Status, st.MaxRetries); err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	return nil
}

// GetStoryTx loads a story by row id inside tx.
func (s *Store) GetStoryTx(ctx context.Context, tx *sql.Tx, id string) (*Story, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ?;`, id)
	st, err := scanStory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// RunStoriesTx returns all stories of a run ordered by story_index.
func (s *Store) RunStoriesTx(ctx context.Context, tx *sql.Tx, runID string) ([]*Story, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE run_id = ? ORDER BY story_index;`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run stories: %w", err)
	}
	defer rows.Close()

	var out []*Story
	for rows.Next() {
		st, err := scanStory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RunStories returns all stories of a run ordered by story_index.
func (s *Store) RunStories(ctx context.Context, runID string) ([]*Story, error) {
	var out []*Story
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		stories, err := s.RunStoriesTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		out = stories
		return nil
	})
	return out, err
}

// RunHasStoriesTx reports whether any stories were ingested for the run.
func (s *Store) RunHasStoriesTx(ctx context.Context, tx *sql.Tx, runID string) (bool, error) {
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM stories WHERE run_id = ?;`, runID).Scan(&count); err != nil {
		return false, fmt.Errorf("count run stories: %w", err)
	}
	return count > 0, nil
}

// NextPendingStoryTx picks the lowest-index pending story of a run.
func (s *Store) NextPendingStoryTx(ctx context.Context, tx *sql.Tx, runID string) (*Story, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE run_id = ? AND status = 'pending'
		ORDER BY story_index
		LIMIT 1;
	`, runID)
	st, err := scanStory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// StoryStatusCountsTx tallies a run's stories by status.
func (s *Store) StoryStatusCountsTx(ctx context.Context, tx *sql.Tx, runID string) (map[StoryStatus]int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM stories WHERE run_id = ? GROUP BY status;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("count stories by status: %w", err)
	}
	defer rows.Close()

	out := map[StoryStatus]int{}
	for rows.Next() {
		var status StoryStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan story count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// SetStoryStatusTx transitions a story's status, enforcing the lifecycle.
func (s *Store) SetStoryStatusTx(ctx context.Context, tx *sql.Tx, id string, from, to StoryStatus) (bool, error) {
	var current StoryStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM stories WHERE id = ?;`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("select story status: %w", err)
	}
	if current != from {
		return false, nil
	}
	if !canStoryTransition(from, to) {
		return false, fmt.Errorf("illegal story transition %s -> %s", from, to)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE stories SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("update story status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("story status rows affected: %w", err)
	}
	return affected == 1, nil
}

// SetStoryOutputTx stores a story's output.
func (s *Store) SetStoryOutputTx(ctx context.Context, tx *sql.Tx, id, output string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE stories SET output = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, output, id); err != nil {
		return fmt.Errorf("update story output: %w", err)
	}
	return nil
}

// IncrementStoryRetryTx bumps retry_count and returns the new value.
func (s *Store) IncrementStoryRetryTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE stories SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, id); err != nil {
		return 0, fmt.Errorf("increment story retry: %w", err)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM stories WHERE id = ?;`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read story retry: %w", err)
	}
	return count, nil
}

// MostRecentDoneStoryTx finds the story most recently marked done in a run,
// used by verify-each to identify which story the verdict applies to.
func (s *Store) MostRecentDoneStoryTx(ctx context.Context, tx *sql.Tx, runID string) (*Story, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE run_id = ? AND status = 'done'
		ORDER BY updated_at DESC, story_index DESC
		LIMIT 1;
	`, runID)
	st, err := scanStory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// StoriesStuckSince returns stories in the given status whose updated_at
// predates the cutoff, with their run still running.
func (s *Store) StoriesStuckSince(ctx context.Context, status StoryStatus, cutoff time.Time) ([]*Story, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE status = ? AND updated_at < ?
			AND run_id IN (SELECT id FROM runs WHERE status = 'running')
		ORDER BY updated_at;
	`, status, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stuck stories: %w", err)
	}
	defer rows.Close()

	var out []*Story
	for rows.Next() {
		st, err := scanStory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stuck story: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
