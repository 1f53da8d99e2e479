package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ActiveSession records a worker believed to be running. The composite key
// normalises a missing story to the empty string so step-level and
// story-level sessions coexist for the same agent and step.
type ActiveSession struct {
	AgentID   string    `json:"agent_id"`
	StepID    string    `json:"step_id"`
	StoryID   string    `json:"story_id"` // "" when the session owns a whole step
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	SpawnedBy string    `json:"spawned_by"` // daemon | cron
	SpawnedAt time.Time `json:"spawned_at"`
}

// InsertSessionTx records a live worker session. Replaces any stale row under
// the same composite key.
func (s *Store) InsertSessionTx(ctx context.Context, tx *sql.Tx, sess *ActiveSession) error {
	if sess.SpawnedBy == "" {
		sess.SpawnedBy = "daemon"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO active_sessions (agent_id, step_id, story_id, run_id, session_id, spawned_by, spawned_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, sess.AgentID, sess.StepID, sess.StoryID, sess.RunID, sess.SessionID, sess.SpawnedBy); err != nil {
		return fmt.Errorf("insert active session: %w", err)
	}
	return nil
}

// DeleteSessionsForStepTx removes every session owned by a step.
func (s *Store) DeleteSessionsForStepTx(ctx context.Context, tx *sql.Tx, stepID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM active_sessions WHERE step_id = ?;`, stepID); err != nil {
		return fmt.Errorf("delete step sessions: %w", err)
	}
	return nil
}

// ListSessions returns all recorded sessions.
func (s *Store) ListSessions(ctx context.Context) ([]*ActiveSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, step_id, story_id, run_id, session_id, spawned_by, spawned_at
		FROM active_sessions ORDER BY spawned_at;
	`)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var out []*ActiveSession
	for rows.Next() {
		var sess ActiveSession
		if err := rows.Scan(&sess.AgentID, &sess.StepID, &sess.StoryID, &sess.RunID,
			&sess.SessionID, &sess.SpawnedBy, &sess.SpawnedAt); err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// SessionsForRun returns sessions referencing the run.
func (s *Store) SessionsForRun(ctx context.Context, runID string) ([]*ActiveSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, step_id, story_id, run_id, session_id, spawned_by, spawned_at
		FROM active_sessions WHERE run_id = ? ORDER BY spawned_at;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run sessions: %w", err)
	}
	defer rows.Close()

	var out []*ActiveSession
	for rows.Next() {
		var sess ActiveSession
		if err := rows.Scan(&sess.AgentID, &sess.StepID, &sess.StoryID, &sess.RunID,
			&sess.SessionID, &sess.SpawnedBy, &sess.SpawnedAt); err != nil {
			return nil, fmt.Errorf("scan run session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// GCSessions removes sessions older than the cutoff or whose step is no
// longer pending or running. Returns the number of rows removed.
func (s *Store) GCSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM active_sessions
		WHERE spawned_at < ?
			OR step_id NOT IN (SELECT id FROM steps WHERE status IN ('pending', 'running'));
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("gc active sessions: %w", err)
	}
	return res.RowsAffected()
}
