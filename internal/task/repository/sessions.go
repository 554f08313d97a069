package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ajfrai/agent-queue/internal/task/models"
)

const sessionColumns = `id, uuid, task_id, working_dir, model, status, turn_count,
	stdout_path, stderr_path, pid, exit_code, agent_session_id, artifacts,
	created_at, started_at, completed_at, last_heartbeat`

type sessionRow struct {
	models.Session
	RawArtifacts string `db:"artifacts"`
}

func (r *sessionRow) toSession() *models.Session {
	s := r.Session
	s.Artifacts = map[string]interface{}{}
	_ = json.Unmarshal([]byte(r.RawArtifacts), &s.Artifacts)
	return &s
}

// CreateSession inserts a new session row in status created.
// At most one active session per task is allowed.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session.UUID == "" {
		session.UUID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusCreated
	}
	session.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.GetContext(ctx, &active,
		`SELECT COUNT(*) FROM sessions WHERE task_id = ? AND status IN (?, ?)`,
		session.TaskID, models.SessionStatusCreated, models.SessionStatusRunning)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("task %d already has an active session", session.TaskID)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (uuid, task_id, working_dir, model, status, turn_count,
			stdout_path, stderr_path, pid, exit_code, agent_session_id, artifacts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.UUID, session.TaskID, session.WorkingDir, session.Model,
		session.Status, session.TurnCount, session.StdoutPath, session.StderrPath,
		session.PID, session.ExitCode, session.AgentSessionID,
		marshalMetadata(session.Artifacts), session.CreatedAt)
	if err != nil {
		return err
	}
	session.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetSession retrieves a session by internal id.
func (s *Store) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	var row sessionRow
	err := s.ro.GetContext(ctx, &row,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toSession(), nil
}

// GetSessionByUUID retrieves a session by external identifier.
func (s *Store) GetSessionByUUID(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	err := s.ro.GetContext(ctx, &row,
		`SELECT `+sessionColumns+` FROM sessions WHERE uuid = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toSession(), nil
}

// UpdateSession writes the mutable session fields back.
func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET working_dir = ?, model = ?, status = ?, turn_count = ?,
			stdout_path = ?, stderr_path = ?, pid = ?, exit_code = ?,
			agent_session_id = ?, artifacts = ?, started_at = ?, completed_at = ?,
			last_heartbeat = ?
		WHERE id = ?
	`, session.WorkingDir, session.Model, session.Status, session.TurnCount,
		session.StdoutPath, session.StderrPath, session.PID, session.ExitCode,
		session.AgentSessionID, marshalMetadata(session.Artifacts),
		session.StartedAt, session.CompletedAt, session.LastHeartbeat, session.ID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session %d: %w", session.ID, ErrNotFound)
	}
	return nil
}

// MarkSessionRunning moves a created session to running, recording the
// pid and start time. The transition is conditional on the session
// still being in created: the exit callback for a fast-dying process
// can land first, and its terminal state must not be overwritten. The
// return value reports whether the transition applied.
func (s *Store) MarkSessionRunning(ctx context.Context, id int64, pid int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, pid = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, models.SessionStatusRunning, pid, time.Now().UTC(), id, models.SessionStatusCreated)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// ActiveSessionForTask returns the task's created or running session,
// or ErrNotFound.
func (s *Store) ActiveSessionForTask(ctx context.Context, taskID int64) (*models.Session, error) {
	var row sessionRow
	err := s.ro.GetContext(ctx, &row,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE task_id = ? AND status IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		taskID, models.SessionStatusCreated, models.SessionStatusRunning)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("active session for task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toSession(), nil
}

// CountRunningSessions returns the number of created or running sessions.
func (s *Store) CountRunningSessions(ctx context.Context) (int, error) {
	var n int
	err := s.ro.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sessions WHERE status IN (?, ?)`,
		models.SessionStatusCreated, models.SessionStatusRunning)
	return n, err
}

// ListActiveSessions returns every created or running session.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*models.Session, error) {
	var rows []sessionRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status IN (?, ?) ORDER BY id ASC`,
		models.SessionStatusCreated, models.SessionStatusRunning)
	if err != nil {
		return nil, err
	}
	sessions := make([]*models.Session, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toSession())
	}
	return sessions, nil
}

// TouchSessionHeartbeat records liveness for a running session.
func (s *Store) TouchSessionHeartbeat(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}
