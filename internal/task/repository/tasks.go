package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ajfrai/agent-queue/internal/task/models"
)

const taskColumns = `id, uuid, title, description, status, priority, position,
	parent_task_id, project_id, complexity, recommended_model, active_session_id,
	metadata, created_at, started_at, completed_at`

// taskRow mirrors the tasks table with metadata as raw JSON.
type taskRow struct {
	models.Task
	RawMetadata string `db:"metadata"`
}

func (r *taskRow) toTask() *models.Task {
	t := r.Task
	t.Metadata = map[string]interface{}{}
	_ = json.Unmarshal([]byte(r.RawMetadata), &t.Metadata)
	return &t
}

func scanTasks(rows []taskRow) []*models.Task {
	tasks := make([]*models.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toTask())
	}
	return tasks
}

func marshalMetadata(m map[string]interface{}) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// CreateTask inserts a new task. The ID, UUID, and created timestamp are
// assigned here; position defaults to the end of the queue when zero.
// Parent links are validated against existing tasks and rejected if they
// would form a cycle.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if task.UUID == "" {
		task.UUID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	task.CreatedAt = time.Now().UTC()

	if task.ParentTaskID != nil {
		if err := s.checkParentChain(ctx, *task.ParentTaskID, 0); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if task.Position == 0 {
		if err := tx.GetContext(ctx, &task.Position,
			`SELECT COALESCE(MAX(position), 0) + 1 FROM tasks`); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (uuid, title, description, status, priority, position,
			parent_task_id, project_id, complexity, recommended_model,
			active_session_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.UUID, task.Title, task.Description, task.Status, task.Priority,
		task.Position, task.ParentTaskID, task.ProjectID, task.Complexity,
		task.RecommendedModel, task.ActiveSessionID,
		marshalMetadata(task.Metadata), task.CreatedAt)
	if err != nil {
		return err
	}
	task.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}

	return tx.Commit()
}

// checkParentChain walks the ancestor chain from parentID. A chain that
// revisits childID (or exceeds a sanity depth) is a cycle.
func (s *Store) checkParentChain(ctx context.Context, parentID, childID int64) error {
	const maxDepth = 1000
	current := parentID
	for depth := 0; depth < maxDepth; depth++ {
		if childID != 0 && current == childID {
			return ErrCycle
		}
		var next sql.NullInt64
		err := s.ro.GetContext(ctx, &next,
			`SELECT parent_task_id FROM tasks WHERE id = ?`, current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("parent task %d: %w", current, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !next.Valid {
			return nil
		}
		current = next.Int64
	}
	return ErrCycle
}

// GetTask retrieves a task by internal id.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var row taskRow
	err := s.ro.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toTask(), nil
}

// GetTaskByUUID retrieves a task by external identifier.
func (s *Store) GetTaskByUUID(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	err := s.ro.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM tasks WHERE uuid = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toTask(), nil
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status    models.TaskStatus
	ProjectID *int64
	Limit     int
	Offset    int
}

// ListTasks returns tasks ordered by (position, priority desc, id).
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []interface{}{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.ProjectID != nil {
		query += ` AND project_id = ?`
		args = append(args, *filter.ProjectID)
	}
	query += ` ORDER BY position ASC, priority DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	var rows []taskRow
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return scanTasks(rows), nil
}

// UpdateTask writes the full task row except metadata, which is only
// ever changed through MergeMetadata.
func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	if task.ParentTaskID != nil {
		if *task.ParentTaskID == task.ID {
			return ErrCycle
		}
		if err := s.checkParentChain(ctx, *task.ParentTaskID, task.ID); err != nil {
			return err
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?,
			position = ?, parent_task_id = ?, project_id = ?, complexity = ?,
			recommended_model = ?, active_session_id = ?, started_at = ?,
			completed_at = ?
		WHERE id = ?
	`, task.Title, task.Description, task.Status, task.Priority, task.Position,
		task.ParentTaskID, task.ProjectID, task.Complexity, task.RecommendedModel,
		task.ActiveSessionID, task.StartedAt, task.CompletedAt, task.ID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %d: %w", task.ID, ErrNotFound)
	}
	return nil
}

// SetTaskStatus transitions a task and maintains the status timestamps:
// started_at on entering executing, completed_at on entering a terminal
// state or ready_for_review, and cleared when the task is requeued.
// active_session_id is cleared on any non-executing status.
func (s *Store) SetTaskStatus(ctx context.Context, id int64, status models.TaskStatus) (*models.Task, error) {
	now := time.Now().UTC()

	var startedAt, completedAt interface{}
	switch status {
	case models.TaskStatusExecuting:
		startedAt = now
	case models.TaskStatusCompleted, models.TaskStatusFailed,
		models.TaskStatusCancelled, models.TaskStatusDecomposed,
		models.TaskStatusReadyForReview:
		completedAt = now
	}

	query := `UPDATE tasks SET status = ?`
	args := []interface{}{status}
	if startedAt != nil {
		query += `, started_at = ?`
		args = append(args, startedAt)
	}
	if completedAt != nil {
		query += `, completed_at = ?`
		args = append(args, completedAt)
	}
	if status == models.TaskStatusPending {
		query += `, completed_at = NULL`
	}
	if status != models.TaskStatusExecuting {
		query += `, active_session_id = NULL`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return s.GetTask(ctx, id)
}

// SetTaskExecuting marks a task executing and records its active session.
func (s *Store) SetTaskExecuting(ctx context.Context, id, sessionID int64) (*models.Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, active_session_id = ?, started_at = ?
		WHERE id = ?
	`, models.TaskStatusExecuting, sessionID, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return s.GetTask(ctx, id)
}

// TaskPosition is one element of a reorder request.
type TaskPosition struct {
	ID       int64 `json:"id"`
	Position int   `json:"position"`
}

// ReorderTasks applies new positions in one transaction.
func (s *Store) ReorderTasks(ctx context.Context, positions []TaskPosition) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range positions {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET position = ? WHERE id = ?`, p.Position, p.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteTask removes a task row entirely. Comments and sessions cascade
// via their foreign keys; subtasks keep their rows with a cleared parent
// link. Cancellation is the normal path; this is for administrative
// cleanup only.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// Subtasks returns the children of a parent task in position order.
func (s *Store) Subtasks(ctx context.Context, parentID int64) ([]*models.Task, error) {
	var rows []taskRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = ?
		 ORDER BY position ASC, priority DESC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows), nil
}

// CreateSubtasks inserts the children of a decomposed parent in one
// transaction. Each child gets the parent link and an assigned position.
func (s *Store) CreateSubtasks(ctx context.Context, parentID int64, subtasks []*models.Task) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, st := range subtasks {
		if st.UUID == "" {
			st.UUID = uuid.New().String()
		}
		st.ParentTaskID = &parentID
		st.Status = models.TaskStatusPending
		st.CreatedAt = now

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (uuid, title, description, status, priority, position,
				parent_task_id, project_id, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, st.UUID, st.Title, st.Description, st.Status, st.Priority, st.Position,
			st.ParentTaskID, st.ProjectID, marshalMetadata(st.Metadata), st.CreatedAt)
		if err != nil {
			return err
		}
		st.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// NextPendingUnassessed returns up to limit pending tasks with no
// complexity set, in (position, priority desc, id) order.
func (s *Store) NextPendingUnassessed(ctx context.Context, limit int) ([]*models.Task, error) {
	var rows []taskRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND complexity IS NULL
		 ORDER BY position ASC, priority DESC, id ASC
		 LIMIT ?`, models.TaskStatusPending, limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows), nil
}

// NextExecutable returns up to limit assessed pending tasks whose
// metadata marks them active, in (position, priority desc, id) order.
func (s *Store) NextExecutable(ctx context.Context, limit int) ([]*models.Task, error) {
	var rows []taskRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND complexity IS NOT NULL
		   AND json_extract(metadata, '$.active') = 1
		 ORDER BY position ASC, priority DESC, id ASC
		 LIMIT ?`, models.TaskStatusPending, limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows), nil
}

// DedupePending collapses pending tasks sharing an exact
// (title, description, parent) triple, keeping the lowest id.
// The removed rows are returned so callers can emit events for them.
func (s *Store) DedupePending(ctx context.Context) ([]*models.Task, error) {
	var rows []taskRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks t
		 WHERE status = ? AND EXISTS (
			SELECT 1 FROM tasks k
			WHERE k.status = t.status AND k.title = t.title
			  AND k.description = t.description
			  AND (k.parent_task_id IS t.parent_task_id)
			  AND k.id < t.id
		 )`, models.TaskStatusPending)
	if err != nil {
		return nil, err
	}
	removed := scanTasks(rows)
	if len(removed) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(removed))
	for i, t := range removed {
		ids[i] = t.ID
	}
	query, args, err := sqlx.In(`DELETE FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return removed, nil
}

// MergeMetadata shallow-merges patch into the task's metadata. A key
// whose value is JSON null is deleted. The updated task is returned.
func (s *Store) MergeMetadata(ctx context.Context, id int64, patch map[string]interface{}) (*models.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.GetContext(ctx, &raw, `SELECT metadata FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	merged := map[string]interface{}{}
	_ = json.Unmarshal([]byte(raw), &merged)
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET metadata = ? WHERE id = ?`, marshalMetadata(merged), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// TasksInStatus returns every task whose status is one of the given set.
func (s *Store) TasksInStatus(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	query, args, err := sqlx.In(
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?)
		 ORDER BY position ASC, priority DESC, id ASC`, statuses)
	if err != nil {
		return nil, err
	}
	var rows []taskRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return scanTasks(rows), nil
}

// CountTasksByStatus returns the number of tasks in each status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[models.TaskStatus]int{}
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
