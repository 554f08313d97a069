package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ajfrai/agent-queue/internal/task/models"
)

// CreateComment inserts a comment on a task.
func (s *Store) CreateComment(ctx context.Context, comment *models.Comment) error {
	if comment.UUID == "" {
		comment.UUID = uuid.New().String()
	}
	if comment.Author == "" {
		comment.Author = "user"
	}
	now := time.Now().UTC()
	comment.CreatedAt = now
	comment.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (uuid, task_id, content, author, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, comment.UUID, comment.TaskID, comment.Content, comment.Author,
		comment.CreatedAt, comment.UpdatedAt)
	if err != nil {
		return err
	}
	comment.ID, err = res.LastInsertId()
	return err
}

// ListComments returns a task's comments oldest first.
func (s *Store) ListComments(ctx context.Context, taskID int64) ([]*models.Comment, error) {
	var comments []*models.Comment
	err := s.ro.SelectContext(ctx, &comments,
		`SELECT id, uuid, task_id, content, author, created_at, updated_at
		 FROM comments WHERE task_id = ? ORDER BY id ASC`, taskID)
	return comments, err
}

// LatestComments returns the most recent comment per task for a batch of ids.
func (s *Store) LatestComments(ctx context.Context, taskIDs []int64) (map[int64]*models.Comment, error) {
	result := map[int64]*models.Comment{}
	if len(taskIDs) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`
		SELECT c.id, c.uuid, c.task_id, c.content, c.author, c.created_at, c.updated_at
		FROM comments c
		WHERE c.task_id IN (?) AND c.id = (
			SELECT MAX(id) FROM comments WHERE task_id = c.task_id
		)`, taskIDs)
	if err != nil {
		return nil, err
	}

	var comments []*models.Comment
	if err := s.ro.SelectContext(ctx, &comments, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, c := range comments {
		result[c.TaskID] = c
	}
	return result, nil
}
