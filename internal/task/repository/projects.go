package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ajfrai/agent-queue/internal/task/models"
)

const projectColumns = `id, uuid, name, repo_dir, origin, default_branch, created_at`

// CreateProject registers a working directory for task execution.
func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	if project.UUID == "" {
		project.UUID = uuid.New().String()
	}
	if project.DefaultBranch == "" {
		project.DefaultBranch = "main"
	}
	project.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (uuid, name, repo_dir, origin, default_branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, project.UUID, project.Name, project.RepoDir, project.Origin,
		project.DefaultBranch, project.CreatedAt)
	if err != nil {
		return err
	}
	project.ID, err = res.LastInsertId()
	return err
}

// GetProject retrieves a project by internal id.
func (s *Store) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	var project models.Project
	err := s.ro.GetContext(ctx, &project,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// GetProjectByName retrieves a project by its unique name.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	var project models.Project
	err := s.ro.GetContext(ctx, &project,
		`SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// ListProjects returns all registered projects.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	var projects []*models.Project
	err := s.ro.SelectContext(ctx, &projects,
		`SELECT `+projectColumns+` FROM projects ORDER BY id ASC`)
	return projects, err
}

// DeleteProject removes a project registration. Tasks keep their rows;
// the FK sets their project_id to NULL.
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return nil
}
