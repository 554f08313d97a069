// Package scheduler owns the task state machine. Its operations are
// pure store transitions plus calls through narrow adapter interfaces;
// the heartbeat decides when each phase runs.
package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/agentcli"
	"github.com/ajfrai/agent-queue/internal/assessment"
	"github.com/ajfrai/agent-queue/internal/common/logger"
	"github.com/ajfrai/agent-queue/internal/events"
	"github.com/ajfrai/agent-queue/internal/task/models"
	"github.com/ajfrai/agent-queue/internal/vcs"
)

// Store is the persistence surface the scheduler drives. Implemented by
// repository.Store.
type Store interface {
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	SetTaskStatus(ctx context.Context, id int64, status models.TaskStatus) (*models.Task, error)
	SetTaskExecuting(ctx context.Context, id, sessionID int64) (*models.Task, error)
	MergeMetadata(ctx context.Context, id int64, patch map[string]interface{}) (*models.Task, error)
	Subtasks(ctx context.Context, parentID int64) ([]*models.Task, error)
	CreateSubtasks(ctx context.Context, parentID int64, subtasks []*models.Task) error
	NextPendingUnassessed(ctx context.Context, limit int) ([]*models.Task, error)
	NextExecutable(ctx context.Context, limit int) ([]*models.Task, error)
	TasksInStatus(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error)
	DedupePending(ctx context.Context) ([]*models.Task, error)

	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id int64) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	MarkSessionRunning(ctx context.Context, id int64, pid int) (bool, error)
	ActiveSessionForTask(ctx context.Context, taskID int64) (*models.Session, error)
	CountRunningSessions(ctx context.Context) (int, error)

	CreateComment(ctx context.Context, comment *models.Comment) error
	ListComments(ctx context.Context, taskID int64) ([]*models.Comment, error)

	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
}

// Assessor classifies tasks. Implemented by assessment.Engine.
type Assessor interface {
	Assess(ctx context.Context, task *models.Task, parent *models.Task) (*assessment.Result, error)
}

// AgentRunner launches and controls agent CLI processes. Implemented by
// agentcli.Adapter.
type AgentRunner interface {
	Launch(sessionID int64, sessionUUID, workingDir, model, prompt string) (*agentcli.Launched, error)
	LogPaths(sessionUUID string) (stdoutPath, stderrPath string)
	Cancel(ctx context.Context, sessionID int64) error
	IsRunning(sessionID int64) bool
}

// VCSAdapter performs worktree and PR operations. Implemented by
// vcs.Adapter.
type VCSAdapter interface {
	CreateWorktree(ctx context.Context, repoDir, branch, base string) (string, error)
	CommitAndPush(ctx context.Context, worktreeDir, message string) (string, error)
	CreatePR(ctx context.Context, worktreeDir, title, body string) (string, error)
	RemoveWorktree(ctx context.Context, repoDir, worktreePath string) error
	DeleteBranch(ctx context.Context, repoDir, branch string, localOnly bool) error
	ListWorktrees(ctx context.Context, repoDir string) ([]vcs.Worktree, error)
	WorktreesRoot() string
}

// Config holds scheduler policy and the fallback repository used by
// tasks with no project.
type Config struct {
	RepoDir       string
	DefaultBranch string
	DefaultModel  string
	MaxRetries    int
}

// Scheduler drives task transitions through the store and adapters.
type Scheduler struct {
	store    Store
	emitter  *events.Emitter
	assessor Assessor
	agent    AgentRunner
	vcs      VCSAdapter
	cfg      Config
	logger   *logger.Logger
}

// New wires a scheduler. All adapters are required.
func New(store Store, emitter *events.Emitter, assessor Assessor,
	agent AgentRunner, vcsAdapter VCSAdapter, cfg Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		emitter:  emitter,
		assessor: assessor,
		agent:    agent,
		vcs:      vcsAdapter,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "scheduler")),
	}
}

// repoFor resolves the repository and base branch a task executes
// against: its project's when set, the configured default otherwise.
func (s *Scheduler) repoFor(ctx context.Context, task *models.Task) (string, string) {
	if task.ProjectID != nil {
		project, err := s.store.GetProject(ctx, *task.ProjectID)
		if err == nil {
			return project.RepoDir, project.DefaultBranch
		}
		s.logger.Warn("Task references unknown project, using default repo",
			zap.Int64("task_id", task.ID),
			zap.Int64("project_id", *task.ProjectID),
			zap.Error(err))
	}
	return s.cfg.RepoDir, s.cfg.DefaultBranch
}

// emitTask emits the transition event matching a task's new status.
func (s *Scheduler) emitTask(ctx context.Context, task *models.Task, eventType string, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"task_id": task.ID,
		"status":  string(task.Status),
		"title":   task.Title,
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.emitter.Emit(ctx, eventType, "task", fmt.Sprintf("%d", task.ID), payload)
}

// AssessBatch classifies up to batchSize unassessed pending tasks.
// Individual failures do not abort the batch; the count of successful
// assessments is returned.
func (s *Scheduler) AssessBatch(ctx context.Context, batchSize int) (int, error) {
	tasks, err := s.store.NextPendingUnassessed(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("select unassessed tasks: %w", err)
	}

	assessed := 0
	for _, task := range tasks {
		if err := s.assessOne(ctx, task); err != nil {
			s.logger.Warn("Task assessment failed",
				zap.Int64("task_id", task.ID),
				zap.Error(err))
			continue
		}
		assessed++
	}
	return assessed, nil
}

func (s *Scheduler) assessOne(ctx context.Context, task *models.Task) error {
	updated, err := s.store.SetTaskStatus(ctx, task.ID, models.TaskStatusAssessing)
	if err != nil {
		return err
	}
	s.emitTask(ctx, updated, events.TaskAssessing, nil)

	var parent *models.Task
	if task.ParentTaskID != nil {
		parent, _ = s.store.GetTask(ctx, *task.ParentTaskID)
	}

	result, err := s.assessor.Assess(ctx, task, parent)
	if err != nil {
		s.assessFailed(ctx, task, err)
		return err
	}

	task.Status = models.TaskStatusAssessing
	task.Complexity = &result.Complexity
	if result.RecommendedModel != "" {
		task.RecommendedModel = &result.RecommendedModel
	}
	// Store failures after a successful assessment requeue the task;
	// a bare return would strand it in assessing until a restart.
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.assessFailed(ctx, task, fmt.Errorf("record assessment: %w", err))
		return err
	}
	if _, err := s.store.MergeMetadata(ctx, task.ID, map[string]interface{}{
		models.MetaAssessment: result,
	}); err != nil {
		s.assessFailed(ctx, task, fmt.Errorf("record assessment: %w", err))
		return err
	}

	if result.Comment != "" {
		comment := &models.Comment{TaskID: task.ID, Content: result.Comment, Author: "assessor"}
		if err := s.store.CreateComment(ctx, comment); err != nil {
			s.logger.Warn("Failed to store assessment comment",
				zap.Int64("task_id", task.ID), zap.Error(err))
		} else {
			s.emitter.Emit(ctx, events.CommentCreated, "comment", fmt.Sprintf("%d", comment.ID),
				map[string]interface{}{"task_id": task.ID, "author": comment.Author})
		}
	}

	if result.ShouldDecompose {
		return s.decompose(ctx, task, result)
	}

	updated, err = s.store.SetTaskStatus(ctx, task.ID, models.TaskStatusPending)
	if err != nil {
		s.assessFailed(ctx, task, fmt.Errorf("requeue assessed task: %w", err))
		return err
	}
	s.emitTask(ctx, updated, events.TaskAssessed, map[string]interface{}{
		"complexity":        result.Complexity,
		"recommended_model": result.RecommendedModel,
	})
	return nil
}

// assessFailed requeues the task with a bumped retry count, or fails it
// permanently once the budget is spent.
func (s *Scheduler) assessFailed(ctx context.Context, task *models.Task, cause error) {
	retries := task.Meta().RetryCount() + 1
	if retries > s.cfg.MaxRetries {
		s.failPermanently(ctx, task, fmt.Sprintf("assessment failed after %d attempts: %v", retries, cause))
		return
	}

	if _, err := s.store.MergeMetadata(ctx, task.ID, map[string]interface{}{
		models.MetaRetryCount: retries,
	}); err != nil {
		s.logger.Error("Failed to record retry count",
			zap.Int64("task_id", task.ID), zap.Error(err))
	}
	updated, err := s.store.SetTaskStatus(ctx, task.ID, models.TaskStatusPending)
	if err != nil {
		s.logger.Error("Failed to requeue task after assessment failure",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	s.emitTask(ctx, updated, events.TaskAssessFailed, map[string]interface{}{
		"retry_count": retries,
		"error":       cause.Error(),
	})
}

// failPermanently records the failure summary and moves the task to
// failed.
func (s *Scheduler) failPermanently(ctx context.Context, task *models.Task, reason string) {
	if _, err := s.store.MergeMetadata(ctx, task.ID, map[string]interface{}{
		models.MetaError: reason,
	}); err != nil {
		s.logger.Error("Failed to record failure reason",
			zap.Int64("task_id", task.ID), zap.Error(err))
	}
	updated, err := s.store.SetTaskStatus(ctx, task.ID, models.TaskStatusFailed)
	if err != nil {
		s.logger.Error("Failed to mark task failed",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	s.emitTask(ctx, updated, events.TaskFailed, map[string]interface{}{"error": reason})
}

// failWithRetry requeues the task for another attempt, or fails it
// permanently once the budget is spent.
func (s *Scheduler) failWithRetry(ctx context.Context, task *models.Task, reason string) {
	retries := task.Meta().RetryCount() + 1
	if retries > s.cfg.MaxRetries {
		s.failPermanently(ctx, task, reason)
		return
	}

	if _, err := s.store.MergeMetadata(ctx, task.ID, map[string]interface{}{
		models.MetaRetryCount: retries,
	}); err != nil {
		s.logger.Error("Failed to record retry count",
			zap.Int64("task_id", task.ID), zap.Error(err))
	}
	updated, err := s.store.SetTaskStatus(ctx, task.ID, models.TaskStatusPending)
	if err != nil {
		s.logger.Error("Failed to requeue task",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	s.emitTask(ctx, updated, events.TaskRequeued, map[string]interface{}{
		"retry_count": retries,
		"error":       reason,
	})
}

// decompose replaces a task with its assessed subtasks. Children are
// created pending and unassessed, in position order after the parent,
// inheriting the parent's active flag.
func (s *Scheduler) decompose(ctx context.Context, task *models.Task, result *assessment.Result) error {
	children := make([]*models.Task, 0, len(result.Subtasks))
	for i, sub := range result.Subtasks {
		childMeta := map[string]interface{}{}
		if task.Meta().Active() {
			childMeta[models.MetaActive] = true
		}
		children = append(children, &models.Task{
			Title:       sub.Title,
			Description: sub.Description,
			Priority:    task.Priority,
			Position:    task.Position*1000 + (i+1)*10,
			ProjectID:   task.ProjectID,
			Metadata:    childMeta,
		})
	}
	// CreateSubtasks is transactional, so requeueing here cannot leave
	// partial children behind.
	if err := s.store.CreateSubtasks(ctx, task.ID, children); err != nil {
		s.assessFailed(ctx, task, fmt.Errorf("create subtasks: %w", err))
		return fmt.Errorf("create subtasks: %w", err)
	}

	childIDs := make([]int64, len(children))
	for i, c := range children {
		childIDs[i] = c.ID
		s.emitTask(ctx, c, events.TaskCreated, map[string]interface{}{
			"parent_task_id": task.ID,
		})
	}

	if _, err := s.store.MergeMetadata(ctx, task.ID, map[string]interface{}{
		models.MetaDecomposedInto: childIDs,
	}); err != nil {
		s.assessFailed(ctx, task, fmt.Errorf("record decomposition: %w", err))
		return err
	}
	updated, err := s.store.SetTaskStatus(ctx, task.ID, models.TaskStatusDecomposed)
	if err != nil {
		s.assessFailed(ctx, task, fmt.Errorf("mark decomposed: %w", err))
		return err
	}
	s.emitTask(ctx, updated, events.TaskDecomposed, map[string]interface{}{
		"subtask_ids": childIDs,
	})

	s.logger.Info("Task decomposed",
		zap.Int64("task_id", task.ID),
		zap.Int("subtasks", len(childIDs)))
	return nil
}

// ExecuteNext fills free execution slots with the next executable
// tasks. Returns the number of sessions started.
func (s *Scheduler) ExecuteNext(ctx context.Context, maxConcurrent int) (int, error) {
	running, err := s.store.CountRunningSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("count running sessions: %w", err)
	}
	slots := maxConcurrent - running
	if slots <= 0 {
		return 0, nil
	}

	tasks, err := s.store.NextExecutable(ctx, slots)
	if err != nil {
		return 0, fmt.Errorf("select executable tasks: %w", err)
	}

	started := 0
	for _, task := range tasks {
		if err := s.startTask(ctx, task); err != nil {
			s.logger.Warn("Failed to start task",
				zap.Int64("task_id", task.ID),
				zap.Error(err))
			continue
		}
		started++
	}
	return started, nil
}

// startTask provisions a worktree, creates the session, and launches
// the agent. On any failure the completed steps are rolled back and the
// task is requeued with a bumped retry count.
func (s *Scheduler) startTask(ctx context.Context, task *models.Task) error {
	repoDir, base := s.repoFor(ctx, task)
	branch := vcs.BranchName(task.ID, task.Title)

	worktreePath, err := s.vcs.CreateWorktree(ctx, repoDir, branch, base)
	if err != nil {
		s.failWithRetry(ctx, task, fmt.Sprintf("create worktree: %v", err))
		return err
	}

	model := s.cfg.DefaultModel
	if task.RecommendedModel != nil && *task.RecommendedModel != "" {
		model = *task.RecommendedModel
	}

	// Log paths go on the row before the process exists so the exit
	// callback always finds them, however quickly the process dies.
	session := &models.Session{
		UUID:       uuid.New().String(),
		TaskID:     task.ID,
		WorkingDir: worktreePath,
		Model:      model,
	}
	session.StdoutPath, session.StderrPath = s.agent.LogPaths(session.UUID)
	if err := s.store.CreateSession(ctx, session); err != nil {
		s.rollbackWorktree(ctx, repoDir, branch, worktreePath)
		s.failWithRetry(ctx, task, fmt.Sprintf("create session: %v", err))
		return err
	}

	if _, err := s.store.SetTaskExecuting(ctx, task.ID, session.ID); err != nil {
		s.rollbackSession(ctx, session)
		s.rollbackWorktree(ctx, repoDir, branch, worktreePath)
		s.failWithRetry(ctx, task, fmt.Sprintf("mark executing: %v", err))
		return err
	}
	task.Status = models.TaskStatusExecuting
	s.emitTask(ctx, task, events.TaskExecuting, map[string]interface{}{
		"session_id": session.ID,
		"branch":     branch,
	})

	comments, err := s.store.ListComments(ctx, task.ID)
	if err != nil {
		s.logger.Warn("Failed to load comment history for prompt",
			zap.Int64("task_id", task.ID), zap.Error(err))
	}
	prompt := buildPrompt(task, comments)

	launched, err := s.agent.Launch(session.ID, session.UUID, worktreePath, model, prompt)
	if err != nil {
		s.rollbackSession(ctx, session)
		s.rollbackWorktree(ctx, repoDir, branch, worktreePath)
		s.failWithRetry(ctx, task, fmt.Sprintf("launch agent: %v", err))
		return err
	}

	// Conditional transition: if the process already exited, the exit
	// callback has recorded the terminal state and this must not win.
	becameRunning, err := s.store.MarkSessionRunning(ctx, session.ID, launched.PID)
	if err != nil {
		s.logger.Error("Failed to record running session",
			zap.Int64("session_id", session.ID), zap.Error(err))
	} else if !becameRunning {
		s.logger.Info("Session exited before launch bookkeeping finished",
			zap.Int64("session_id", session.ID))
	}

	if _, err := s.store.MergeMetadata(ctx, task.ID, map[string]interface{}{
		models.MetaBranch:       branch,
		models.MetaWorktreePath: worktreePath,
	}); err != nil {
		s.logger.Warn("Failed to record branch metadata",
			zap.Int64("task_id", task.ID), zap.Error(err))
	}

	s.emitter.Emit(ctx, events.SessionStarted, "session", fmt.Sprintf("%d", session.ID),
		map[string]interface{}{
			"task_id": task.ID,
			"model":   model,
			"pid":     launched.PID,
		})

	s.logger.Info("Started agent session",
		zap.Int64("task_id", task.ID),
		zap.Int64("session_id", session.ID),
		zap.String("branch", branch))
	return nil
}

// rollbackWorktree undoes a provisioned worktree and branch.
func (s *Scheduler) rollbackWorktree(ctx context.Context, repoDir, branch, worktreePath string) {
	if err := s.vcs.RemoveWorktree(ctx, repoDir, worktreePath); err != nil {
		s.logger.Warn("Rollback worktree removal failed",
			zap.String("path", worktreePath), zap.Error(err))
	}
	if err := s.vcs.DeleteBranch(ctx, repoDir, branch, true); err != nil {
		s.logger.Warn("Rollback branch deletion failed",
			zap.String("branch", branch), zap.Error(err))
	}
}

// rollbackSession marks a never-launched session failed.
func (s *Scheduler) rollbackSession(ctx context.Context, session *models.Session) {
	now := nowUTC()
	session.Status = models.SessionStatusFailed
	session.CompletedAt = &now
	if err := s.store.UpdateSession(ctx, session); err != nil {
		s.logger.Error("Failed to mark session failed during rollback",
			zap.Int64("session_id", session.ID), zap.Error(err))
	}
}

// DedupeTasks removes duplicate pending tasks, emitting one
// task.deduped event per removed row.
func (s *Scheduler) DedupeTasks(ctx context.Context) (int, error) {
	removed, err := s.store.DedupePending(ctx)
	if err != nil {
		return 0, fmt.Errorf("dedupe pending: %w", err)
	}
	for _, task := range removed {
		s.emitTask(ctx, task, events.TaskDeduped, nil)
	}
	return len(removed), nil
}
