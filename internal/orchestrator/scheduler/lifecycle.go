package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/agentcli"
	"github.com/ajfrai/agent-queue/internal/events"
	"github.com/ajfrai/agent-queue/internal/task/models"
	"github.com/ajfrai/agent-queue/internal/vcs"
)

func nowUTC() time.Time { return time.Now().UTC() }

// OnSessionTerminated finalizes a session after its agent process
// exits. On success the work is committed, pushed, and turned into a
// pull request; the task moves to ready_for_review. Failures requeue
// the task while retry budget remains. The worktree is removed
// best-effort in every outcome.
func (s *Scheduler) OnSessionTerminated(ctx context.Context, res agentcli.ExitResult) {
	session, err := s.store.GetSession(ctx, res.SessionID)
	if err != nil {
		s.logger.Error("Terminated session not found",
			zap.Int64("session_id", res.SessionID), zap.Error(err))
		return
	}
	task, err := s.store.GetTask(ctx, session.TaskID)
	if err != nil {
		s.logger.Error("Task for terminated session not found",
			zap.Int64("session_id", res.SessionID),
			zap.Int64("task_id", session.TaskID), zap.Error(err))
		return
	}

	now := nowUTC()
	session.ExitCode = &res.ExitCode
	session.TurnCount = res.TurnCount
	session.CompletedAt = &now
	if res.AgentSessionID != "" {
		session.AgentSessionID = &res.AgentSessionID
	}

	repoDir, _ := s.repoFor(ctx, task)
	worktreePath := session.WorkingDir

	switch {
	case res.Cancelled:
		session.Status = models.SessionStatusCancelled
		s.updateSession(ctx, session)
		s.emitSession(ctx, session, events.SessionCancelled)
		// CancelTask already moved the task; only clean up here.

	case res.ExitCode == 0:
		session.Status = models.SessionStatusCompleted
		s.updateSession(ctx, session)
		s.emitSession(ctx, session, events.SessionCompleted)
		s.finishSuccessfulSession(ctx, task, session, repoDir)

	default:
		session.Status = models.SessionStatusFailed
		s.updateSession(ctx, session)
		s.emitSession(ctx, session, events.SessionFailed)
		s.failWithRetry(ctx, task, fmt.Sprintf("agent exited with code %d", res.ExitCode))
	}

	if err := s.vcs.RemoveWorktree(ctx, repoDir, worktreePath); err != nil {
		s.logger.Warn("Failed to remove session worktree",
			zap.String("path", worktreePath), zap.Error(err))
	}

	if task.ParentTaskID != nil {
		s.CheckParentCompletion(ctx, *task.ParentTaskID)
	}
}

// finishSuccessfulSession publishes the agent's work: review comment,
// commit+push, pull request, ready_for_review.
func (s *Scheduler) finishSuccessfulSession(ctx context.Context, task *models.Task, session *models.Session, repoDir string) {
	if review := extractReviewComment(session.StdoutPath); review != "" {
		comment := &models.Comment{TaskID: task.ID, Content: review, Author: "agent"}
		if err := s.store.CreateComment(ctx, comment); err != nil {
			s.logger.Warn("Failed to store review comment",
				zap.Int64("task_id", task.ID), zap.Error(err))
		} else {
			s.emitter.Emit(ctx, events.CommentCreated, "comment", fmt.Sprintf("%d", comment.ID),
				map[string]interface{}{"task_id": task.ID, "author": comment.Author})
		}
	}

	message := fmt.Sprintf("%s\n\nTask #%d", task.Title, task.ID)
	if _, err := s.vcs.CommitAndPush(ctx, session.WorkingDir, message); err != nil {
		s.failWithRetry(ctx, task, fmt.Sprintf("commit and push: %v", err))
		return
	}

	body := task.Description
	if body == "" {
		body = task.Title
	}
	prURL, err := s.vcs.CreatePR(ctx, session.WorkingDir, task.Title, body)
	if err != nil {
		// PR creation failure is permanent; the pushed branch
		// remains for manual recovery.
		s.failPermanently(ctx, task, fmt.Sprintf("create pull request: %v", err))
		return
	}

	if _, err := s.store.MergeMetadata(ctx, task.ID, map[string]interface{}{
		models.MetaPRURL: prURL,
	}); err != nil {
		s.logger.Warn("Failed to record pr_url",
			zap.Int64("task_id", task.ID), zap.Error(err))
	}

	updated, err := s.store.SetTaskStatus(ctx, task.ID, models.TaskStatusReadyForReview)
	if err != nil {
		s.logger.Error("Failed to mark task ready for review",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	s.emitTask(ctx, updated, events.TaskReadyForReview, map[string]interface{}{
		"pr_url": prURL,
	})
	s.logger.Info("Task ready for review",
		zap.Int64("task_id", task.ID),
		zap.String("pr_url", prURL))
}

func (s *Scheduler) updateSession(ctx context.Context, session *models.Session) {
	if err := s.store.UpdateSession(ctx, session); err != nil {
		s.logger.Error("Failed to update session",
			zap.Int64("session_id", session.ID), zap.Error(err))
	}
}

func (s *Scheduler) emitSession(ctx context.Context, session *models.Session, eventType string) {
	s.emitter.Emit(ctx, eventType, "session", fmt.Sprintf("%d", session.ID),
		map[string]interface{}{
			"task_id":   session.TaskID,
			"status":    string(session.Status),
			"exit_code": session.ExitCode,
		})
}

// CancelTask cancels a task and any active session. Cancelling a task
// already in a terminal state is a no-op.
func (s *Scheduler) CancelTask(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	if session, err := s.store.ActiveSessionForTask(ctx, taskID); err == nil {
		if err := s.agent.Cancel(ctx, session.ID); err != nil {
			s.logger.Warn("Failed to cancel agent session",
				zap.Int64("session_id", session.ID), zap.Error(err))
		}
	}

	updated, err := s.store.SetTaskStatus(ctx, taskID, models.TaskStatusCancelled)
	if err != nil {
		return err
	}
	s.emitTask(ctx, updated, events.TaskCancelled, nil)

	if path := task.Meta().WorktreePath(); path != "" {
		repoDir, _ := s.repoFor(ctx, task)
		if err := s.vcs.RemoveWorktree(ctx, repoDir, path); err != nil {
			s.logger.Warn("Failed to remove worktree of cancelled task",
				zap.Int64("task_id", taskID), zap.Error(err))
		}
	}
	return nil
}

// RequeueForReview reactivates a ready_for_review task after new user
// feedback so the next execute phase picks it up again.
func (s *Scheduler) RequeueForReview(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusReadyForReview {
		return nil
	}

	if _, err := s.store.MergeMetadata(ctx, taskID, map[string]interface{}{
		models.MetaActive: true,
	}); err != nil {
		return err
	}
	updated, err := s.store.SetTaskStatus(ctx, taskID, models.TaskStatusPending)
	if err != nil {
		return err
	}
	s.emitTask(ctx, updated, events.TaskRequeued, map[string]interface{}{
		"reason": "review feedback",
	})
	return nil
}

// CheckParentCompletion settles a decomposed parent once all of its
// children are done: ready_for_review when every child succeeded,
// failed when any child failed or was cancelled.
func (s *Scheduler) CheckParentCompletion(ctx context.Context, parentID int64) {
	parent, err := s.store.GetTask(ctx, parentID)
	if err != nil {
		s.logger.Warn("Parent completion check on unknown task",
			zap.Int64("task_id", parentID), zap.Error(err))
		return
	}
	if parent.Status != models.TaskStatusDecomposed {
		return
	}

	children, err := s.store.Subtasks(ctx, parentID)
	if err != nil {
		s.logger.Warn("Failed to list subtasks",
			zap.Int64("task_id", parentID), zap.Error(err))
		return
	}

	anyFailed := false
	for _, child := range children {
		switch child.Status {
		case models.TaskStatusCompleted, models.TaskStatusReadyForReview:
		case models.TaskStatusFailed, models.TaskStatusCancelled:
			anyFailed = true
		default:
			// Still in flight.
			return
		}
	}

	target := models.TaskStatusReadyForReview
	eventType := events.TaskReadyForReview
	if anyFailed {
		target = models.TaskStatusFailed
		eventType = events.TaskFailed
	}
	updated, err := s.store.SetTaskStatus(ctx, parentID, target)
	if err != nil {
		s.logger.Error("Failed to settle decomposed parent",
			zap.Int64("task_id", parentID), zap.Error(err))
		return
	}
	s.emitTask(ctx, updated, eventType, map[string]interface{}{
		"settled_from": "subtasks",
	})
}

// ReconcileOnStartup reclaims tasks orphaned by a crash: executing
// tasks whose session process no longer exists are requeued, and
// assessing tasks are returned to pending.
func (s *Scheduler) ReconcileOnStartup(ctx context.Context) error {
	tasks, err := s.store.TasksInStatus(ctx,
		models.TaskStatusExecuting, models.TaskStatusAssessing)
	if err != nil {
		return fmt.Errorf("list in-flight tasks: %w", err)
	}

	for _, task := range tasks {
		if task.Status == models.TaskStatusAssessing {
			if _, err := s.store.SetTaskStatus(ctx, task.ID, models.TaskStatusPending); err != nil {
				s.logger.Error("Failed to requeue assessing task",
					zap.Int64("task_id", task.ID), zap.Error(err))
			}
			continue
		}

		session, err := s.store.ActiveSessionForTask(ctx, task.ID)
		if err == nil {
			if s.agent.IsRunning(session.ID) {
				continue
			}
			now := nowUTC()
			session.Status = models.SessionStatusFailed
			session.CompletedAt = &now
			s.updateSession(ctx, session)
			s.emitSession(ctx, session, events.SessionFailed)
		}

		s.logger.Warn("Reclaiming orphaned executing task",
			zap.Int64("task_id", task.ID))
		s.failWithRetry(ctx, task, "session lost on restart")
	}
	return nil
}

// CleanupStaleWorktrees removes worktrees whose branch does not belong
// to a live task. Failures are warnings; the count of removed worktrees
// is returned.
func (s *Scheduler) CleanupStaleWorktrees(ctx context.Context) (int, error) {
	live, err := s.store.TasksInStatus(ctx,
		models.TaskStatusPending, models.TaskStatusAssessing, models.TaskStatusExecuting)
	if err != nil {
		return 0, fmt.Errorf("list live tasks: %w", err)
	}
	activeBranches := map[string]bool{}
	for _, task := range live {
		branch := task.Meta().Branch()
		if branch == "" {
			branch = vcs.BranchName(task.ID, task.Title)
		}
		activeBranches[branch] = true
	}

	repos := map[string]bool{}
	if s.cfg.RepoDir != "" {
		repos[s.cfg.RepoDir] = true
	}
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		s.logger.Warn("Failed to list projects for worktree GC", zap.Error(err))
	}
	for _, p := range projects {
		repos[p.RepoDir] = true
	}

	root := s.vcs.WorktreesRoot()
	removed := 0
	for repoDir := range repos {
		worktrees, err := s.vcs.ListWorktrees(ctx, repoDir)
		if err != nil {
			s.logger.Warn("Failed to list worktrees",
				zap.String("repo", repoDir), zap.Error(err))
			continue
		}
		for _, wt := range worktrees {
			// Only paths inside the worktrees root are managed by us;
			// a bare prefix match would also claim siblings like
			// <root>-backup.
			if !strings.HasPrefix(wt.Path, root+string(os.PathSeparator)) {
				continue
			}
			if wt.Branch == "" || activeBranches[wt.Branch] {
				continue
			}
			if err := s.vcs.RemoveWorktree(ctx, repoDir, wt.Path); err != nil {
				s.logger.Warn("Failed to remove stale worktree",
					zap.String("path", wt.Path), zap.Error(err))
				continue
			}
			if err := s.vcs.DeleteBranch(ctx, repoDir, wt.Branch, true); err != nil {
				s.logger.Warn("Failed to delete stale branch",
					zap.String("branch", wt.Branch), zap.Error(err))
			}
			removed++
			s.logger.Info("Removed stale worktree",
				zap.String("path", wt.Path),
				zap.String("branch", wt.Branch))
		}
	}
	return removed, nil
}
