package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ajfrai/agent-queue/internal/task/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateTask(t *testing.T, store *Store, task *models.Task) *models.Task {
	t.Helper()
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func strPtr(s string) *string { return &s }

func TestTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := mustCreateTask(t, store, &models.Task{
		Title:       "Add README",
		Description: "Create README.md with heading 'X'",
		Priority:    3,
		Metadata:    map[string]interface{}{models.MetaActive: true},
	})
	if created.ID == 0 || created.UUID == "" {
		t.Fatal("expected assigned id and uuid")
	}

	got, err := store.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != created.Title || got.Description != created.Description {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Priority != 3 {
		t.Errorf("priority = %d, want 3", got.Priority)
	}
	if !got.Meta().Active() {
		t.Error("expected metadata active=true to survive")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTask(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateTaskRejectsCycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustCreateTask(t, store, &models.Task{Title: "a"})
	b := mustCreateTask(t, store, &models.Task{Title: "b", ParentTaskID: &a.ID})

	// Relinking a under b would make the chain a -> b -> a.
	a.ParentTaskID = &b.ID
	if err := store.UpdateTask(ctx, a); !errors.Is(err, ErrCycle) {
		t.Errorf("err = %v, want ErrCycle", err)
	}

	// A task can never be its own parent.
	b.ParentTaskID = &b.ID
	if err := store.UpdateTask(ctx, b); !errors.Is(err, ErrCycle) {
		t.Errorf("self parent err = %v, want ErrCycle", err)
	}
}

func TestNextExecutableOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// position asc wins first, then priority desc, then id asc.
	mk := func(title string, position, priority int, active bool) *models.Task {
		task := mustCreateTask(t, store, &models.Task{
			Title:    title,
			Position: position,
			Priority: priority,
			Metadata: map[string]interface{}{models.MetaActive: active},
		})
		task.Complexity = strPtr("simple")
		if err := store.UpdateTask(ctx, task); err != nil {
			t.Fatalf("update: %v", err)
		}
		return task
	}

	mk("third", 5, 9, true)
	mk("first", 1, 0, true)
	mk("second", 2, 0, true)
	mk("inactive", 1, 0, false)

	tasks, err := store.NextExecutable(ctx, 10)
	if err != nil {
		t.Fatalf("next executable: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if tasks[i].Title != w {
			t.Errorf("tasks[%d] = %s, want %s", i, tasks[i].Title, w)
		}
	}
}

func TestNextPendingUnassessedSkipsAssessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assessed := mustCreateTask(t, store, &models.Task{Title: "assessed"})
	assessed.Complexity = strPtr("medium")
	if err := store.UpdateTask(ctx, assessed); err != nil {
		t.Fatalf("update: %v", err)
	}
	fresh := mustCreateTask(t, store, &models.Task{Title: "fresh"})

	tasks, err := store.NextPendingUnassessed(ctx, 10)
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != fresh.ID {
		t.Fatalf("expected only the unassessed task, got %d", len(tasks))
	}
}

func TestDedupePendingKeepsLowestID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keep := mustCreateTask(t, store, &models.Task{Title: "dup", Description: "same"})
	mustCreateTask(t, store, &models.Task{Title: "dup", Description: "same"})
	other := mustCreateTask(t, store, &models.Task{Title: "dup", Description: "different"})

	removed, err := store.DedupePending(ctx)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("removed %d tasks, want 1", len(removed))
	}
	if removed[0].ID == keep.ID {
		t.Error("dedupe removed the survivor")
	}

	if _, err := store.GetTask(ctx, keep.ID); err != nil {
		t.Errorf("survivor missing: %v", err)
	}
	if _, err := store.GetTask(ctx, other.ID); err != nil {
		t.Errorf("non-duplicate removed: %v", err)
	}
}

func TestMergeMetadataNullDeletes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, store, &models.Task{
		Title:    "meta",
		Metadata: map[string]interface{}{"keep": "yes", "drop": "no"},
	})

	updated, err := store.MergeMetadata(ctx, task.ID, map[string]interface{}{
		"drop":  nil,
		"added": float64(1),
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, ok := updated.Metadata["drop"]; ok {
		t.Error("null-valued key was not deleted")
	}
	if updated.Metadata["keep"] != "yes" {
		t.Error("unrelated key was lost")
	}
	if updated.Metadata["added"] != float64(1) {
		t.Error("new key was not merged")
	}
}

func TestSessionAtMostOneActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, store, &models.Task{Title: "t"})
	first := &models.Session{TaskID: task.ID, Model: "sonnet"}
	if err := store.CreateSession(ctx, first); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := store.CreateSession(ctx, &models.Session{TaskID: task.ID}); err == nil {
		t.Fatal("expected second active session to be rejected")
	}

	first.Status = models.SessionStatusCompleted
	if err := store.UpdateSession(ctx, first); err != nil {
		t.Fatalf("update session: %v", err)
	}
	if err := store.CreateSession(ctx, &models.Session{TaskID: task.ID}); err != nil {
		t.Fatalf("new session after completion should be allowed: %v", err)
	}
}

func TestMarkSessionRunningLosesToTerminalState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, store, &models.Task{Title: "t"})
	session := &models.Session{TaskID: task.ID}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	applied, err := store.MarkSessionRunning(ctx, session.ID, 4321)
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if !applied {
		t.Fatal("created session should transition to running")
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != models.SessionStatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.PID == nil || *got.PID != 4321 {
		t.Error("pid not recorded")
	}
	if got.StartedAt == nil {
		t.Error("started_at not recorded")
	}

	// A session whose exit was already recorded must not be dragged
	// back to running.
	exitCode := 1
	got.Status = models.SessionStatusFailed
	got.ExitCode = &exitCode
	if err := store.UpdateSession(ctx, got); err != nil {
		t.Fatalf("update session: %v", err)
	}

	applied, err = store.MarkSessionRunning(ctx, session.ID, 9999)
	if err != nil {
		t.Fatalf("mark running again: %v", err)
	}
	if applied {
		t.Fatal("terminal session must not transition to running")
	}

	got, _ = store.GetSession(ctx, session.ID)
	if got.Status != models.SessionStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Error("exit code was lost")
	}
}

func TestCountRunningSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := mustCreateTask(t, store, &models.Task{Title: "t"})
		session := &models.Session{TaskID: task.ID}
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatalf("create session: %v", err)
		}
		if i == 0 {
			session.Status = models.SessionStatusFailed
			if err := store.UpdateSession(ctx, session); err != nil {
				t.Fatalf("update session: %v", err)
			}
		}
	}

	n, err := store.CountRunningSessions(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestSetTaskStatusClearsActiveSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, store, &models.Task{Title: "t"})
	session := &models.Session{TaskID: task.ID}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.SetTaskExecuting(ctx, task.ID, session.ID); err != nil {
		t.Fatalf("set executing: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ActiveSessionID == nil || *got.ActiveSessionID != session.ID {
		t.Fatal("active session id not set while executing")
	}

	got, err = store.SetTaskStatus(ctx, task.ID, models.TaskStatusFailed)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if got.ActiveSessionID != nil {
		t.Error("active session id should be cleared on terminal status")
	}
	if got.CompletedAt == nil {
		t.Error("completed_at should be set on terminal status")
	}
}

func TestRateLimitUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetRateLimit(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("expected no snapshot before first probe")
	}

	if err := store.PutRateLimit(ctx, &models.RateLimitStatus{Tier: "pro", PercentUsed: 50}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutRateLimit(ctx, &models.RateLimitStatus{Tier: "pro", PercentUsed: 95, IsLimited: true}); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err = store.GetRateLimit(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || !got.IsLimited || got.PercentUsed != 95 {
		t.Errorf("snapshot = %+v, want latest values", got)
	}
}

func TestLatestComments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, store, &models.Task{Title: "t"})
	for _, content := range []string{"first", "second"} {
		if err := store.CreateComment(ctx, &models.Comment{TaskID: task.ID, Content: content}); err != nil {
			t.Fatalf("create comment: %v", err)
		}
	}

	latest, err := store.LatestComments(ctx, []int64{task.ID, 999})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if c := latest[task.ID]; c == nil || c.Content != "second" {
		t.Errorf("latest comment = %+v, want second", latest[task.ID])
	}
}

func TestReorderTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustCreateTask(t, store, &models.Task{Title: "a"})
	b := mustCreateTask(t, store, &models.Task{Title: "b"})

	err := store.ReorderTasks(ctx, []TaskPosition{{ID: a.ID, Position: 2}, {ID: b.ID, Position: 1}})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}

	tasks, err := store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if tasks[0].ID != b.ID || tasks[1].ID != a.ID {
		t.Error("reorder did not change listing order")
	}
}

func TestCreateSubtasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parent := mustCreateTask(t, store, &models.Task{Title: "parent"})
	subtasks := []*models.Task{
		{Title: "a", Position: 10},
		{Title: "b", Position: 20},
		{Title: "c", Position: 30},
	}
	if err := store.CreateSubtasks(ctx, parent.ID, subtasks); err != nil {
		t.Fatalf("create subtasks: %v", err)
	}

	children, err := store.Subtasks(ctx, parent.ID)
	if err != nil {
		t.Fatalf("subtasks: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("got %d children, want 3", len(children))
	}
	for i, c := range children {
		if c.ParentTaskID == nil || *c.ParentTaskID != parent.ID {
			t.Errorf("child %d missing parent link", i)
		}
		if c.Status != models.TaskStatusPending {
			t.Errorf("child %d status = %s, want pending", i, c.Status)
		}
		if i > 0 && children[i-1].Position >= c.Position {
			t.Error("child positions not strictly ordered")
		}
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := mustCreateTask(t, store, &models.Task{Title: "disposable"})
	child := mustCreateTask(t, store, &models.Task{Title: "child", ParentTaskID: &task.ID})
	if err := store.CreateComment(ctx, &models.Comment{TaskID: task.ID, Content: "note"}); err != nil {
		t.Fatalf("create comment: %v", err)
	}

	if err := store.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}

	comments, err := store.ListComments(ctx, task.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 0 {
		t.Errorf("comments survived delete: %d", len(comments))
	}

	// Children keep their rows with the parent link cleared.
	orphan, err := store.GetTask(ctx, child.ID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if orphan.ParentTaskID != nil {
		t.Errorf("child parent link = %v, want nil", *orphan.ParentTaskID)
	}

	if err := store.DeleteTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}
