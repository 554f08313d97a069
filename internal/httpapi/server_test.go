package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ajfrai/agent-queue/internal/common/logger"
	"github.com/ajfrai/agent-queue/internal/events"
	"github.com/ajfrai/agent-queue/internal/events/bus"
	"github.com/ajfrai/agent-queue/internal/task/models"
	"github.com/ajfrai/agent-queue/internal/task/repository"
	"github.com/gorilla/websocket"
)

type fakeSched struct {
	mu       sync.Mutex
	store    *repository.Store
	cancels  []int64
	requeues []int64
}

func (f *fakeSched) CancelTask(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, taskID)
	f.mu.Unlock()
	_, err := f.store.SetTaskStatus(ctx, taskID, models.TaskStatusCancelled)
	return err
}

func (f *fakeSched) RequeueForReview(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	f.requeues = append(f.requeues, taskID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSched) requeued() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.requeues...)
}

type fakeBeats struct {
	beat      int64
	triggered int
}

func (f *fakeBeats) TriggerNow(ctx context.Context) map[string]interface{} {
	f.triggered++
	f.beat++
	return map[string]interface{}{"beat": f.beat, "phase": "assess"}
}

func (f *fakeBeats) Beat() int64 { return f.beat }

type testEnv struct {
	server *Server
	store  *repository.Store
	sched  *fakeSched
	beats  *fakeBeats
	bus    *bus.MemoryEventBus
	emit   *events.Emitter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := repository.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	membus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(membus.Close)

	emitter := events.NewEmitter(store, membus, logger.Default(), "test")
	sched := &fakeSched{store: store}
	beats := &fakeBeats{}

	server := New(nil, store, sched, beats, membus, emitter, logger.Default())
	return &testEnv{server: server, store: store, sched: sched, beats: beats, bus: membus, emit: emitter}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (e *testEnv) createTask(t *testing.T, title string) *models.Task {
	t.Helper()
	task := &models.Task{Title: title}
	if err := e.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/tasks", map[string]interface{}{
		"title":       "fix login",
		"description": "sessions expire too fast",
		"priority":    2,
		"metadata":    map[string]interface{}{"active": true},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created models.Task
	decodeJSON(t, rec, &created)
	if created.ID == 0 || created.Status != models.TaskStatusPending {
		t.Errorf("created = %+v", created)
	}
	if active, _ := created.Metadata["active"].(bool); !active {
		t.Errorf("metadata not persisted: %v", created.Metadata)
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", created.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var fetched models.Task
	decodeJSON(t, rec, &fetched)
	if fetched.Title != "fix login" || fetched.Priority != 2 {
		t.Errorf("fetched = %+v", fetched)
	}
}

func TestCreateTaskHonorsExplicitPosition(t *testing.T) {
	env := newTestEnv(t)

	// Without a position the task is appended past existing ones.
	env.createTask(t, "existing")
	var appended models.Task
	decodeJSON(t, env.do(t, http.MethodPost, "/api/tasks",
		map[string]interface{}{"title": "appended"}), &appended)
	if appended.Position <= 0 {
		t.Errorf("appended position = %d, want > 0", appended.Position)
	}

	// An explicit 0 means front of the queue, not "append".
	var front models.Task
	decodeJSON(t, env.do(t, http.MethodPost, "/api/tasks",
		map[string]interface{}{"title": "front", "position": 0}), &front)
	if front.Position != 0 {
		t.Errorf("explicit position 0 became %d", front.Position)
	}

	var exact models.Task
	decodeJSON(t, env.do(t, http.MethodPost, "/api/tasks",
		map[string]interface{}{"title": "exact", "position": 7}), &exact)
	if exact.Position != 7 {
		t.Errorf("explicit position 7 became %d", exact.Position)
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/tasks", map[string]interface{}{"description": "no title"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Error.Code != "invalid_request" {
		t.Errorf("error code = %q", resp.Error.Code)
	}
}

func TestListTasksFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createTask(t, "a")
	b := env.createTask(t, "b")
	if _, err := env.store.SetTaskStatus(ctx, b.ID, models.TaskStatusFailed); err != nil {
		t.Fatalf("set status: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/tasks?status=failed", nil)
	var resp struct {
		Tasks []*models.Task `json:"tasks"`
	}
	decodeJSON(t, rec, &resp)
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != b.ID {
		t.Errorf("filtered tasks = %+v", resp.Tasks)
	}

	if rec := env.do(t, http.MethodGet, "/api/tasks?status=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status code = %d", rec.Code)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/tasks/999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Error.Code != "not_found" {
		t.Errorf("error code = %q", resp.Error.Code)
	}
}

func TestPatchTaskMergesMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.createTask(t, "patch me")
	if _, err := env.store.MergeMetadata(ctx, task.ID, map[string]interface{}{
		"active": true, "retry_count": 2,
	}); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}

	rec := env.do(t, http.MethodPatch, fmt.Sprintf("/api/tasks/%d", task.ID), map[string]interface{}{
		"title": "patched",
		"metadata": map[string]interface{}{
			"retry_count": nil,
			"branch":      "task-1-patch-me",
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body.String())
	}
	var patched models.Task
	decodeJSON(t, rec, &patched)
	if patched.Title != "patched" {
		t.Errorf("title = %q", patched.Title)
	}
	if _, present := patched.Metadata["retry_count"]; present {
		t.Error("null key was not deleted")
	}
	if patched.Meta().Branch() != "task-1-patch-me" {
		t.Errorf("branch = %q", patched.Meta().Branch())
	}
	if !patched.Meta().Active() {
		t.Error("untouched key was lost in merge")
	}
}

func TestCancelTaskGoesThroughScheduler(t *testing.T) {
	env := newTestEnv(t)

	task := env.createTask(t, "doomed")
	rec := env.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", task.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	var cancelled models.Task
	decodeJSON(t, rec, &cancelled)
	if cancelled.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}
	if len(env.sched.cancels) != 1 || env.sched.cancels[0] != task.ID {
		t.Errorf("scheduler cancels = %v", env.sched.cancels)
	}
}

func TestSetStatusRejectsTerminalTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.createTask(t, "done already")
	if _, err := env.store.SetTaskStatus(ctx, task.ID, models.TaskStatusCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/status", task.ID),
		map[string]interface{}{"status": "pending"})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestSetStatusApprovesReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.createTask(t, "reviewed")
	if _, err := env.store.SetTaskStatus(ctx, task.ID, models.TaskStatusReadyForReview); err != nil {
		t.Fatalf("set status: %v", err)
	}

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/status", task.ID),
		map[string]interface{}{"status": "completed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var updated models.Task
	decodeJSON(t, rec, &updated)
	if updated.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s", updated.Status)
	}
	if updated.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestReorderTasks(t *testing.T) {
	env := newTestEnv(t)

	a := env.createTask(t, "first")
	b := env.createTask(t, "second")

	rec := env.do(t, http.MethodPost, "/api/tasks/reorder", map[string]interface{}{
		"positions": []map[string]interface{}{
			{"id": a.ID, "position": 20},
			{"id": b.ID, "position": 10},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reorder status = %d", rec.Code)
	}

	var resp struct {
		Tasks []*models.Task `json:"tasks"`
	}
	decodeJSON(t, env.do(t, http.MethodGet, "/api/tasks", nil), &resp)
	if len(resp.Tasks) != 2 || resp.Tasks[0].ID != b.ID {
		t.Errorf("order after reorder = %+v", resp.Tasks)
	}
}

func TestUserCommentOnReviewRequeues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.createTask(t, "needs changes")
	if _, err := env.store.SetTaskStatus(ctx, task.ID, models.TaskStatusReadyForReview); err != nil {
		t.Fatalf("set status: %v", err)
	}

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/comments", task.ID),
		map[string]interface{}{"content": "please add tests"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("comment status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := env.sched.requeued(); len(got) != 1 || got[0] != task.ID {
		t.Errorf("requeues = %v", got)
	}

	// Agent comments never requeue.
	env.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/comments", task.ID),
		map[string]interface{}{"content": "here is how to test", "author": "agent"})
	if got := env.sched.requeued(); len(got) != 1 {
		t.Errorf("agent comment requeued: %v", got)
	}
}

func TestCommentOnPendingDoesNotRequeue(t *testing.T) {
	env := newTestEnv(t)

	task := env.createTask(t, "still pending")
	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/comments", task.ID),
		map[string]interface{}{"content": "context for later"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("comment status = %d", rec.Code)
	}
	if got := env.sched.requeued(); len(got) != 0 {
		t.Errorf("requeues = %v", got)
	}
}

func TestLatestComments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.createTask(t, "a")
	b := env.createTask(t, "b")
	for _, content := range []string{"old", "new"} {
		if err := env.store.CreateComment(ctx, &models.Comment{TaskID: a.ID, Content: content}); err != nil {
			t.Fatalf("create comment: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet,
		fmt.Sprintf("/api/tasks/latest-comments?task_ids=%d,%d", a.ID, b.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Comments map[string]*models.Comment `json:"comments"`
	}
	decodeJSON(t, rec, &resp)
	if got := resp.Comments[fmt.Sprint(a.ID)]; got == nil || got.Content != "new" {
		t.Errorf("latest for a = %+v", got)
	}
	if _, present := resp.Comments[fmt.Sprint(b.ID)]; present {
		t.Error("task without comments should be absent")
	}
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/projects", map[string]interface{}{
		"name": "webapp", "repo_dir": "/srv/webapp",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var project models.Project
	decodeJSON(t, rec, &project)
	if project.DefaultBranch != "main" {
		t.Errorf("default branch = %q", project.DefaultBranch)
	}

	var listResp struct {
		Projects []*models.Project `json:"projects"`
	}
	decodeJSON(t, env.do(t, http.MethodGet, "/api/projects", nil), &listResp)
	if len(listResp.Projects) != 1 {
		t.Fatalf("projects = %+v", listResp.Projects)
	}

	if rec := env.do(t, http.MethodDelete, fmt.Sprintf("/api/projects/%d", project.ID), nil); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, fmt.Sprintf("/api/projects/%d", project.ID), nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createTask(t, "one")
	task := env.createTask(t, "two")
	if _, err := env.store.SetTaskStatus(ctx, task.ID, models.TaskStatusFailed); err != nil {
		t.Fatalf("set status: %v", err)
	}
	env.beats.beat = 7

	rec := env.do(t, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Tasks           map[string]int `json:"tasks"`
		RunningSessions int            `json:"running_sessions"`
		Beat            int64          `json:"beat"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Tasks["pending"] != 1 || resp.Tasks["failed"] != 1 {
		t.Errorf("counts = %v", resp.Tasks)
	}
	if resp.Beat != 7 {
		t.Errorf("beat = %d", resp.Beat)
	}
}

func TestHeartbeatTrigger(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/heartbeat/trigger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var diag map[string]interface{}
	decodeJSON(t, rec, &diag)
	if diag["phase"] != "assess" {
		t.Errorf("diag = %v", diag)
	}
	if env.beats.triggered != 1 {
		t.Errorf("triggered = %d", env.beats.triggered)
	}
}

func TestSessionOutputReplaysLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.createTask(t, "with session")
	stdout := filepath.Join(t.TempDir(), "stdout.log")
	if err := os.WriteFile(stdout, []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	session := &models.Session{
		TaskID:     task.ID,
		WorkingDir: t.TempDir(),
		Model:      "sonnet",
		StdoutPath: stdout,
		StderrPath: stdout,
	}
	if err := env.store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	session.Status = models.SessionStatusCompleted
	if err := env.store.UpdateSession(ctx, session); err != nil {
		t.Fatalf("update session: %v", err)
	}

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d/output", session.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "data: line one") || !strings.Contains(body, "data: line two") {
		t.Errorf("sse body = %q", body)
	}
}

func TestEventStreamMirrorsBus(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Give the handler time to subscribe before publishing.
	time.Sleep(100 * time.Millisecond)
	env.emit.Emit(context.Background(), events.TaskCreated, "task", "1", nil)

	reader := bufio.NewReader(resp.Body)
	var sawEvent bool
	for i := 0; i < 10; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: "+events.TaskCreated) {
			sawEvent = true
			break
		}
	}
	if !sawEvent {
		t.Error("task.created never arrived on the stream")
	}
}

func TestWebSocketMirrorsBus(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	time.Sleep(100 * time.Millisecond)
	env.emit.Emit(context.Background(), events.TaskFailed, "task", "2",
		map[string]interface{}{"error": "boom"})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event bus.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	if event.Type != events.TaskFailed {
		t.Errorf("event type = %q", event.Type)
	}
	if event.Data["error"] != "boom" {
		t.Errorf("event data = %v", event.Data)
	}
}
