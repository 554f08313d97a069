package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ajfrai/agent-queue/internal/events"
	"github.com/ajfrai/agent-queue/internal/task/models"
	"github.com/ajfrai/agent-queue/internal/task/repository"
)

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_id", "id must be an integer")
		return 0, false
	}
	return id, true
}

// GET /api/tasks?status=&project_id=&limit=&offset=
func (s *Server) listTasks(c *gin.Context) {
	filter := repository.TaskFilter{
		Status: models.TaskStatus(c.Query("status")),
	}
	if filter.Status != "" && !models.ValidTaskStatuses[filter.Status] {
		respondError(c, http.StatusBadRequest, "invalid_status", "unknown status "+c.Query("status"))
		return
	}
	if raw := c.Query("project_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_project_id", "project_id must be an integer")
			return
		}
		filter.ProjectID = &id
	}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))
	filter.Offset, _ = strconv.Atoi(c.Query("offset"))

	tasks, err := s.store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type createTaskRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	// Position is a pointer so an explicit 0 (front of the queue) is
	// distinguishable from "unset, append to the end".
	Position     *int                   `json:"position"`
	ParentTaskID *int64                 `json:"parent_task_id"`
	ProjectID    *int64                 `json:"project_id"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// POST /api/tasks
func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task := &models.Task{
		Title:        req.Title,
		Description:  req.Description,
		Priority:     req.Priority,
		ParentTaskID: req.ParentTaskID,
		ProjectID:    req.ProjectID,
		Metadata:     req.Metadata,
	}
	if req.Position != nil {
		task.Position = *req.Position
	}
	if err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		respondStoreError(c, err)
		return
	}
	// CreateTask treats zero as the append sentinel; write an explicit
	// front-of-queue position back after the insert.
	if req.Position != nil && *req.Position == 0 && task.Position != 0 {
		task.Position = 0
		if err := s.store.UpdateTask(c.Request.Context(), task); err != nil {
			respondStoreError(c, err)
			return
		}
	}

	s.emitter.Emit(c.Request.Context(), events.TaskCreated, "task",
		strconv.FormatInt(task.ID, 10), map[string]interface{}{
			"title":  task.Title,
			"status": string(task.Status),
		})
	c.JSON(http.StatusCreated, task)
}

// GET /api/tasks/:id
func (s *Server) getTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type patchTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Priority    *int    `json:"priority"`
	Position    *int    `json:"position"`
	// Metadata is merged shallowly; a null value deletes the key.
	Metadata map[string]interface{} `json:"metadata"`
}

// PATCH /api/tasks/:id
func (s *Server) patchTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req patchTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ctx := c.Request.Context()

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	if req.Title != nil || req.Description != nil || req.Priority != nil || req.Position != nil {
		if req.Title != nil {
			task.Title = *req.Title
		}
		if req.Description != nil {
			task.Description = *req.Description
		}
		if req.Priority != nil {
			task.Priority = *req.Priority
		}
		if req.Position != nil {
			task.Position = *req.Position
		}
		if err := s.store.UpdateTask(ctx, task); err != nil {
			respondStoreError(c, err)
			return
		}
	}

	if len(req.Metadata) > 0 {
		task, err = s.store.MergeMetadata(ctx, id, req.Metadata)
		if err != nil {
			respondStoreError(c, err)
			return
		}
	}

	s.emitter.Emit(ctx, events.TaskUpdated, "task",
		strconv.FormatInt(id, 10), map[string]interface{}{"status": string(task.Status)})
	c.JSON(http.StatusOK, task)
}

// DELETE /api/tasks/:id
func (s *Server) cancelTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.sched.CancelTask(ctx, id); err != nil {
		respondStoreError(c, err)
		return
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type setStatusRequest struct {
	Status models.TaskStatus `json:"status" binding:"required"`
}

// POST /api/tasks/:id/status
func (s *Server) setTaskStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !models.ValidTaskStatuses[req.Status] {
		respondError(c, http.StatusBadRequest, "invalid_status", "unknown status "+string(req.Status))
		return
	}
	ctx := c.Request.Context()

	// Cancellation has side effects (session kill, worktree removal),
	// so it goes through the scheduler rather than a bare status write.
	if req.Status == models.TaskStatusCancelled {
		s.cancelTask(c)
		return
	}

	current, err := s.store.GetTask(ctx, id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if current.Status.IsTerminal() {
		respondError(c, http.StatusConflict, "terminal_status",
			"task is already "+string(current.Status))
		return
	}

	task, err := s.store.SetTaskStatus(ctx, id, req.Status)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	s.emitter.Emit(ctx, events.TaskStatusEvent(string(req.Status)), "task",
		strconv.FormatInt(id, 10), map[string]interface{}{"status": string(req.Status)})
	c.JSON(http.StatusOK, task)
}

type reorderRequest struct {
	Positions []repository.TaskPosition `json:"positions" binding:"required"`
}

// POST /api/tasks/reorder
func (s *Server) reorderTasks(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := s.store.ReorderTasks(ctx, req.Positions); err != nil {
		respondStoreError(c, err)
		return
	}
	s.emitter.Emit(ctx, events.TasksReordered, "task", "",
		map[string]interface{}{"count": len(req.Positions)})
	c.JSON(http.StatusOK, gin.H{"reordered": len(req.Positions)})
}

// GET /api/tasks/:id/subtasks
func (s *Server) listSubtasks(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	subtasks, err := s.store.Subtasks(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subtasks": subtasks})
}

// GET /api/tasks/:id/events
func (s *Server) listTaskEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	taskEvents, err := s.store.ListEvents(c.Request.Context(), repository.EventFilter{
		EntityType: "task",
		EntityID:   strconv.FormatInt(id, 10),
		Limit:      limit,
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": taskEvents})
}
