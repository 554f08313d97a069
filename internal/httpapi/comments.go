package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/events"
	"github.com/ajfrai/agent-queue/internal/task/models"
)

// GET /api/tasks/:id/comments
func (s *Server) listComments(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	comments, err := s.store.ListComments(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

type createCommentRequest struct {
	Content string `json:"content" binding:"required"`
	Author  string `json:"author"`
}

// POST /api/tasks/:id/comments
//
// A user comment on a task in ready_for_review requeues the task so the
// next execution beat picks it up with the new feedback in its prompt.
func (s *Server) createComment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req createCommentRequest
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

	comment := &models.Comment{TaskID: id, Content: req.Content, Author: req.Author}
	if err := s.store.CreateComment(ctx, comment); err != nil {
		respondStoreError(c, err)
		return
	}
	s.emitter.Emit(ctx, events.CommentCreated, "task",
		strconv.FormatInt(id, 10), map[string]interface{}{
			"comment_id": comment.ID,
			"author":     comment.Author,
		})

	if task.Status == models.TaskStatusReadyForReview && comment.Author == "user" {
		if err := s.sched.RequeueForReview(ctx, id); err != nil {
			s.logger.Warn("requeue on comment failed",
				zap.Int64("task_id", id), zap.Error(err))
		}
	}
	c.JSON(http.StatusCreated, comment)
}

// GET /api/tasks/latest-comments?task_ids=1,2,3
func (s *Server) latestComments(c *gin.Context) {
	raw := c.Query("task_ids")
	if raw == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "task_ids is required")
		return
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request",
				"task_ids must be comma-separated integers")
			return
		}
		ids = append(ids, id)
	}

	latest, err := s.store.LatestComments(c.Request.Context(), ids)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	out := make(map[string]*models.Comment, len(latest))
	for taskID, comment := range latest {
		out[strconv.FormatInt(taskID, 10)] = comment
	}
	c.JSON(http.StatusOK, gin.H{"comments": out})
}
