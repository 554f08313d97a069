package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ajfrai/agent-queue/internal/task/models"
)

// GET /api/projects
func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

type createProjectRequest struct {
	Name          string  `json:"name" binding:"required"`
	RepoDir       string  `json:"repo_dir" binding:"required"`
	Origin        *string `json:"origin"`
	DefaultBranch string  `json:"default_branch"`
}

// POST /api/projects
func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	project := &models.Project{
		Name:          req.Name,
		RepoDir:       req.RepoDir,
		Origin:        req.Origin,
		DefaultBranch: req.DefaultBranch,
	}
	if err := s.store.CreateProject(c.Request.Context(), project); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// DELETE /api/projects/:id
func (s *Server) deleteProject(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteProject(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
