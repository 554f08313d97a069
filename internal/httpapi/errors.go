package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ajfrai/agent-queue/internal/task/repository"
)

// respondError writes the API error envelope.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// respondStoreError maps repository errors onto API errors.
func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, repository.ErrCycle):
		respondError(c, http.StatusBadRequest, "cycle", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "internal", err.Error())
	}
}
