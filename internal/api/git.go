package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/runtime/gateway"
)

// GitChanges handles GET /api/v1/conversations/:id/git/changes.
func (h *ConversationHandler) GitChanges(c *gin.Context) {
	changes, err := h.service.GitChanges(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if changes == nil {
		changes = []*gateway.GitChange{}
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

// GitDiff handles GET /api/v1/conversations/:id/git/diff.
func (h *ConversationHandler) GitDiff(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		writeError(c, apperr.Validation("path", "path query parameter is required"))
		return
	}

	diff, err := h.service.GitDiff(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}
