package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/conversation/journal"
)

// GetEvents handles GET /api/v1/conversations/:id/events. Pagination
// parameters mirror the journal query: start_id, end_id, reverse, limit,
// exclude_hidden.
func (h *ConversationHandler) GetEvents(c *gin.Context) {
	q := journal.Query{
		StartID:       int64Query(c, "start_id", 0),
		EndID:         int64Query(c, "end_id", 0),
		Reverse:       c.Query("reverse") == "true",
		Limit:         intQuery(c, "limit", 20),
		ExcludeHidden: c.Query("exclude_hidden") == "true",
	}

	page, err := h.service.GetEvents(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// AddMessageRequest is the JSON body for POST /conversations/:id/messages.
type AddMessageRequest struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

// AddMessage handles POST /api/v1/conversations/:id/messages.
func (h *ConversationHandler) AddMessage(c *gin.Context) {
	var req AddMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("request", err.Error()))
		return
	}

	id := c.Param("id")
	if err := h.service.AddMessage(c.Request.Context(), id, c.GetHeader(sessionKeyHeader), req.Content, req.Metadata); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"conversation_id": id})
}

// AddEvent handles POST /api/v1/conversations/:id/events.
func (h *ConversationHandler) AddEvent(c *gin.Context) {
	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, apperr.Validation("request", err.Error()))
		return
	}

	id := c.Param("id")
	if err := h.service.AddEvent(c.Request.Context(), id, c.GetHeader(sessionKeyHeader), payload); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"conversation_id": id})
}

// SubmitFeedbackRequest is the JSON body for POST /conversations/:id/feedback.
type SubmitFeedbackRequest struct {
	Polarity string                 `json:"polarity"`
	Reason   string                 `json:"reason"`
	Metadata map[string]interface{} `json:"metadata"`
}

// SubmitFeedback handles POST /api/v1/conversations/:id/feedback.
func (h *ConversationHandler) SubmitFeedback(c *gin.Context) {
	var req SubmitFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("request", err.Error()))
		return
	}

	entry, err := h.service.SubmitFeedback(c.Request.Context(), c.Param("id"), req.Polarity, req.Reason, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func int64Query(c *gin.Context, name string, fallback int64) int64 {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
