package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/conversation/models"
	"github.com/relaydev/relay/internal/conversation/service"
	"github.com/relaydev/relay/internal/conversation/store"
)

const sessionKeyHeader = "X-Session-API-Key"

// ConversationHandler serves the conversation API.
type ConversationHandler struct {
	service *service.Service
	logger  *logger.Logger
}

// RegisterConversationRoutes mounts the conversation routes on the group.
func RegisterConversationRoutes(group *gin.RouterGroup, svc *service.Service, log *logger.Logger) {
	h := &ConversationHandler{
		service: svc,
		logger:  log.WithFields(zap.String("component", "conversation-api")),
	}

	group.POST("/conversations", h.Create)
	group.GET("/conversations", h.List)

	conv := group.Group("/conversations/:id")
	{
		conv.GET("", h.Get)
		conv.DELETE("", h.Delete)
		conv.POST("/start", h.Start)
		conv.POST("/stop", h.Stop)

		conv.GET("/events", h.GetEvents)
		conv.POST("/messages", h.AddMessage)
		conv.POST("/events", h.AddEvent)
		conv.POST("/feedback", h.SubmitFeedback)

		conv.GET("/config", h.GetRuntimeConfig)
		conv.GET("/vscode-url", h.GetVSCodeURL)
		conv.GET("/web-hosts", h.GetWebHosts)
		conv.GET("/microagents", h.GetMicroagents)

		conv.GET("/files", h.ListFiles)
		conv.GET("/files/content", h.OpenFile)
		conv.POST("/files", h.UploadFiles)
		conv.GET("/zip", h.ZipWorkspace)

		conv.GET("/git/changes", h.GitChanges)
		conv.GET("/git/diff", h.GitDiff)
	}
}

// CreateConversationRequest is the JSON body for POST /conversations.
type CreateConversationRequest struct {
	CreatedByUserID string                 `json:"created_by_user_id"`
	Title           string                 `json:"title"`
	Trigger         string                 `json:"trigger"`
	Repository      string                 `json:"repository"`
	Branch          string                 `json:"branch"`
	GitProvider     string                 `json:"git_provider"`
	InitialMessage  string                 `json:"initial_message"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// Create handles POST /api/v1/conversations.
func (h *ConversationHandler) Create(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("request", err.Error()))
		return
	}

	conv, err := h.service.CreateConversation(c.Request.Context(), service.CreateRequest{
		CreatedByUserID: req.CreatedByUserID,
		Title:           req.Title,
		Trigger:         req.Trigger,
		Repository:      req.Repository,
		Branch:          req.Branch,
		GitProvider:     req.GitProvider,
		InitialMessage:  req.InitialMessage,
		Metadata:        req.Metadata,
	})
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations.
func (h *ConversationHandler) List(c *gin.Context) {
	opts := store.ListOptions{
		Status:     models.ConversationStatus(c.Query("status")),
		Repository: c.Query("repository"),
		Query:      c.Query("query"),
		Limit:      intQuery(c, "limit", 0),
		Offset:     intQuery(c, "offset", 0),
	}

	conversations, err := h.service.ListConversations(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
		"total":         len(conversations),
	})
}

// Get handles GET /api/v1/conversations/:id.
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.service.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/conversations/:id.
func (h *ConversationHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.DeleteConversation(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "deleted": true})
}

// Start handles POST /api/v1/conversations/:id/start.
func (h *ConversationHandler) Start(c *gin.Context) {
	conv, err := h.service.StartConversation(c.Request.Context(), c.Param("id"), c.GetHeader(sessionKeyHeader))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Stop handles POST /api/v1/conversations/:id/stop.
func (h *ConversationHandler) Stop(c *gin.Context) {
	conv, err := h.service.StopConversation(c.Request.Context(), c.Param("id"), c.GetHeader(sessionKeyHeader))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// GetRuntimeConfig handles GET /api/v1/conversations/:id/config.
func (h *ConversationHandler) GetRuntimeConfig(c *gin.Context) {
	runtime, err := h.service.GetRuntimeConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runtime)
}

// GetVSCodeURL handles GET /api/v1/conversations/:id/vscode-url.
func (h *ConversationHandler) GetVSCodeURL(c *gin.Context) {
	url, err := h.service.GetVSCodeURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vscode_url": url})
}

// GetWebHosts handles GET /api/v1/conversations/:id/web-hosts.
func (h *ConversationHandler) GetWebHosts(c *gin.Context) {
	hosts, err := h.service.GetWebHosts(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hosts": hosts})
}

// GetMicroagents handles GET /api/v1/conversations/:id/microagents.
func (h *ConversationHandler) GetMicroagents(c *gin.Context) {
	agents, err := h.service.GetMicroagents(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if agents == nil {
		agents = []*models.Microagent{}
	}
	c.JSON(http.StatusOK, gin.H{"microagents": agents})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
