package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperr "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/starttask"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StartTaskHandler serves the start-task API, including the websocket status
// stream.
type StartTaskHandler struct {
	pipeline *starttask.Pipeline
	logger   *logger.Logger
}

// RegisterStartTaskRoutes mounts the start-task routes on the group.
func RegisterStartTaskRoutes(group *gin.RouterGroup, pipeline *starttask.Pipeline, log *logger.Logger) {
	h := &StartTaskHandler{
		pipeline: pipeline,
		logger:   log.WithFields(zap.String("component", "starttask-api")),
	}

	group.POST("/start-tasks", h.Submit)
	group.GET("/start-tasks", h.Search)
	group.GET("/start-tasks/:id", h.Get)
	group.GET("/start-tasks/:id/stream", h.Stream)
}

// Submit handles POST /api/v1/start-tasks.
func (h *StartTaskHandler) Submit(c *gin.Context) {
	var req starttask.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("request", err.Error()))
		return
	}

	task, err := h.pipeline.Submit(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// Get handles GET /api/v1/start-tasks/:id.
func (h *StartTaskHandler) Get(c *gin.Context) {
	task, err := h.pipeline.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Search handles GET /api/v1/start-tasks. Searching also purges terminal
// tasks past the retention window.
func (h *StartTaskHandler) Search(c *gin.Context) {
	tasks, err := h.pipeline.SearchTasks(c.Request.Context(), starttask.SearchOptions{
		Status: starttask.Status(c.Query("status")),
		Limit:  intQuery(c, "limit", 0),
		Offset: intQuery(c, "offset", 0),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*starttask.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

// Stream handles GET /api/v1/start-tasks/:id/stream. It upgrades to a
// websocket and pushes one JSON message per status transition, starting with
// the current state. The connection closes once the task is terminal.
func (h *StartTaskHandler) Stream(c *gin.Context) {
	taskID := c.Param("id")

	updates, cancel, err := h.pipeline.Subscribe(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	defer cancel()

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade start task stream",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	// Detect client disconnects so a stuck task does not leak subscribers.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case task, ok := <-updates:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
				return
			}
			if err := conn.WriteJSON(task); err != nil {
				h.logger.Debug("start task stream write failed",
					zap.String("task_id", taskID), zap.Error(err))
				return
			}
		case <-clientGone:
			return
		}
	}
}
