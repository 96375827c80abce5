// Package api exposes the relayd HTTP surface: conversation lifecycle,
// journal access, workspace files and git state, and the asynchronous
// start-task pipeline with its websocket status stream.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/httpmw"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/conversation/service"
	"github.com/relaydev/relay/internal/starttask"
)

// Server wraps the gin engine and the underlying HTTP server.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	logger *logger.Logger
}

// NewServer builds the router with all middleware and routes registered.
func NewServer(cfg config.ServerConfig, conversations *service.Service, tasks *starttask.Pipeline, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(httpmw.RequestLogger(log, "relayd"))
	engine.Use(httpmw.OtelTracing("relayd"))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "relayd"})
	})

	v1 := engine.Group("/api/v1")
	RegisterConversationRoutes(v1, conversations, log)
	RegisterStartTaskRoutes(v1, tasks, log)

	port := cfg.Port
	if port == 0 {
		port = 8080
	}
	return &Server{
		engine: engine,
		srv: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, port),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		logger: log.WithFields(zap.String("component", "api-server")),
	}
}

// Engine returns the underlying gin engine, used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// corsMiddleware allows browser clients on other origins, including
// websocket upgrades.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Session-API-Key, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
