// Package server provides the HTTP API: session and message CRUD, prompt
// submission, cancellation, and live streaming over SSE and WebSocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pokecode/pokecode/internal/common/config"
	"github.com/pokecode/pokecode/internal/common/httpmw"
	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/events/bus"
	"github.com/pokecode/pokecode/internal/message"
	"github.com/pokecode/pokecode/internal/queue"
	"github.com/pokecode/pokecode/internal/session"
)

// Server is the pokecode HTTP API server.
type Server struct {
	cfg      *config.Config
	sessions *session.Service
	messages *message.Service
	queue    *queue.Service
	bus      bus.EventBus
	logger   *logger.Logger

	router   *gin.Engine
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer wires the API routes.
func NewServer(cfg *config.Config, sessions *session.Service, messages *message.Service,
	q *queue.Service, eventBus bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		messages: messages,
		queue:    q,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "api-server")),
		router:   gin.New(),
		upgrader: websocket.Upgrader{
			// Local single-user daemon; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "pokecode"))
	s.router.Use(httpmw.OtelTracing("pokecode"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.PATCH("/sessions/:id", s.handleUpdateSession)
		api.DELETE("/sessions/:id", s.handleDeleteSession)

		api.POST("/sessions/:id/messages", s.handleSendMessage)
		api.GET("/sessions/:id/messages", s.handleGetMessages)
		api.GET("/sessions/:id/messages/raw", s.handleGetRawMessages)
		api.POST("/sessions/:id/cancel", s.handleCancel)

		api.GET("/sessions/:id/stream", s.handleStream)
		api.GET("/sessions/:id/ws", s.handleWS)

		api.GET("/queue/status", s.handleQueueStatus)
	}
}

// Run starts listening. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
