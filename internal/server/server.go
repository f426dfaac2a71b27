// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatrelay/internal/cache"
	"chatrelay/internal/conversation"
	"chatrelay/internal/limiter"
	"chatrelay/internal/orchestrator"
	"chatrelay/internal/provider"
)

// Server wires the orchestrator and its components into a gin engine.
type Server struct {
	engine   *gin.Engine
	server   *http.Server
	orch     *orchestrator.Orchestrator
	store    *conversation.Store
	limiter  *limiter.SlidingWindow
	cache    *cache.ResponseCache
	executor *provider.Executor
	logger   *zap.Logger
}

// New builds the server. executor may be nil; /health then skips the
// provider self-test.
func New(
	listen string,
	orch *orchestrator.Orchestrator,
	store *conversation.Store,
	lim *limiter.SlidingWindow,
	respCache *cache.ResponseCache,
	executor *provider.Executor,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:   engine,
		orch:     orch,
		store:    store,
		limiter:  lim,
		cache:    respCache,
		executor: executor,
		logger:   logger,
	}

	engine.Use(gin.Recovery())
	engine.Use(s.loggingMiddleware())
	s.registerRoutes()

	s.server = &http.Server{
		Addr:              listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", c.ClientIP()))
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/chat", s.handleChat)
		v1.GET("/stats", s.handleStats)
		v1.GET("/conversations", s.handleListConversations)
		v1.GET("/conversations/:id", s.handleGetConversation)
		v1.DELETE("/conversations/:id", s.handleDeleteConversation)
		v1.DELETE("/conversations", s.handleClearConversations)
	}
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
