package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatrelay/internal/orchestrator"
	"chatrelay/internal/provider"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req orchestrator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.UserID == "" {
		req.UserID = c.GetHeader("X-User-ID")
	}
	// Identify anonymous HTTP clients by address so one noisy client
	// cannot drain the shared quota window for everyone.
	if req.UserID == "" {
		req.UserID = c.ClientIP()
	}

	resp, err := s.orch.Chat(c.Request.Context(), req)
	if err != nil {
		s.writeChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) writeChatError(c *gin.Context, err error) {
	var rle *orchestrator.RateLimitError
	switch {
	case errors.As(err, &rle):
		c.Header("Retry-After", strconv.Itoa(rle.ResetSeconds))
		c.JSON(http.StatusTooManyRequests, errorResponse{Error: err.Error()})

	case errors.Is(err, orchestrator.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})

	case errors.Is(err, provider.ErrExhausted):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})

	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, errorResponse{Error: err.Error()})

	default:
		var perr *provider.Error
		if errors.As(err, &perr) && !perr.Retryable() {
			c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Error("chat failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}

	if s.executor != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		report := provider.SelfTest(ctx, s.executor, s.logger)
		body["providers"] = report
		if !report.Healthy {
			body["status"] = "degraded"
		}
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cache":         s.cache.GetStats(),
		"conversations": s.store.Stats(),
		"limiter":       s.limiter.Stats(),
	})
}

func (s *Server) handleListConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversations": s.store.ListActive()})
}

func (s *Server) handleGetConversation(c *gin.Context) {
	id := c.Param("id")
	messages := s.store.Read(id)
	if messages == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "messages": messages})
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	s.store.Delete(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClearConversations(c *gin.Context) {
	removed := s.store.Clear()
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
