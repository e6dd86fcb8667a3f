package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/pokecode/pokecode/internal/common/errors"
	"github.com/pokecode/pokecode/internal/message"
	"github.com/pokecode/pokecode/internal/queue"
	"github.com/pokecode/pokecode/internal/session"
)

// respondError maps application errors onto HTTP responses. The AppError
// body serializes as {"code": ..., "error": ...}.
func (s *Server) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Internal("internal server error", err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"eventBus":      s.bus.IsConnected(),
		"activeWorkers": true,
	})
}

type createSessionRequest struct {
	ProjectPath string `json:"projectPath"`
	Provider    string `json:"provider"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid request body"))
		return
	}
	if body.Provider == "" {
		body.Provider = session.ProviderClaudeCode
	}

	sess, err := s.sessions.Create(c.Request.Context(), body.ProjectPath, body.Provider)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c *gin.Context) {
	filter := session.ListFilter{State: c.Query("state")}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.sessions.List(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	var patch session.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid request body"))
		return
	}

	sess, err := s.sessions.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sendMessageRequest struct {
	Message      string   `json:"message"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

type sendMessageResponse struct {
	JobID     string `json:"jobId"`
	PromptID  string `json:"promptId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// handleSendMessage enqueues a prompt. 202 on acceptance; 409 when the
// session already has a prompt in flight.
func (s *Server) handleSendMessage(c *gin.Context) {
	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid request body"))
		return
	}
	if body.Message == "" {
		s.respondError(c, apperrors.Validation("message", "cannot be empty"))
		return
	}

	ctx := c.Request.Context()
	sess, err := s.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	// Reject the common conflict before touching the transcript. The
	// enqueue below re-checks atomically.
	if active, err := s.queue.HasActiveJobs(ctx, sess.ID); err == nil && active {
		s.respondError(c, apperrors.Conflict("a prompt is already in progress"))
		return
	}

	// The prompt goes in before the job exists, so a worker that leases
	// the job immediately still finds the user row first. A rejected
	// enqueue removes the prompt again.
	msg, err := s.messages.SaveUserMessage(ctx, sess.ID, body.Message)
	if err != nil {
		s.respondError(c, err)
		return
	}

	job, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
		SessionID: sess.ID,
		Provider:  sess.Provider,
		Data: queue.JobData{
			ProjectPath:  sess.ProjectPath,
			Prompt:       body.Message,
			Model:        body.Model,
			AllowedTools: body.AllowedTools,
		},
	})
	if err != nil {
		if rmErr := s.messages.RemoveMessage(ctx, sess.ID, msg.ID); rmErr != nil {
			s.logger.Warn("failed to remove conflicted prompt",
				zap.String("session_id", sess.ID),
				zap.String("message_id", msg.ID),
				zap.Error(rmErr))
		}
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, sendMessageResponse{
		JobID:     job.ID,
		PromptID:  job.PromptID,
		MessageID: msg.ID,
		Status:    job.Status,
	})
}

func (s *Server) handleGetMessages(c *gin.Context) {
	params := message.GetParams{
		SessionID: c.Param("id"),
		After:     c.Query("after"),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}

	page, sess, err := s.messages.GetMessages(c.Request.Context(), params)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":   page.Messages,
		"pagination": page.Pagination,
		"session":    sess,
	})
}

func (s *Server) handleGetRawMessages(c *gin.Context) {
	envelopes, err := s.messages.GetRawMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": envelopes})
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.messages.CancelSession(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
