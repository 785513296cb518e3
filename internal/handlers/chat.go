package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/nous-backend/internal/services"
	"github.com/yungbote/nous-backend/internal/types"
)

type ChatHandler struct {
	svc        services.ChatService
	contextSvc services.ChatContextService
}

func NewChatHandler(svc services.ChatService, contextSvc services.ChatContextService) *ChatHandler {
	return &ChatHandler{svc: svc, contextSvc: contextSvc}
}

// POST /api/chat/:lessonId/messages
//
// Streams the response as text/event-stream: token chunks while the model
// generates, then one complete chunk with follow-up suggestions, or one
// error chunk.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, ok := principal(c)
	if !ok {
		return
	}
	lessonID, err := uuid.Parse(c.Param("lessonId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lesson id"})
		return
	}

	var req struct {
		Message   string `json:"message"`
		Mode      string `json:"mode,omitempty"`
		SessionID string `json:"sessionId,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	sessionID := uuid.Nil
	if req.SessionID != "" {
		if sessionID, err = uuid.Parse(req.SessionID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	onChunk := func(chunk types.ChatChunk) error {
		raw, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", raw); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	mode := types.ParseChatMode(req.Mode)
	streamErr := h.svc.Stream(c.Request.Context(), sessionID, lessonID, userID, mode, req.Message, onChunk)
	var vErr *types.ValidationError
	if streamErr != nil && errors.As(streamErr, &vErr) && !c.Writer.Written() {
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error()})
	}
}

// GET /api/chat/context/:lessonId
func (h *ChatHandler) LessonContext(c *gin.Context) {
	if _, ok := principal(c); !ok {
		return
	}
	lessonID, err := uuid.Parse(c.Param("lessonId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lesson id"})
		return
	}

	keywords, summary, err := h.contextSvc.LessonOverview(c.Request.Context(), lessonID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "lesson not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keywords": keywords, "summary": summary})
}

// GET /api/chat/health
func (h *ChatHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Health(c.Request.Context()))
}
