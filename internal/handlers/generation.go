package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/nous-backend/internal/requestdata"
	"github.com/yungbote/nous-backend/internal/services"
	"github.com/yungbote/nous-backend/internal/sse"
	"github.com/yungbote/nous-backend/internal/types"
)

type GenerationHandler struct {
	svc services.GenerationService
	hub *sse.Hub
}

func NewGenerationHandler(svc services.GenerationService, hub *sse.Hub) *GenerationHandler {
	return &GenerationHandler{svc: svc, hub: hub}
}

func principal(c *gin.Context) (uuid.UUID, bool) {
	rd, ok := requestdata.GetRequestData(c.Request.Context())
	if !ok || rd.UserID == uuid.Nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return uuid.Nil, false
	}
	return rd.UserID, true
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return uuid.Nil, false
	}
	return id, true
}

func writeGenerationError(c *gin.Context, err error) {
	var vErr *types.ValidationError
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, services.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, services.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "session is not ready for review"})
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// POST /api/generation
func (h *GenerationHandler) Start(c *gin.Context) {
	ownerID, ok := principal(c)
	if !ok {
		return
	}

	var req services.StartGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	session, err := h.svc.Start(c.Request.Context(), ownerID, req)
	if err != nil {
		writeGenerationError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sessionId": session.ID, "session": session})
}

// GET /api/generation/:id/progress
func (h *GenerationHandler) Progress(c *gin.Context) {
	ownerID, ok := principal(c)
	if !ok {
		return
	}
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	if _, err := h.svc.Get(id, ownerID); err != nil {
		writeGenerationError(c, err)
		return
	}

	client := h.hub.Subscribe(id.String())
	defer h.hub.Unsubscribe(client)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

// GET /api/generation/:id
func (h *GenerationHandler) Get(c *gin.Context) {
	ownerID, ok := principal(c)
	if !ok {
		return
	}
	id, ok := sessionParam(c)
	if !ok {
		return
	}

	session, err := h.svc.Get(id, ownerID)
	if err != nil {
		writeGenerationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// GET /api/generation/:id/result
func (h *GenerationHandler) Result(c *gin.Context) {
	ownerID, ok := principal(c)
	if !ok {
		return
	}
	id, ok := sessionParam(c)
	if !ok {
		return
	}

	session, err := h.svc.Result(id, ownerID)
	if err != nil {
		writeGenerationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":    session,
		"draft":      session.Draft,
		"candidates": session.Draft.VideoCandidates,
	})
}

// POST /api/generation/:id/finalize
func (h *GenerationHandler) Finalize(c *gin.Context) {
	ownerID, ok := principal(c)
	if !ok {
		return
	}
	id, ok := sessionParam(c)
	if !ok {
		return
	}

	var req struct {
		SelectedVideos []string `json:"selectedVideos"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	lesson, err := h.svc.Finalize(c.Request.Context(), id, ownerID, req.SelectedVideos)
	if err != nil {
		writeGenerationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lesson": lesson})
}

// POST /api/generation/:id/cancel
func (h *GenerationHandler) Cancel(c *gin.Context) {
	ownerID, ok := principal(c)
	if !ok {
		return
	}
	id, ok := sessionParam(c)
	if !ok {
		return
	}

	session, err := h.svc.Cancel(id, ownerID)
	if err != nil {
		writeGenerationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}
