package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/nous-backend/internal/services"
	"github.com/yungbote/nous-backend/internal/types"
)

type VideoHandler struct {
	svc services.VideoSearchClient
}

func NewVideoHandler(svc services.VideoSearchClient) *VideoHandler {
	return &VideoHandler{svc: svc}
}

// POST /api/videos/search
func (h *VideoHandler) Search(c *gin.Context) {
	if _, ok := principal(c); !ok {
		return
	}

	var req struct {
		Keywords []string `json:"keywords"`
		Max      int      `json:"max,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Keywords) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "keywords are required"})
		return
	}

	candidates, err := h.svc.Search(c.Request.Context(), req.Keywords, req.Max)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "video search unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

// POST /api/videos/lookup
func (h *VideoHandler) Lookup(c *gin.Context) {
	if _, ok := principal(c); !ok {
		return
	}

	var req struct {
		URL string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	candidate, err := h.svc.Lookup(c.Request.Context(), req.URL)
	if err != nil {
		var vErr *types.ValidationError
		if errors.As(err, &vErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "video lookup unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"video": candidate})
}
