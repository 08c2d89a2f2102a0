package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ronvwieringen/AIbookReview/middleware"
	"github.com/ronvwieringen/AIbookReview/pkg/logger"
	"github.com/ronvwieringen/AIbookReview/service"
)

type AdminHandler struct {
	review *service.ReviewService
}

func NewAdminHandler(review *service.ReviewService) *AdminHandler {
	return &AdminHandler{review: review}
}

type ReclaimRequest struct {
	// OlderThan is a Go duration such as "30m"; empty uses the configured age
	OlderThan string `json:"older_than"`
}

// Reclaim fails manuscripts stuck in processing
func (h *AdminHandler) Reclaim(c *gin.Context) {
	var req ReclaimRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	var olderThan time.Duration
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "older_than must be a positive duration"})
			return
		}
		olderThan = d
	}

	ids, err := h.review.ReclaimStale(c.Request.Context(), olderThan)
	if err != nil {
		logger.Error(c.Request.Context(), "reclaim failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Reclaim failed"})
		return
	}

	logger.Info(c.Request.Context(), "reclaim requested", "by", middleware.GetUsername(c), "reclaimed", len(ids))
	c.JSON(http.StatusOK, gin.H{"reclaimed": ids, "count": len(ids)})
}
