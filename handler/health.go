package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ronvwieringen/AIbookReview/pkg/logger"
	"github.com/ronvwieringen/AIbookReview/service"
)

type HealthHandler struct {
	store  *service.Store
	oracle service.Oracle
}

func NewHealthHandler(store *service.Store, oracle service.Oracle) *HealthHandler {
	return &HealthHandler{store: store, oracle: oracle}
}

// Health is the liveness probe
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready pings the database
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		logger.Error(ctx, "readiness check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "database unreachable"})
		return
	}

	resp := gin.H{"status": "ready", "oracle": "unavailable"}
	if h.oracle != nil {
		resp["oracle"] = h.oracle.Name()
		resp["model"] = h.oracle.Model()
	}
	c.JSON(http.StatusOK, resp)
}
