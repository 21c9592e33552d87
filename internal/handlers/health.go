package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports service liveness
type HealthHandler struct {
	cache     ResponseCache
	startedAt time.Time
	now       func() time.Time
}

// NewHealthHandler creates a new health handler; uptime is measured from startedAt
func NewHealthHandler(responseCache ResponseCache, startedAt time.Time) *HealthHandler {
	return &HealthHandler{
		cache:     responseCache,
		startedAt: startedAt,
		now:       time.Now,
	}
}

// HealthCheck returns service health status
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	uptime := h.now().Sub(h.startedAt)

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"started_at":     h.startedAt.UTC(),
		"cache":          h.cache.Stats(),
		"timestamp":      h.now().UTC(),
	})
}
