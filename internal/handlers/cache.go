package handlers

import (
	"net/http"
	"time"

	"streaming-proxy/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// CacheHandler exposes response cache statistics and maintenance
type CacheHandler struct {
	cache  ResponseCache
	logger zerolog.Logger
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(responseCache ResponseCache, logger zerolog.Logger) *CacheHandler {
	return &CacheHandler{
		cache:  responseCache,
		logger: logging.Component(logger, "cache"),
	}
}

// Stats returns hit/miss counters and the number of cached keys
func (h *CacheHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"stats":     h.cache.Stats(),
		"timestamp": time.Now().UTC(),
	})
}

// Clear drops every cached entry
func (h *CacheHandler) Clear(c *gin.Context) {
	cleared := h.cache.Clear()
	h.logger.Info().Int("cleared", cleared).Str("request_id", c.GetString(requestIDKey)).Msg("cache cleared")

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Cache cleared successfully",
		"cleared":   cleared,
		"timestamp": time.Now().UTC(),
	})
}
