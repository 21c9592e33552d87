package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"streaming-proxy/config"
	"streaming-proxy/pkg/cache"
	"streaming-proxy/pkg/logging"
	"streaming-proxy/pkg/playlist"
	"streaming-proxy/pkg/upstream"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	cacheHit  = "HIT"
	cacheMiss = "MISS"
)

// ResponseCache stores rewritten playlists and raw segments by target URL
type ResponseCache interface {
	Get(key string) (*cache.Entry, bool)
	SetText(key, value string) error
	SetBytes(key string, value []byte) error
	Clear() int
	Stats() cache.Stats
}

// Fetcher retrieves a complete upstream body
type Fetcher interface {
	ReadAll(ctx context.Context, target string) ([]byte, *upstream.Response, error)
}

// StreamingProxyHandler proxies HLS playlists and segments through the response cache
type StreamingProxyHandler struct {
	cache                ResponseCache
	fetcher              Fetcher
	group                singleflight.Group
	playlistCacheControl string
	segmentCacheControl  string
	logger               zerolog.Logger
}

// NewStreamingProxyHandler creates a new streaming proxy handler
func NewStreamingProxyHandler(responseCache ResponseCache, fetcher Fetcher, cfg config.CacheConfig, logger zerolog.Logger) *StreamingProxyHandler {
	return &StreamingProxyHandler{
		cache:                responseCache,
		fetcher:              fetcher,
		playlistCacheControl: cfg.PlaylistCacheControl,
		segmentCacheControl:  cfg.SegmentCacheControl,
		logger:               logging.Component(logger, "proxy"),
	}
}

// Proxy serves GET /api/v1/streamingProxy?url=<target>
func (h *StreamingProxyHandler) Proxy(c *gin.Context) {
	raw := c.Query("url")
	if raw == "" {
		respondError(c, http.StatusBadRequest, CodeMissingParameter, "url parameter is required")
		return
	}

	target, err := playlist.ParseTarget(raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidURL, err.Error())
		return
	}
	kind := playlist.Classify(target)

	// The cache key is the target exactly as requested, without normalisation
	if entry, ok := h.cache.Get(raw); ok {
		h.respond(c, kind, entry.Bytes(), cacheHit)
		return
	}

	body, err := h.load(c.Request.Context(), raw, kind)
	if err != nil {
		h.fail(c, raw, err)
		return
	}
	h.respond(c, kind, body, cacheMiss)
}

// load fetches, rewrites and stores target. Concurrent misses for the same target share one fetch.
func (h *StreamingProxyHandler) load(ctx context.Context, target string, kind playlist.Kind) ([]byte, error) {
	v, err, shared := h.group.Do(target, func() (any, error) {
		// The fetch outlives a disconnecting client so waiters still get the result;
		// the fetcher's own timeout bounds it.
		body, _, err := h.fetcher.ReadAll(context.WithoutCancel(ctx), target)
		if err != nil {
			return nil, err
		}

		if kind != playlist.KindPlaylist {
			if err := h.cache.SetBytes(target, body); err != nil {
				h.logger.Warn().Err(err).Str("url", target).Msg("failed to cache segment")
			}
			return body, nil
		}

		rewritten, err := playlist.Rewrite(string(body), target)
		if err != nil {
			return nil, fmt.Errorf("failed to rewrite playlist: %w", err)
		}
		h.logPlaylist(target, rewritten)

		if err := h.cache.SetText(target, rewritten); err != nil {
			h.logger.Warn().Err(err).Str("url", target).Msg("failed to cache playlist")
		}
		return []byte(rewritten), nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		h.logger.Debug().Str("url", target).Msg("shared in-flight fetch")
	}
	return v.([]byte), nil
}

// logPlaylist reports what the rewritten playlist contains. A playlist the decoder
// rejects is still served as-is but surfaces as a warning.
func (h *StreamingProxyHandler) logPlaylist(target, rewritten string) {
	info, err := playlist.Inspect(rewritten)
	if err != nil {
		h.logger.Warn().Err(err).Str("url", target).Msg("rewritten playlist does not decode")
		return
	}
	h.logger.Debug().
		Str("url", target).
		Str("type", info.Type).
		Int("variants", info.Variants).
		Int("segments", info.Segments).
		Bool("live", info.Live).
		Msg("playlist rewritten")
}

func (h *StreamingProxyHandler) respond(c *gin.Context, kind playlist.Kind, body []byte, cacheStatus string) {
	cacheControl := h.segmentCacheControl
	if kind == playlist.KindPlaylist {
		cacheControl = h.playlistCacheControl
	}

	c.Set(cacheStatusKey, cacheStatus)
	c.Header("Cache-Control", cacheControl)
	c.Header("X-Cache", cacheStatus)
	c.Data(http.StatusOK, kind.ContentType(), body)
}

func (h *StreamingProxyHandler) fail(c *gin.Context, target string, err error) {
	var statusErr *upstream.StatusError
	var transportErr *upstream.TransportError

	switch {
	case errors.As(err, &statusErr):
		h.logger.Warn().Str("url", target).Int("upstream_status", statusErr.StatusCode).Msg("upstream rejected request")
		c.Header("X-Upstream-Status", fmt.Sprintf("%d %s", statusErr.StatusCode, statusErr.Reason))
		respondErrorBody(c, passthroughStatus(statusErr.StatusCode), ErrorResponse{
			Error:          CodeUpstreamError,
			Message:        statusErr.Reason,
			UpstreamStatus: statusErr.StatusCode,
		})
	case errors.Is(err, upstream.ErrTimeout):
		h.logger.Warn().Err(err).Str("url", target).Msg("upstream timed out")
		respondError(c, http.StatusGatewayTimeout, CodeUpstreamTimeout, "upstream did not respond in time")
	case errors.Is(err, upstream.ErrInvalidInput):
		respondError(c, http.StatusBadRequest, CodeInvalidURL, err.Error())
	case errors.As(err, &transportErr):
		h.logger.Warn().Err(err).Str("url", target).Msg("upstream fetch failed")
		respondError(c, http.StatusBadGateway, CodeUpstreamError, "failed to fetch from upstream")
	default:
		h.logger.Error().Err(err).Str("url", target).Msg("proxy request failed")
		respondError(c, http.StatusInternalServerError, CodeInternalError, "internal server error")
	}
}

// passthroughStatus keeps the upstream status unless it cannot be relayed as an error
func passthroughStatus(code int) int {
	if code < 300 || code > 599 {
		return http.StatusBadGateway
	}
	return code
}
