package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streaming-proxy/config"
	"streaming-proxy/pkg/cache"
	"streaming-proxy/pkg/logging"
	"streaming-proxy/pkg/playlist"
	"streaming-proxy/pkg/upstream"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mediaPlaylist = "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:9.009,\nseg1.ts\n#EXTINF:9.009,\n../other/seg2.ts\n#EXT-X-ENDLIST\n"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type testEnv struct {
	router *gin.Engine
	cache  *cache.Cache
	clock  *fakeClock
	calls  *atomic.Int32
	origin *httptest.Server
}

func newTestEnv(t *testing.T, originHandler http.HandlerFunc) *testEnv {
	t.Helper()

	calls := &atomic.Int32{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		originHandler(w, r)
	}))
	t.Cleanup(origin.Close)

	fetcher := upstream.NewFetcher(upstream.Config{
		Referer:   "https://referer.example/",
		UserAgent: "test-agent",
		Timeout:   200 * time.Millisecond,
	})

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	respCache := cache.New(config.DefaultCacheTTL, cache.WithClock(clock.Now))

	return &testEnv{
		router: newTestRouter(respCache, fetcher),
		cache:  respCache,
		clock:  clock,
		calls:  calls,
		origin: origin,
	}
}

func newTestRouter(respCache ResponseCache, fetcher Fetcher) *gin.Engine {
	return newLoggingTestRouter(respCache, fetcher, zerolog.Nop())
}

func newLoggingTestRouter(respCache ResponseCache, fetcher Fetcher, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID(), Recovery(logger))

	proxy := NewStreamingProxyHandler(respCache, fetcher, config.DefaultProxyConfig().Cache, logger)
	cacheHandler := NewCacheHandler(respCache, logger)
	health := NewHealthHandler(respCache, time.Now().Add(-time.Minute))

	router.GET("/health", health.HealthCheck)
	router.GET("/api/v1/streamingProxy", proxy.Proxy)
	router.GET("/api/v1/cache/stats", cacheHandler.Stats)
	router.GET("/api/v1/cache/clear", cacheHandler.Clear)
	return router
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func proxyPath(target string) string {
	return "/api/v1/streamingProxy?url=" + url.QueryEscape(target)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.RequestID)
	assert.False(t, body.Timestamp.IsZero())
	return body
}

func TestProxyMissingParameter(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})

	w := get(env.router, "/api/v1/streamingProxy")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeMissingParameter, decodeError(t, w).Error)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestProxyInvalidURL(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})

	for _, raw := range []string{"not-a-url", "/local/index.m3u8", "ftp://host/seg.ts"} {
		w := get(env.router, proxyPath(raw))
		assert.Equal(t, http.StatusBadRequest, w.Code, raw)
		assert.Equal(t, CodeInvalidURL, decodeError(t, w).Error, raw)
	}
	assert.Zero(t, env.calls.Load())
}

func TestProxyPlaylistLifecycle(t *testing.T) {
	var referer atomic.Value
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		referer.Store(r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(mediaPlaylist))
	})
	target := env.origin.URL + "/a/b/index.m3u8"

	first := get(env.router, proxyPath(target))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.Equal(t, "application/vnd.apple.mpegurl", first.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=2", first.Header().Get("Cache-Control"))
	assert.Equal(t, "https://referer.example/", referer.Load())

	body := first.Body.String()
	assert.Contains(t, body, playlist.ProxyURL(env.origin.URL+"/a/b/seg1.ts"))
	assert.Contains(t, body, playlist.ProxyURL(env.origin.URL+"/a/other/seg2.ts"))
	assert.Contains(t, body, "#EXTINF:9.009,\n")
	assert.NotContains(t, body, "\nseg1.ts")

	second := get(env.router, proxyPath(target))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.EqualValues(t, 1, env.calls.Load())

	env.clock.Advance(config.DefaultCacheTTL)

	third := get(env.router, proxyPath(target))
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, "MISS", third.Header().Get("X-Cache"))
	assert.EqualValues(t, 2, env.calls.Load())

	stats := env.cache.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 2, stats.Misses)
	assert.Equal(t, 1, stats.KeyCount)
}

func TestProxySegmentIsByteIdentical(t *testing.T) {
	segment := []byte{0x47, 0x40, 0x00, 0x10, 0x00, 0xff, 0x0d, 0x0a, 0x23}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(segment)
	})
	target := env.origin.URL + "/a/b/seg1.ts?token=xyz"

	first := get(env.router, proxyPath(target))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, segment, first.Body.Bytes())
	assert.Equal(t, "video/mp2t", first.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=31536000, immutable", first.Header().Get("Cache-Control"))
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := get(env.router, proxyPath(target))
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, segment, second.Body.Bytes())

	entry, ok := env.cache.Get(target)
	require.True(t, ok)
	assert.Equal(t, cache.KindBinary, entry.Kind)
}

func TestProxyClassifiesByExtension(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n"))
	})

	tests := map[string]string{
		"/live/master.m3u8": "application/vnd.apple.mpegurl",
		"/live/MASTER.M3U8": "application/vnd.apple.mpegurl",
		"/live/seg.ts":      "video/mp2t",
		"/live/init.mp4":    "video/mp2t",
		"/live/key.bin":     "video/mp2t",
	}
	for p, want := range tests {
		w := get(env.router, proxyPath(env.origin.URL+p))
		require.Equal(t, http.StatusOK, w.Code, p)
		assert.Equal(t, want, w.Header().Get("Content-Type"), p)
	}
}

func TestProxyUpstreamFailurePassthrough(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hotlinking denied", http.StatusForbidden)
	})
	target := env.origin.URL + "/a/b/index.m3u8"

	w := get(env.router, proxyPath(target))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "403 Forbidden", w.Header().Get("X-Upstream-Status"))
	body := decodeError(t, w)
	assert.Equal(t, CodeUpstreamError, body.Error)
	assert.Equal(t, "Forbidden", body.Message)
	assert.Equal(t, http.StatusForbidden, body.UpstreamStatus)

	_, ok := env.cache.Get(target)
	assert.False(t, ok)
	assert.Equal(t, 0, env.cache.Stats().KeyCount)

	// Failures are not cached, so the next request goes upstream again
	get(env.router, proxyPath(target))
	assert.EqualValues(t, 2, env.calls.Load())
}

func TestProxyUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	w := get(env.router, proxyPath(env.origin.URL+"/slow/seg.ts"))

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, CodeUpstreamTimeout, decodeError(t, w).Error)
	assert.Equal(t, 0, env.cache.Stats().KeyCount)
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	w := get(env.router, proxyPath(deadURL+"/seg.ts"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, CodeUpstreamError, decodeError(t, w).Error)
}

func TestProxyCollapsesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("segment-bytes"))
	})
	target := env.origin.URL + "/seg.ts"

	var wg sync.WaitGroup
	results := make([]*httptest.ResponseRecorder, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = get(env.router, proxyPath(target))
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, w := range results {
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "segment-bytes", w.Body.String())
	}
	assert.EqualValues(t, 1, env.calls.Load())
}

func TestProxyCacheKeyIsNotNormalised(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.RawQuery))
	})

	get(env.router, proxyPath(env.origin.URL+"/seg.ts?a=1&b=2"))
	get(env.router, proxyPath(env.origin.URL+"/seg.ts?b=2&a=1"))

	assert.Equal(t, 2, env.cache.Stats().KeyCount)
	assert.EqualValues(t, 2, env.calls.Load())
}

type failingCache struct {
	*cache.Cache
}

func (f failingCache) SetText(string, string) error  { return errors.New("disk full") }
func (f failingCache) SetBytes(string, []byte) error { return errors.New("disk full") }

func TestProxyDeliversWhenCacheWriteFails(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(mediaPlaylist))
	}))
	defer origin.Close()

	fetcher := upstream.NewFetcher(upstream.Config{Timeout: time.Second})
	router := newTestRouter(failingCache{cache.New(time.Minute)}, fetcher)

	w := get(router, proxyPath(origin.URL+"/index.m3u8"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), playlist.ProxyURL(origin.URL+"/seg1.ts"))
}

func TestProxyWarnsWhenPlaylistDoesNotDecode(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/blocked.m3u8") {
			w.Write([]byte("<html>blocked</html>\n"))
			return
		}
		w.Write([]byte(mediaPlaylist))
	}))
	defer origin.Close()

	var buf bytes.Buffer
	fetcher := upstream.NewFetcher(upstream.Config{Timeout: time.Second})
	router := newLoggingTestRouter(cache.New(time.Minute), fetcher, logging.NewWithWriter(&buf, "info", "json"))

	w := get(router, proxyPath(origin.URL+"/index.m3u8"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, buf.String())

	w = get(router, proxyPath(origin.URL+"/blocked.m3u8"))
	require.Equal(t, http.StatusOK, w.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "proxy", line["component"])
	assert.Equal(t, "rewritten playlist does not decode", line["message"])
	assert.Equal(t, origin.URL+"/blocked.m3u8", line["url"])
}

type panickingFetcher struct{}

func (panickingFetcher) ReadAll(context.Context, string) ([]byte, *upstream.Response, error) {
	panic("boom")
}

type brokenFetcher struct{}

func (brokenFetcher) ReadAll(context.Context, string) ([]byte, *upstream.Response, error) {
	return nil, nil, errors.New("unexpected")
}

func TestProxyInternalErrors(t *testing.T) {
	for name, fetcher := range map[string]Fetcher{"panic": panickingFetcher{}, "error": brokenFetcher{}} {
		t.Run(name, func(t *testing.T) {
			router := newTestRouter(cache.New(time.Minute), fetcher)

			w := get(router, proxyPath("https://origin.example/seg.ts"))

			assert.Equal(t, http.StatusInternalServerError, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, CodeInternalError, body.Error)
			assert.Equal(t, "internal server error", body.Message)
		})
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	id := "3f1d1c1e-8c55-4c39-9b5e-8f1f0f4b2a11"

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/streamingProxy", nil)
	req.Header.Set("X-Request-ID", id)
	env.router.ServeHTTP(w, req)

	assert.Equal(t, id, w.Header().Get("X-Request-ID"))
	assert.Equal(t, id, decodeError(t, w).RequestID)

	w = get(env.router, "/api/v1/streamingProxy")
	assert.NotEqual(t, id, w.Header().Get("X-Request-ID"))
}

func TestCacheStatsAndClear(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	})
	get(env.router, proxyPath(env.origin.URL+"/one.ts"))
	get(env.router, proxyPath(env.origin.URL+"/two.ts"))
	get(env.router, proxyPath(env.origin.URL+"/one.ts"))

	var stats struct {
		Success bool        `json:"success"`
		Stats   cache.Stats `json:"stats"`
	}
	w := get(env.router, "/api/v1/cache/stats")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.True(t, stats.Success)
	assert.EqualValues(t, 1, stats.Stats.Hits)
	assert.EqualValues(t, 2, stats.Stats.Misses)
	assert.Equal(t, 2, stats.Stats.KeyCount)

	var cleared struct {
		Success bool `json:"success"`
		Cleared int  `json:"cleared"`
	}
	w = get(env.router, "/api/v1/cache/clear")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cleared))
	assert.True(t, cleared.Success)
	assert.Equal(t, 2, cleared.Cleared)

	w = get(env.router, "/api/v1/cache/stats")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Stats.KeyCount)
}

func TestCacheClearLogsComponent(t *testing.T) {
	var buf bytes.Buffer
	router := newLoggingTestRouter(cache.New(time.Minute), brokenFetcher{}, logging.NewWithWriter(&buf, "info", "json"))

	w := get(router, "/api/v1/cache/clear")
	require.Equal(t, http.StatusOK, w.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cache", line["component"])
	assert.Equal(t, "cache cleared", line["message"])
	assert.Equal(t, w.Header().Get("X-Request-ID"), line["request_id"])
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})

	w := get(env.router, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.GreaterOrEqual(t, body["uptime_seconds"], float64(60))
	assert.True(t, strings.HasSuffix(body["uptime"].(string), "s"))
	assert.Contains(t, body, "cache")
}
