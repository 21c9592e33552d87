package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streaming-proxy/config"
	"streaming-proxy/internal/handlers"
	"streaming-proxy/pkg/cache"
	"streaming-proxy/pkg/logging"
	"streaming-proxy/pkg/upstream"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	logger.Info().
		Str("port", cfg.Port).
		Str("referer", cfg.Upstream.RefererURL).
		Dur("upstream_timeout", cfg.Upstream.Timeout).
		Dur("cache_ttl", cfg.Cache.TTL).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("Starting Streaming Proxy Service...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize response cache
	responseCache := cache.New(cfg.Cache.TTL)
	if cfg.Cache.SweepInterval > 0 {
		cacheLogger := logging.Component(logger, "cache")
		go responseCache.RunJanitor(ctx, cfg.Cache.SweepInterval, func(removed int) {
			cacheLogger.Debug().Int("removed", removed).Msg("swept expired entries")
		})
	}

	// Initialize upstream fetcher
	fetcher := upstream.NewFetcher(upstream.Config{
		Referer:   cfg.Upstream.RefererURL,
		Origin:    cfg.Upstream.Origin,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Upstream.Timeout,
	})

	// Initialize handlers
	proxyHandler := handlers.NewStreamingProxyHandler(responseCache, fetcher, cfg.Cache, logger)
	cacheHandler := handlers.NewCacheHandler(responseCache, logger)
	healthHandler := handlers.NewHealthHandler(responseCache, time.Now())

	router := setupRouter(cfg, logger, proxyHandler, cacheHandler, healthHandler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

func setupRouter(cfg *config.ProxyConfig, logger zerolog.Logger, proxyHandler *handlers.StreamingProxyHandler, cacheHandler *handlers.CacheHandler, healthHandler *handlers.HealthHandler) *gin.Engine {
	// Set Gin mode
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		handlers.RequestID(),
		handlers.RequestLogger(logging.Component(logger, "http")),
		handlers.Recovery(logger),
	)

	// CORS configuration
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	// Health check
	router.GET("/health", healthHandler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		v1.GET("/streamingProxy", proxyHandler.Proxy)

		cacheRoutes := v1.Group("/cache")
		{
			cacheRoutes.GET("/stats", cacheHandler.Stats)
			cacheRoutes.GET("/clear", cacheHandler.Clear)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "NotFound",
			"message": "Endpoint not found",
		})
	})

	return router
}

func corsConfig(allowedOrigins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Range"},
		ExposeHeaders: []string{"Content-Length", "X-Cache", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}

	for _, origin := range allowedOrigins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = allowedOrigins
	return cfg
}
