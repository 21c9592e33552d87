package config

import "time"

// DefaultCacheTTL is how long a fetched playlist or segment stays in the response cache.
const DefaultCacheTTL = 600 * time.Second

// ProxyConfig holds the streaming proxy configuration
type ProxyConfig struct {
	// Port the HTTP server listens on
	Port string `json:"port"`

	// Upstream request settings
	Upstream UpstreamConfig `json:"upstream"`

	// Response cache settings
	Cache CacheConfig `json:"cache"`

	// Origins allowed by the CORS middleware
	AllowedOrigins []string `json:"allowed_origins"`

	// Logging settings
	Log LogConfig `json:"log"`
}

// UpstreamConfig defines how the proxy talks to the origin
type UpstreamConfig struct {
	RefererURL string        `json:"referer_url"` // Sent as the Referer header
	Origin     string        `json:"origin"`      // Sent as the Origin header when set
	UserAgent  string        `json:"user_agent"`
	Timeout    time.Duration `json:"timeout"`
}

// CacheConfig defines response cache behaviour
type CacheConfig struct {
	TTL                  time.Duration `json:"ttl"`
	SweepInterval        time.Duration `json:"sweep_interval"` // 0 disables the janitor
	PlaylistCacheControl string        `json:"playlist_cache_control"`
	SegmentCacheControl  string        `json:"segment_cache_control"`
}

// LogConfig defines logger output
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // console, json
}

// DefaultProxyConfig returns default configuration
func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		Port: "8080",
		Upstream: UpstreamConfig{
			RefererURL: "https://megacloud.blog/",
			UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
			Timeout:    20 * time.Second,
		},
		Cache: CacheConfig{
			TTL:                  DefaultCacheTTL,
			SweepInterval:        60 * time.Second,
			PlaylistCacheControl: "public, max-age=2", // Very short cache for playlists
			SegmentCacheControl:  "public, max-age=31536000, immutable",
		},
		AllowedOrigins: []string{"*"},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
