package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEmptyKey is returned when storing under an empty key
var ErrEmptyKey = errors.New("cache key must not be empty")

// Kind is the stored representation of an entry
type Kind string

const (
	KindText   Kind = "text"   // rewritten playlist
	KindBinary Kind = "binary" // raw segment payload
)

// Entry is a single cached payload. Entries are immutable once stored.
type Entry struct {
	Key       string
	Kind      Kind
	CreatedAt time.Time
	ExpiresAt time.Time

	text string
	data []byte
}

// Text returns the payload of a text entry, or the binary payload as a string
func (e *Entry) Text() string {
	if e.Kind == KindText {
		return e.text
	}
	return string(e.data)
}

// Bytes returns the payload as bytes. Callers must not modify the returned slice.
func (e *Entry) Bytes() []byte {
	if e.Kind == KindText {
		return []byte(e.text)
	}
	return e.data
}

// Size returns the payload length in bytes
func (e *Entry) Size() int {
	if e.Kind == KindText {
		return len(e.text)
	}
	return len(e.data)
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats is a point-in-time view of cache counters
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Sets       int64   `json:"sets"`
	Expired    int64   `json:"expired"`
	KeyCount   int     `json:"key_count"`
	Bytes      int64   `json:"bytes"`
	HitRate    float64 `json:"hit_rate"`
	TTLSeconds float64 `json:"ttl_seconds"`
}

// Cache is an in-memory key/value store with a fixed time-to-live.
// Entries only leave the cache through expiry or Clear; there is no capacity bound.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
	now     func() time.Time

	hits    int64
	misses  int64
	sets    int64
	expired int64
	bytes   int64
}

// Option configures a Cache
type Option func(*Cache)

// WithClock replaces time.Now, used to simulate expiry in tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache whose entries live for ttl
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the fixed time-to-live applied to every entry
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the live entry stored under key. Expired entries are removed and count as a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		c.misses++
		return nil, false
	}

	if entry.expired(c.now()) {
		c.removeLocked(key, entry)
		c.expired++
		c.misses++
		return nil, false
	}

	c.hits++
	return entry, true
}

// SetText stores a text payload under key
func (c *Cache) SetText(key, value string) error {
	return c.set(key, &Entry{Key: key, Kind: KindText, text: value})
}

// SetBytes stores a copy of a binary payload under key
func (c *Cache) SetBytes(key string, value []byte) error {
	data := make([]byte, len(value))
	copy(data, value)
	return c.set(key, &Entry{Key: key, Kind: KindBinary, data: data})
}

func (c *Cache) set(key string, entry *Entry) error {
	if key == "" {
		return ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(c.ttl)

	if old, exists := c.entries[key]; exists {
		c.removeLocked(key, old)
	}
	c.entries[key] = entry
	c.bytes += int64(entry.Size())
	c.sets++
	return nil
}

// Clear removes every entry and returns how many were removed
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*Entry)
	c.bytes = 0
	return n
}

// DeleteExpired removes all expired entries and returns how many were removed
func (c *Cache) DeleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			c.removeLocked(key, entry)
			removed++
		}
	}
	c.expired += int64(removed)
	return removed
}

// RunJanitor sweeps expired entries every interval until ctx is done
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.DeleteExpired()
			if onSweep != nil && removed > 0 {
				onSweep(removed)
			}
		}
	}
}

// Stats returns the current counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Sets:       c.sets,
		Expired:    c.expired,
		KeyCount:   len(c.entries),
		Bytes:      c.bytes,
		TTLSeconds: c.ttl.Seconds(),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

func (c *Cache) removeLocked(key string, entry *Entry) {
	delete(c.entries, key)
	c.bytes -= int64(entry.Size())
}
