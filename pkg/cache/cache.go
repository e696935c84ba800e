package cache

import (
	"sync"
	"time"
)

// Provider is the query-result cache consulted by the reasoner and
// invalidated by the content usecase on every committed write
type Provider interface {
	Get(key string) (string, bool)
	// Set stores the value with the provider's default TTL
	Set(key, value string)
	// SetTTL stores the value with a per-entry TTL
	SetTTL(key, value string, ttl time.Duration)
	Invalidate(key string)
	InvalidateAll()
}

// Stats reports cache effectiveness counters
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
	Entries   int
}

type entry struct {
	value      string
	expiresAt  time.Time
	accessedAt time.Time
}

// TTLCache is an in-process cache with per-entry TTL and a max entry
// count. When full, the least recently accessed entry is evicted.
type TTLCache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	stats      Stats
	now        func() time.Time
}

const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 1000
)

type Option func(*TTLCache)

func WithTTL(ttl time.Duration) Option {
	return func(c *TTLCache) {
		c.ttl = ttl
	}
}

func WithMaxEntries(n int) Option {
	return func(c *TTLCache) {
		c.maxEntries = n
	}
}

// WithClock replaces the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(c *TTLCache) {
		c.now = now
	}
}

// NewTTL creates a new TTL cache
func NewTTL(opts ...Option) *TTLCache {
	c := &TTLCache{
		entries:    make(map[string]*entry),
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *TTLCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return "", false
	}

	now := c.now()
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		c.stats.Misses++
		return "", false
	}

	e.accessedAt = now
	c.stats.Hits++
	return e.value, true
}

func (c *TTLCache) Set(key, value string) {
	c.SetTTL(key, value, c.ttl)
}

func (c *TTLCache) SetTTL(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = &entry{
		value:      value,
		expiresAt:  now.Add(ttl),
		accessedAt: now,
	}
}

// evictOldest removes the least recently accessed entry. Caller holds the lock.
func (c *TTLCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.accessedAt.Before(oldest) {
			oldestKey = key
			oldest = e.accessedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

func (c *TTLCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *TTLCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Stats returns a snapshot of the counters
func (c *TTLCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}
