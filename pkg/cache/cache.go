package cache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the default lifetime of a cache entry.
const DefaultTTL = 60 * time.Second

// ErrClosed is returned by GetOrLoad once the cache has been closed.
var ErrClosed = errors.New("observation cache is closed")

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

// HitRate returns hits / (hits + misses), or 0 when the cache was never read.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// entry is a single cached observation.
type entry struct {
	value     interface{}
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Cache is a concurrency-safe TTL cache of filesystem observations.
//
// Entries are shared-read and first-writer-wins: a Put for a key that already
// holds a live entry keeps the existing value. Expired entries are treated as
// absent on read and removed lazily or by the background sweeper.
type Cache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	closed    atomic.Bool
	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache whose entries live for ttl. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the value for key and whether it was a live hit.
func (c *Cache) Get(key string) (interface{}, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if e.expired(now) {
		c.mu.Lock()
		// Another goroutine may have replaced the entry meanwhile.
		if cur, still := c.entries[key]; still && cur == e {
			delete(c.entries, key)
			c.evictions.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Put stores value under key unless a live entry already exists.
func (c *Cache) Put(key string, value interface{}) {
	c.store(key, value)
}

// store inserts value and returns whichever value ends up cached for key.
func (c *Cache) store(key string, value interface{}) interface{} {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[key]; ok {
		if !cur.expired(now) {
			return cur.value
		}
		c.evictions.Add(1)
	}

	c.entries[key] = &entry{
		value:     value,
		createdAt: now,
		ttl:       c.ttl,
	}
	return value
}

// GetOrLoad returns the cached value for key, calling loader on a miss.
//
// Concurrent misses on the same key share a single loader call. Loader errors
// are returned to every waiter and are not cached.
func (c *Cache) GetOrLoad(key string, loader func() (interface{}, error)) (interface{}, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		loaded, err := loader()
		if err != nil {
			return nil, err
		}
		return c.store(key, loaded), nil
	})
	return v, err
}

// peek reads a live entry without touching the counters.
func (c *Cache) peek(key string) (interface{}, bool) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		return nil, false
	}
	return e.value, true
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.evictions.Add(1)
	}
}

// InvalidatePath removes every observation whose path is path, one of its
// ancestors or one of its descendants. Keys have the form "<kind>:<path>".
// It returns the number of removed entries.
func (c *Cache) InvalidatePath(path string) int {
	path = filepath.Clean(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		kp, ok := KeyPath(key)
		if !ok {
			continue
		}
		if kp == path || isAncestor(kp, path) || isAncestor(path, kp) {
			delete(c.entries, key)
			removed++
		}
	}
	c.evictions.Add(uint64(removed))
	return removed
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.evictions.Add(uint64(removed))
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done or the cache is closed.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}

	c.mu.Lock()
	if c.stopSweep != nil {
		c.mu.Unlock()
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	c.stopSweep = cancel
	c.sweepDone = make(chan struct{})
	done := c.sweepDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-sweepCtx.Done():
				return
			}
		}
	}()
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}

// Clear drops every entry without counting evictions.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Close stops the sweeper. GetOrLoad fails with ErrClosed afterwards.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	stop, done := c.stopSweep, c.sweepDone
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return nil
}

// Key builds a cache key for an observation kind and path.
func Key(kind, path string) string {
	return kind + ":" + filepath.Clean(path)
}

// KeyPath extracts the path part of a key built by Key.
func KeyPath(key string) (string, bool) {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return "", false
	}
	return key[i+1:], true
}

// isAncestor reports whether parent is a strict ancestor directory of child.
func isAncestor(parent, child string) bool {
	if parent == child {
		return false
	}
	if parent == string(filepath.Separator) {
		return strings.HasPrefix(child, parent)
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
