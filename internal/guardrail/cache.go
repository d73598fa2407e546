package guardrail

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache defaults.
const (
	DefaultMaxSize       = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// Store is the optional persistence layer under the cache. It lets
// processed-operation markers survive restarts; every call is best effort
// from the cache's point of view (a store failure degrades to "unknown",
// which callers treat as not processed).
type Store interface {
	Lookup(ctx context.Context, operationID string, now time.Time) (result string, ok bool, err error)
	Persist(ctx context.Context, operationID, result string) error
	BumpAttempts(ctx context.Context, operationID string) error
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// entry is one processed-operation marker.
type entry struct {
	createdAt time.Time
	attempts  int
	result    string
}

// Cache is a bounded, time-expiring, least-recently-used table of processed
// operations keyed by DescriptorID hashes. Entries older than the TTL are
// logically absent: lookups evict them lazily and a background sweep removes
// the rest. Insertion beyond capacity evicts the least-recently-accessed
// entry. Safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *entry]
	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time
	store Store

	stopOnce sync.Once
	stop     chan struct{}
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithMaxSize caps the number of live entries (default 1000).
func WithMaxSize(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.rebuild(n)
		}
	}
}

// WithTTL sets the entry lifetime (default 5 minutes).
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithSweepInterval sets the background sweep cadence (default 60s).
func WithSweepInterval(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.sweep = d
		}
	}
}

// WithStore attaches a persistence layer.
func WithStore(s Store) CacheOption {
	return func(c *Cache) { c.store = s }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache constructs a Cache and starts its sweep goroutine. Call Close
// when done.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:   DefaultTTL,
		sweep: DefaultSweepInterval,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	c.rebuild(DefaultMaxSize)
	for _, o := range opts {
		o(c)
	}
	go c.sweepLoop()
	return c
}

func (c *Cache) rebuild(size int) {
	// lru.New errors only on size <= 0, which options guard against.
	l, _ := lru.New[string, *entry](size)
	c.lru = l
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// HasProcessed reports whether the operation was already marked and is still
// within its TTL. Expired entries are evicted as a side effect. When a store
// is attached, a memory miss falls through to it so dedup survives restarts.
func (c *Cache) HasProcessed(ctx context.Context, operationID string) bool {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.lru.Get(operationID); ok {
		if now.Sub(e.createdAt) < c.ttl {
			c.mu.Unlock()
			return true
		}
		c.lru.Remove(operationID)
	}
	c.mu.Unlock()

	if c.store == nil {
		return false
	}
	result, ok, err := c.store.Lookup(ctx, operationID, now)
	if err != nil || !ok {
		return false
	}
	c.mu.Lock()
	c.lru.Add(operationID, &entry{createdAt: now, attempts: 1, result: result})
	c.mu.Unlock()
	return true
}

// MarkProcessed records the operation as processed and returns true when
// this call created the marker. Marking an existing, non-expired entry
// increments its attempt count and returns false instead of creating a
// duplicate.
func (c *Cache) MarkProcessed(ctx context.Context, operationID, result string) bool {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.lru.Get(operationID); ok && now.Sub(e.createdAt) < c.ttl {
		e.attempts++
		c.mu.Unlock()
		if c.store != nil {
			_ = c.store.BumpAttempts(ctx, operationID)
		}
		return false
	}
	c.lru.Add(operationID, &entry{createdAt: now, attempts: 1, result: result})
	c.mu.Unlock()

	if c.store != nil {
		_ = c.store.Persist(ctx, operationID, result)
	}
	return true
}

// Result returns the stored result for a processed, non-expired operation.
func (c *Cache) Result(ctx context.Context, operationID string) (string, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.lru.Get(operationID); ok && now.Sub(e.createdAt) < c.ttl {
		res := e.result
		c.mu.Unlock()
		return res, true
	}
	c.mu.Unlock()

	if c.store == nil {
		return "", false
	}
	result, ok, err := c.store.Lookup(ctx, operationID, now)
	if err != nil || !ok {
		return "", false
	}
	return result, true
}

// Attempts reports how many times the operation has been marked, 0 when the
// entry is absent or expired.
func (c *Cache) Attempts(operationID string) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Peek(operationID); ok && now.Sub(e.createdAt) < c.ttl {
		return e.attempts
	}
	return 0
}

// Len reports the number of live (possibly expired, not yet swept) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Sweep removes expired entries now. Exposed for deterministic tests; the
// background loop calls it on every tick.
func (c *Cache) Sweep(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && now.Sub(e.createdAt) >= c.ttl {
			c.lru.Remove(k)
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		_, _ = c.store.Purge(ctx, now)
	}
}

func (c *Cache) sweepLoop() {
	t := time.NewTicker(c.sweep)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.Sweep(context.Background())
		}
	}
}
