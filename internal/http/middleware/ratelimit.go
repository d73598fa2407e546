package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to the identity that owns its token bucket.
type keyFunc func(*gin.Context) string

// KeyByOwnerOrIP keys buckets by the authenticated owner when present,
// otherwise by client IP. Prefixes keep the two namespaces disjoint.
func KeyByOwnerOrIP() keyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get(ownerIDKey); ok {
			if s, ok := v.(string); ok && s != "" {
				return "owner:" + s
			}
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// EdgeLimiter is a process-local token-bucket limiter for edge abuse
// control. It is distinct from the persistent per-action limiter in
// internal/ratelimit: this one protects the HTTP surface, that one
// enforces the guardrail ceilings.
//
// Idle buckets are evicted after idleTTL; eviction piggybacks on lookups
// so there is no background goroutine to manage. Safe for concurrent use.
type EdgeLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups uint64

	idleTTL time.Duration
}

// NewEdgeLimiter builds a limiter replenishing rps tokens per second with
// the given burst. A burst below 1 is coerced to 1.
func NewEdgeLimiter(rps float64, burst int, keyFn keyFunc) *EdgeLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &EdgeLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		buckets: make(map[string]*bucket),
		idleTTL: 10 * time.Minute,
	}
}

const evictEvery = 5000 // lookups between idle-bucket sweeps

func (el *EdgeLimiter) bucketFor(key string) *rate.Limiter {
	now := time.Now()

	el.mu.Lock()
	defer el.mu.Unlock()

	// Sweep before touching the requested bucket so a stale entry for this
	// very key is evicted rather than refreshed.
	el.lookups++
	if el.lookups >= evictEvery {
		for k, b := range el.buckets {
			if now.Sub(b.lastSeen) >= el.idleTTL {
				delete(el.buckets, k)
			}
		}
		el.lookups = 0
	}

	if b, ok := el.buckets[key]; ok {
		b.lastSeen = now
		return b.lim
	}

	lim := rate.NewLimiter(el.rps, el.burst)
	el.buckets[key] = &bucket{lim: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator flagged this request
// as a replay of completed work; replays are served without spending tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the per-key limit, answering 429 with a Retry-After
// header when the bucket is empty.
func (el *EdgeLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		if el.bucketFor(el.keyFn(c)).Allow() {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
