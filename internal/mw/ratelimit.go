package mw

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// DefaultIdleExpiry is how long an untouched caller bucket is kept.
const DefaultIdleExpiry = 10 * time.Minute

// KeyedLimiter keeps one token bucket per caller key. It is process scoped;
// each replica limits on its own. Buckets idle for longer than the expiry are
// dropped, so the key space stays bounded by the active callers.
type KeyedLimiter struct {
	limiters *cache.Cache
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewKeyedLimiter creates a limiter allowing r requests per second with burst b per key.
func NewKeyedLimiter(r rate.Limit, b int) *KeyedLimiter {
	return NewKeyedLimiterWithExpiry(r, b, DefaultIdleExpiry)
}

// NewKeyedLimiterWithExpiry is NewKeyedLimiter with a custom idle expiry. The
// expiry is raised to the time a drained bucket needs to refill, so dropping a
// bucket never hands a caller tokens early.
func NewKeyedLimiterWithExpiry(r rate.Limit, b int, idle time.Duration) *KeyedLimiter {
	if r > 0 && r != rate.Inf {
		if refill := time.Duration(float64(b) / float64(r) * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &KeyedLimiter{
		limiters: cache.New(idle, idle),
		r:        r,
		b:        b,
	}
}

// Limiter returns the bucket for key, creating it on first use. Every call
// restarts the key's idle expiry.
func (k *KeyedLimiter) Limiter(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	var limiter *rate.Limiter
	if v, ok := k.limiters.Get(key); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(k.r, k.b)
	}
	k.limiters.Set(key, limiter, cache.DefaultExpiration)
	return limiter
}

// Allow takes one token for key. Check and consume happen atomically.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.Limiter(key).Allow()
}

// RateLimiter rejects callers that exceed their bucket. Callers are keyed by
// user id when the identity middleware ran before it, by client IP otherwise.
func RateLimiter(limiter *KeyedLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id, ok := UserID(c); ok {
			key = "user:" + strconv.FormatInt(id, 10)
		}
		if !limiter.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
