package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter applies a per-client-IP token bucket.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewRateLimiter creates a limiter from a requests-per-minute budget.
func NewRateLimiter(rpm int) *RateLimiter {
	if rpm <= 0 {
		return nil
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(rpm) / 60.0),
		burst:   rpm / 6,
	}
}

// Handler returns the gin middleware.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.allow(clientIP(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "slow_down",
				"error_description": "Rate limit exceeded.",
			})
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) allow(ip string) bool {
	const idleTTL = 5 * time.Minute

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b, ok := r.buckets[ip]
	if !ok {
		// Opportunistically drop idle buckets instead of running a sweeper.
		for k, old := range r.buckets {
			if now.Sub(old.seen) > idleTTL {
				delete(r.buckets, k)
			}
		}
		burst := r.burst
		if burst < 1 {
			burst = 1
		}
		b = &bucket{lim: rate.NewLimiter(r.limit, burst)}
		r.buckets[ip] = b
	}
	b.seen = now
	return b.lim.Allow()
}

func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}
