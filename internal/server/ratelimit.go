package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// bucketTTL is how long an unused per-client bucket is kept.
	bucketTTL = 2 * time.Minute

	bucketSweepInterval = 30 * time.Second
)

type bucket struct {
	lim  *rate.Limiter
	used time.Time
}

// apiLimiter hands out one token bucket per client and route.
type apiLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newAPILimiter(perSecond float64, burst int) *apiLimiter {
	return &apiLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *apiLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.used = now
	return b.lim.AllowN(now, 1)
}

// sweep forgets buckets idle for longer than bucketTTL.
func (l *apiLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-bucketTTL)
	for k, b := range l.buckets {
		if b.used.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

func (l *apiLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(bucketSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// middleware rejects requests over the client's rate with 429.
func (l *apiLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !l.allow(c.ClientIP() + "|" + path) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
