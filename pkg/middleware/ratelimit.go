package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"dreamwindow/pkg/logging"
)

// RateLimitConfig configures the per-client rate limiter
type RateLimitConfig struct {
	// Requests allowed per window
	Limit int
	// Window over which Limit applies
	Window time.Duration
	// Logger for rate limit events
	Logger logging.Logger
	// CleanupInterval is how often to clean up expired entries (default: 1 minute)
	CleanupInterval time.Duration
}

// RateLimiter implements a per-client-IP token bucket limiter
type RateLimiter struct {
	config  RateLimitConfig
	buckets sync.Map // map[clientIP]*tokenBucket
	stopCh  chan struct{}
	stop    sync.Once
	now     func() time.Time
}

// tokenBucket tracks request allowance for one client
type tokenBucket struct {
	mu          sync.Mutex
	tokens      float64
	lastUpdate  time.Time
	lastRequest time.Time // For cleanup
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.Limit <= 0 {
		config.Limit = 60
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	rl := &RateLimiter{
		config: config,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}

	// Start cleanup goroutine
	go rl.cleanupLoop()

	return rl
}

// Stop stops the rate limiter cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stop.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes buckets that haven't been used in 5 minutes
func (rl *RateLimiter) cleanup() {
	threshold := rl.now().Add(-5 * time.Minute)
	rl.buckets.Range(func(key, value interface{}) bool {
		bucket := value.(*tokenBucket)
		bucket.mu.Lock()
		if bucket.lastRequest.Before(threshold) {
			bucket.mu.Unlock()
			rl.buckets.Delete(key)
		} else {
			bucket.mu.Unlock()
		}
		return true
	})
}

// Allow checks if a request from the given client is allowed.
// Returns: allowed, remaining tokens, seconds until the next token.
func (rl *RateLimiter) Allow(clientIP string) (allowed bool, remaining int, resetSeconds int) {
	limit := float64(rl.config.Limit)
	window := rl.config.Window.Seconds()

	bucketI, _ := rl.buckets.LoadOrStore(clientIP, &tokenBucket{
		tokens:     limit,
		lastUpdate: rl.now(),
	})
	bucket := bucketI.(*tokenBucket)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := rl.now()
	bucket.lastRequest = now

	// Refill at limit tokens per window
	elapsed := now.Sub(bucket.lastUpdate).Seconds()
	bucket.tokens += elapsed * limit / window
	bucket.lastUpdate = now
	if bucket.tokens > limit {
		bucket.tokens = limit
	}

	if bucket.tokens >= 1.0 {
		bucket.tokens -= 1.0
		remaining = int(bucket.tokens)
		resetSeconds = int((limit - bucket.tokens) * window / limit)
		return true, remaining, resetSeconds
	}

	secondsUntilToken := (1.0 - bucket.tokens) * window / limit
	return false, 0, int(secondsUntilToken) + 1
}

// RateLimitMiddleware creates a Gin middleware limiting requests per client IP.
// onAllowed runs for every request that passes the limiter (presence tracking).
func RateLimitMiddleware(rl *RateLimiter, onAllowed func(clientIP string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		allowed, remaining, resetSeconds := rl.Allow(clientIP)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(resetSeconds))

		if !allowed {
			if rl.config.Logger != nil {
				rl.config.Logger.WithFields(logging.Fields{
					"client_ip":     clientIP,
					"limit":         rl.config.Limit,
					"reset_seconds": resetSeconds,
					"path":          c.Request.URL.Path,
				}).Warn("Rate limit exceeded")
			}
			c.Header("Retry-After", strconv.Itoa(resetSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail": "Too many requests. Please retry after the specified time.",
			})
			return
		}

		if onAllowed != nil {
			onAllowed(clientIP)
		}

		c.Next()
	}
}
