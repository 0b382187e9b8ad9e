package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"dreamwindow/pkg/logging"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestRequestIDMiddleware(t *testing.T) {
	r := newTestRouter()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	r.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected generated request ID header")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Fatalf("expected propagated request ID, got %q", got)
	}
}

func TestCORSMiddlewareOptions(t *testing.T) {
	r := newTestRouter()
	r.Use(CORSMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("OPTIONS", "/", nil)
	r.ServeHTTP(w, req)

	if w.Code != 204 {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	r := newTestRouter()
	r.Use(RecoveryMiddleware(logging.NewLogger()))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/boom", nil)
	r.ServeHTTP(w, req)

	if w.Code != 500 {
		t.Fatalf("expected 500 after panic, got %d", w.Code)
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Limit: 3, Window: time.Minute})
	defer rl.Stop()

	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		allowed, _, _ := rl.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, remaining, reset := rl.Allow("10.0.0.1")
	if allowed {
		t.Fatalf("4th request should be limited")
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d", remaining)
	}
	if reset <= 0 {
		t.Fatalf("reset = %d", reset)
	}

	// Other clients are unaffected
	if allowed, _, _ := rl.Allow("10.0.0.2"); !allowed {
		t.Fatalf("distinct client should be allowed")
	}

	// Tokens refill over time
	now = now.Add(30 * time.Second)
	if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
		t.Fatalf("request after refill should be allowed")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Limit: 1, Window: time.Minute})
	defer rl.Stop()

	hits := 0
	r := newTestRouter()
	r.GET("/", RateLimitMiddleware(rl, func(string) { hits++ }), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	if hits != 1 {
		t.Fatalf("onAllowed hits = %d", hits)
	}
}
