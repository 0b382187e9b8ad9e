package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dreamwindow/internal/frames"
	"dreamwindow/internal/hub"
	"dreamwindow/internal/presence"
	"dreamwindow/internal/statestore"
	"dreamwindow/pkg/logging"
	"dreamwindow/pkg/middleware"
)

type testEnv struct {
	handlers *Handlers
	router   *gin.Engine
	cache    *frames.Cache
	store    *statestore.Store
	presence *presence.Tracker
}

func newTestEnv(t *testing.T, publicBaseURL string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewLogger()
	cache := frames.New(10)
	store, err := statestore.New(t.TempDir(), logger)
	require.NoError(t, err)

	streamHub := hub.New(hub.Config{
		Cache:  cache,
		Store:  store,
		Logger: logger,
	})
	t.Cleanup(streamHub.Close)

	tracker := presence.New(presence.Config{Logger: logger})

	h := New(Config{
		Hub:           streamHub,
		Cache:         cache,
		Presence:      tracker,
		Store:         store,
		Logger:        logger,
		PublicBaseURL: publicBaseURL,
	})

	router := gin.New()
	h.RegisterRoutes(router, nil)

	return &testEnv{handlers: h, router: router, cache: cache, store: store, presence: tracker}
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	e.router.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.get("/api/dreams/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "idle", resp.Status)
	assert.Zero(t, resp.ViewerCount)
	assert.False(t, resp.ProducerConnected)
	assert.False(t, resp.Cache.Saved)
	assert.Nil(t, resp.Pod)
}

func TestStatusReportsSavedState(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, env.store.Save([]byte("snapshot")))

	w := env.get("/api/dreams/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Cache.Saved)
	assert.Equal(t, int64(8), resp.Cache.SizeBytes)
}

func TestCurrentFrameEmpty(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.get("/api/dreams/current")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestCurrentFrameServed(t *testing.T) {
	env := newTestEnv(t, "")
	env.cache.Add([]byte("webp-bytes"), 42, 3, 125)

	w := env.get("/api/dreams/current")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/webp", w.Header().Get("Content-Type"))
	assert.Equal(t, "42", w.Header().Get("X-Frame-Number"))
	assert.Equal(t, "3", w.Header().Get("X-Keyframe-Number"))
	assert.Equal(t, "125", w.Header().Get("X-Generation-Time-Ms"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
	assert.Equal(t, "webp-bytes", w.Body.String())
}

func TestEmbedDerivesURLsFromRequest(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.get("/api/dreams/embed")
	require.Equal(t, http.StatusOK, w.Code)

	var resp embedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "http://example.com/embed", resp.IframeURL)
	assert.Equal(t, "http://example.com/api/dreams/current", resp.ImageURL)
	assert.Equal(t, "ws://example.com/ws/dreams", resp.StreamURL)
	assert.Equal(t, 1024, resp.Width)
	assert.Equal(t, 512, resp.Height)
}

func TestEmbedUsesPublicBaseURL(t *testing.T) {
	env := newTestEnv(t, "https://dreams.example.net/")
	w := env.get("/api/dreams/embed")
	require.Equal(t, http.StatusOK, w.Code)

	var resp embedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "https://dreams.example.net/embed", resp.IframeURL)
	assert.Equal(t, "wss://dreams.example.net/ws/dreams", resp.StreamURL)
}

func TestPlayerPage(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.get("/embed")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, body, `width="1024"`)
	assert.Contains(t, body, `height="512"`)
	assert.Contains(t, body, "ws://example.com/ws/dreams")
}

func TestRateLimitedAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t, "")

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
		Logger: logging.NewLogger(),
	})
	defer limiter.Stop()

	router := gin.New()
	env.handlers.RegisterRoutes(router, middleware.RateLimitMiddleware(limiter, func(string) {
		env.presence.OnAPIAccess(false)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/dreams/status", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Allowed requests count as read-API activity.
	assert.True(t, env.presence.HasRecentAPIActivity())
}
