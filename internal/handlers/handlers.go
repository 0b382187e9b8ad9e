// Package handlers implements the public HTTP surface: the read API under
// /api/dreams and the two WebSocket endpoints.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dreamwindow/internal/frames"
	"dreamwindow/internal/hub"
	"dreamwindow/internal/playback"
	"dreamwindow/internal/pod"
	"dreamwindow/internal/presence"
	"dreamwindow/internal/statestore"
	"dreamwindow/pkg/logging"
)

// Config wires the handlers' collaborators.
type Config struct {
	Hub      *hub.Hub
	Cache    *frames.Cache
	Presence *presence.Tracker
	Pods     *pod.Controller
	Store    *statestore.Store
	Logger   logging.Logger

	// PublicBaseURL is the externally reachable base URL used by the embed
	// page. Empty derives it from the request.
	PublicBaseURL string
}

// Handlers serves the read API and WebSocket upgrades.
type Handlers struct {
	cfg Config
}

// New creates the handler set.
func New(cfg Config) *Handlers {
	return &Handlers{cfg: cfg}
}

// RegisterRoutes mounts the API under /api/dreams (behind the given rate
// limit middleware) and the WebSocket endpoints at the root. WebSocket
// connections are long-lived and never rate limited.
func (h *Handlers) RegisterRoutes(router gin.IRouter, rateLimit gin.HandlerFunc) {
	api := router.Group("/api/dreams")
	if rateLimit != nil {
		api.Use(rateLimit)
	}
	api.GET("/status", h.Status)
	api.GET("/current", h.CurrentFrame)
	api.GET("/embed", h.Embed)

	router.GET("/embed", h.Player)
	router.GET("/ws/dreams", h.ViewerWS)
	router.GET("/ws/gpu", h.ProducerWS)
}

type savedStateInfo struct {
	Saved      bool    `json:"saved"`
	SavedAt    int64   `json:"saved_at,omitempty"`
	SavedAtISO string  `json:"saved_at_iso,omitempty"`
	SizeBytes  int64   `json:"size_bytes,omitempty"`
	AgeSeconds float64 `json:"age_seconds,omitempty"`
}

type statusResponse struct {
	Status            string            `json:"status"`
	Message           string            `json:"message,omitempty"`
	ViewerCount       int               `json:"viewer_count"`
	ProducerConnected bool              `json:"producer_connected"`
	Frames            frames.Stats      `json:"frames"`
	Playback          playback.Stats    `json:"playback"`
	Presence          presence.Snapshot `json:"presence"`
	Pod               *pod.Status       `json:"pod,omitempty"`
	Cache             savedStateInfo    `json:"cache"`
}

// Status returns the consolidated service state in one document.
func (h *Handlers) Status(c *gin.Context) {
	snap := h.cfg.Hub.Snapshot()

	resp := statusResponse{
		Status:            snap.Status,
		Message:           snap.Message,
		ViewerCount:       snap.ViewerCount,
		ProducerConnected: snap.ProducerConnected,
		Frames:            h.cfg.Cache.Stats(),
		Playback:          h.cfg.Hub.Queue().Stats(),
		Presence:          h.cfg.Presence.Snapshot(),
	}

	if h.cfg.Pods != nil {
		status := h.cfg.Pods.Status(c.Request.Context())
		resp.Pod = &status
	}

	if meta, err := h.cfg.Store.Info(); err == nil {
		resp.Cache = savedStateInfo{
			Saved:      true,
			SavedAt:    meta.SavedAt,
			SavedAtISO: meta.SavedAtISO,
			SizeBytes:  meta.SizeBytes,
			AgeSeconds: meta.AgeSeconds,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// CurrentFrame returns the most recent frame as a raw image, or 204 when no
// frame has been cached yet.
func (h *Handlers) CurrentFrame(c *gin.Context) {
	frame, ok := h.cfg.Cache.Current()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}

	c.Header("X-Frame-Number", strconv.FormatUint(frame.FrameNumber, 10))
	c.Header("X-Keyframe-Number", strconv.FormatUint(frame.KeyframeNumber, 10))
	c.Header("X-Generation-Time-Ms", strconv.FormatUint(uint64(frame.GenTimeMS), 10))
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "image/webp", frame.Payload)
}

// ViewerWS upgrades a viewer connection.
func (h *Handlers) ViewerWS(c *gin.Context) {
	h.cfg.Hub.HandleViewer(c.Writer, c.Request)
}

// ProducerWS upgrades the GPU worker connection.
func (h *Handlers) ProducerWS(c *gin.Context) {
	h.cfg.Hub.HandleProducer(c.Writer, c.Request)
}
