// Package frames holds the ring buffer of recently displayed frames and the
// rolling frame-rate statistics exposed by the status API.
package frames

import (
	"sync"
	"time"
)

// DefaultCacheSize is the default ring capacity.
const DefaultCacheSize = 30

// DefaultFPSWindow is the rolling window used for average FPS.
const DefaultFPSWindow = 30 * time.Second

// Frame is one compressed image plus its hub-assigned metadata.
type Frame struct {
	Payload        []byte
	FrameNumber    uint64
	KeyframeNumber uint64
	ReceivedAt     time.Time
	GenTimeMS      uint32
}

// Stats is a point-in-time snapshot of cache statistics.
type Stats struct {
	FramesCached          int     `json:"frames_cached"`
	TotalFramesReceived   uint64  `json:"total_frames_received"`
	TotalBytesReceived    uint64  `json:"total_bytes_received"`
	AverageFPS            float64 `json:"average_fps"`
	SessionFPS            float64 `json:"session_fps"`
	UptimeSeconds         float64 `json:"uptime_seconds"`
	CurrentFrameNumber    uint64  `json:"current_frame_number"`
	CurrentKeyframeNumber uint64  `json:"current_keyframe_number"`
}

// Cache is a fixed-capacity ring of recent frames. All methods are safe for
// concurrent use.
type Cache struct {
	mu sync.Mutex

	capacity int
	window   time.Duration

	ring    []Frame
	current *Frame

	// Rolling window of receive timestamps for average FPS.
	recent []time.Time

	totalFrames uint64
	totalBytes  uint64

	sessionFrames uint64
	sessionStart  time.Time

	createdAt time.Time
	now       func() time.Time
}

// New creates a cache with the given ring capacity. A capacity <= 0 falls
// back to DefaultCacheSize.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	c := &Cache{
		capacity: capacity,
		window:   DefaultFPSWindow,
		ring:     make([]Frame, 0, capacity),
		now:      time.Now,
	}
	c.createdAt = c.now()
	return c
}

// Add appends a frame to the ring, evicting the oldest on overflow, and
// records its timestamp for FPS accounting.
func (c *Cache) Add(payload []byte, frameNumber, keyframeNumber uint64, genTimeMS uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	frame := Frame{
		Payload:        payload,
		FrameNumber:    frameNumber,
		KeyframeNumber: keyframeNumber,
		ReceivedAt:     now,
		GenTimeMS:      genTimeMS,
	}

	if len(c.ring) == c.capacity {
		copy(c.ring, c.ring[1:])
		c.ring[len(c.ring)-1] = frame
	} else {
		c.ring = append(c.ring, frame)
	}
	c.current = &c.ring[len(c.ring)-1]

	c.recent = append(c.recent, now)
	c.trimWindow(now)

	c.totalFrames++
	c.totalBytes += uint64(len(payload))

	if c.sessionFrames == 0 {
		c.sessionStart = now
	}
	c.sessionFrames++
}

// trimWindow drops timestamps older than the rolling window. Caller holds mu.
func (c *Cache) trimWindow(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.recent) && c.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.recent = append(c.recent[:0], c.recent[i:]...)
	}
}

// Current returns the most recent frame, or false if none has been cached.
func (c *Cache) Current() (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return Frame{}, false
	}
	return *c.current, true
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.trimWindow(now)

	stats := Stats{
		FramesCached:        len(c.ring),
		TotalFramesReceived: c.totalFrames,
		TotalBytesReceived:  c.totalBytes,
		UptimeSeconds:       now.Sub(c.createdAt).Seconds(),
	}

	if len(c.recent) >= 2 {
		span := c.recent[len(c.recent)-1].Sub(c.recent[0]).Seconds()
		if span > 0 {
			stats.AverageFPS = float64(len(c.recent)-1) / span
		}
	}

	if c.sessionFrames > 0 {
		elapsed := now.Sub(c.sessionStart).Seconds()
		if elapsed > 0 {
			stats.SessionFPS = float64(c.sessionFrames) / elapsed
		}
	}

	if c.current != nil {
		stats.CurrentFrameNumber = c.current.FrameNumber
		stats.CurrentKeyframeNumber = c.current.KeyframeNumber
	}

	return stats
}

// ResetSession clears the rolling window and session counters. The ring is
// kept so viewers still see the last image across a GPU bounce.
func (c *Cache) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recent = c.recent[:0]
	c.sessionFrames = 0
	c.sessionStart = time.Time{}
}

// Clear resets the cache completely, including the ring.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring = c.ring[:0]
	c.current = nil
	c.recent = c.recent[:0]
	c.totalFrames = 0
	c.totalBytes = 0
	c.sessionFrames = 0
	c.sessionStart = time.Time{}
}
