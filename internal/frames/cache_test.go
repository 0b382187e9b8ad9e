package frames

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedCache(capacity int) (*Cache, *time.Time) {
	c := New(capacity)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.createdAt = now
	return c, &now
}

func TestAddAndCurrent(t *testing.T) {
	c, _ := newClockedCache(3)

	_, ok := c.Current()
	require.False(t, ok, "empty cache has no current frame")

	c.Add([]byte("a"), 1, 1, 50)
	c.Add([]byte("b"), 2, 1, 60)

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, uint64(2), cur.FrameNumber)
	assert.Equal(t, []byte("b"), cur.Payload)
}

func TestRingEviction(t *testing.T) {
	c, _ := newClockedCache(3)

	for i := 1; i <= 5; i++ {
		c.Add([]byte(fmt.Sprintf("frame-%d", i)), uint64(i), 1, 0)
	}

	stats := c.Stats()
	assert.Equal(t, 3, stats.FramesCached)
	assert.Equal(t, uint64(5), stats.TotalFramesReceived)
	assert.Equal(t, uint64(5), stats.CurrentFrameNumber)
}

func TestRollingAverageFPS(t *testing.T) {
	c, now := newClockedCache(30)

	// 10 frames at 200ms intervals: span 1.8s, 9 gaps -> 5 fps.
	for i := 0; i < 10; i++ {
		c.Add([]byte("x"), uint64(i+1), 1, 0)
		*now = now.Add(200 * time.Millisecond)
	}
	*now = now.Add(-200 * time.Millisecond)

	stats := c.Stats()
	assert.InDelta(t, 5.0, stats.AverageFPS, 0.01)
}

func TestAverageFPSNeedsTwoFrames(t *testing.T) {
	c, _ := newClockedCache(30)
	c.Add([]byte("x"), 1, 1, 0)
	assert.Zero(t, c.Stats().AverageFPS)
}

func TestWindowExpiry(t *testing.T) {
	c, now := newClockedCache(30)

	c.Add([]byte("x"), 1, 1, 0)
	c.Add([]byte("x"), 2, 1, 0)

	// Advance past the rolling window; old timestamps drop out.
	*now = now.Add(DefaultFPSWindow + time.Second)
	assert.Zero(t, c.Stats().AverageFPS)
}

func TestSessionFPSAndReset(t *testing.T) {
	c, now := newClockedCache(30)

	for i := 0; i < 10; i++ {
		c.Add([]byte("x"), uint64(i+1), 1, 0)
		*now = now.Add(time.Second)
	}

	stats := c.Stats()
	assert.InDelta(t, 1.0, stats.SessionFPS, 0.01)

	c.ResetSession()

	stats = c.Stats()
	assert.Zero(t, stats.SessionFPS)
	assert.Zero(t, stats.AverageFPS)
	// Ring survives a session reset.
	assert.Equal(t, 10, stats.FramesCached)
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, uint64(10), cur.FrameNumber)
}

func TestClear(t *testing.T) {
	c, _ := newClockedCache(30)
	c.Add([]byte("x"), 1, 1, 0)
	c.Clear()

	_, ok := c.Current()
	assert.False(t, ok)
	stats := c.Stats()
	assert.Zero(t, stats.FramesCached)
	assert.Zero(t, stats.TotalFramesReceived)
}

func TestTotalBytes(t *testing.T) {
	c, _ := newClockedCache(30)
	c.Add(make([]byte, 100), 1, 1, 0)
	c.Add(make([]byte, 50), 2, 1, 0)
	assert.Equal(t, uint64(150), c.Stats().TotalBytesReceived)
}
