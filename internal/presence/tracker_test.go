package presence

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dreamwindow/pkg/logging"
)

type counters struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func newTestTracker(delay time.Duration, active *atomic.Bool) (*Tracker, *counters) {
	c := &counters{}
	cfg := Config{
		ShutdownDelay: delay,
		APITimeout:    time.Minute,
		OnShouldStart: func() { c.starts.Add(1) },
		OnShouldStop:  func() { c.stops.Add(1) },
		Logger:        logging.NewLogger(),
	}
	if active != nil {
		cfg.GPUActive = active.Load
	}
	return New(cfg), c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestViewerConnectTriggersStart(t *testing.T) {
	tr, c := newTestTracker(time.Hour, nil)
	tr.OnViewerConnect("v1")

	waitFor(t, func() bool { return c.starts.Load() == 1 })
	assert.Equal(t, 1, tr.ViewerCount())
}

func TestStartGatedWhileActive(t *testing.T) {
	var active atomic.Bool
	tr, c := newTestTracker(time.Hour, &active)

	tr.OnViewerConnect("v1")
	waitFor(t, func() bool { return c.starts.Load() == 1 })

	// Pod now starting; a second viewer must not trigger another start.
	active.Store(true)
	tr.OnViewerConnect("v2")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), c.starts.Load())
	assert.Equal(t, 2, tr.ViewerCount())
}

func TestConnectIsIdempotent(t *testing.T) {
	tr, _ := newTestTracker(time.Hour, nil)
	tr.OnViewerConnect("v1")
	tr.OnViewerConnect("v1")
	assert.Equal(t, 1, tr.ViewerCount())
}

func TestShutdownFiresAfterDelay(t *testing.T) {
	tr, c := newTestTracker(30*time.Millisecond, nil)

	tr.OnViewerConnect("v1")
	tr.OnViewerDisconnect("v1")

	assert.True(t, tr.Snapshot().ShutdownArmed)
	waitFor(t, func() bool { return c.stops.Load() == 1 })
	assert.False(t, tr.Snapshot().ShutdownArmed)
}

func TestReconnectCancelsShutdown(t *testing.T) {
	tr, c := newTestTracker(50*time.Millisecond, nil)

	tr.OnViewerConnect("v1")
	tr.OnViewerDisconnect("v1")
	require.True(t, tr.Snapshot().ShutdownArmed)

	tr.OnViewerConnect("v1")
	assert.False(t, tr.Snapshot().ShutdownArmed)

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, c.stops.Load())
}

func TestShutdownSkippedWhenViewerPresentAtExpiry(t *testing.T) {
	tr, c := newTestTracker(40*time.Millisecond, nil)

	tr.OnViewerConnect("v1")
	tr.OnViewerConnect("v2")
	tr.OnViewerDisconnect("v1")
	tr.OnViewerDisconnect("v2")
	require.True(t, tr.Snapshot().ShutdownArmed)

	// A viewer returns through a path that does not cancel the timer
	// directly; the expiry re-check must still veto the stop.
	tr.mu.Lock()
	tr.viewers["v3"] = struct{}{}
	tr.mu.Unlock()

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, c.stops.Load())
}

func TestAPIActivityVetoesShutdown(t *testing.T) {
	tr, c := newTestTracker(40*time.Millisecond, nil)

	tr.OnViewerConnect("v1")
	tr.OnViewerDisconnect("v1")
	require.True(t, tr.Snapshot().ShutdownArmed)

	// API activity with trigger_start=false cancels the armed timer.
	tr.OnAPIAccess(false)
	assert.False(t, tr.Snapshot().ShutdownArmed)
	assert.True(t, tr.HasRecentAPIActivity())

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, c.stops.Load())
}

func TestAPIAccessTriggersStart(t *testing.T) {
	var active atomic.Bool
	tr, c := newTestTracker(time.Hour, &active)

	tr.OnAPIAccess(true)
	waitFor(t, func() bool { return c.starts.Load() == 1 })

	active.Store(true)
	tr.OnAPIAccess(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), c.starts.Load())
}

func TestSecondDisconnectDoesNotRearm(t *testing.T) {
	tr, _ := newTestTracker(time.Hour, nil)

	tr.OnViewerConnect("v1")
	tr.OnViewerConnect("v2")
	tr.OnViewerDisconnect("v1")
	assert.False(t, tr.Snapshot().ShutdownArmed, "viewers remain")

	tr.OnViewerDisconnect("v2")
	require.True(t, tr.Snapshot().ShutdownArmed)

	// Disconnecting an unknown viewer while armed keeps the single timer.
	tr.OnViewerDisconnect("v3")
	assert.True(t, tr.Snapshot().ShutdownArmed)
}

func TestLifecycleDebounceScenario(t *testing.T) {
	// Two viewers come and go; exactly one start and one stop.
	var active atomic.Bool
	tr, c := newTestTracker(60*time.Millisecond, &active)

	tr.OnViewerConnect("v1")
	waitFor(t, func() bool { return c.starts.Load() == 1 })
	active.Store(true)

	tr.OnViewerConnect("v2")
	tr.OnViewerDisconnect("v1")
	tr.OnViewerDisconnect("v2")
	require.True(t, tr.Snapshot().ShutdownArmed)

	waitFor(t, func() bool { return c.stops.Load() == 1 })
	assert.Equal(t, int32(1), c.starts.Load())
	assert.Equal(t, int32(1), c.stops.Load())
}
