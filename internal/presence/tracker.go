// Package presence translates viewer churn and read-API activity into
// debounced GPU start/stop requests.
package presence

import (
	"sync"
	"time"

	"dreamwindow/pkg/logging"
)

const (
	// DefaultShutdownDelay is how long the tracker waits after the last
	// viewer leaves before requesting a GPU stop.
	DefaultShutdownDelay = 5 * time.Minute

	// DefaultAPITimeout is the window in which read-API hits count as
	// recent activity and veto a shutdown.
	DefaultAPITimeout = 5 * time.Minute
)

// Config configures a Tracker.
type Config struct {
	ShutdownDelay time.Duration
	APITimeout    time.Duration

	// GPUActive reports whether the pod is already starting or running.
	// Start requests are suppressed while it returns true.
	GPUActive func() bool

	// OnShouldStart and OnShouldStop are invoked on their own goroutine so
	// they may perform I/O. They must not re-enter the tracker.
	OnShouldStart func()
	OnShouldStop  func()

	Logger logging.Logger
}

// Snapshot is a point-in-time view of presence state.
type Snapshot struct {
	ViewerCount       int       `json:"viewer_count"`
	LastAPIActivity   time.Time `json:"last_api_activity"`
	RecentAPIActivity bool      `json:"recent_api_activity"`
	ShutdownArmed     bool      `json:"shutdown_armed"`
}

// Tracker counts active viewers, tracks read-API activity and arms at most
// one debounced shutdown timer.
type Tracker struct {
	mu sync.Mutex

	cfg Config

	viewers         map[any]struct{}
	lastAPIActivity time.Time
	shutdownTimer   *time.Timer

	now func() time.Time
}

// New creates a tracker. Zero durations fall back to defaults.
func New(cfg Config) *Tracker {
	if cfg.ShutdownDelay <= 0 {
		cfg.ShutdownDelay = DefaultShutdownDelay
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	return &Tracker{
		cfg:     cfg,
		viewers: make(map[any]struct{}),
		now:     time.Now,
	}
}

// OnViewerConnect records a viewer, cancels any armed shutdown, and requests
// a GPU start unless the pod is already starting or running. Insertion is
// idempotent.
func (t *Tracker) OnViewerConnect(viewer any) {
	t.mu.Lock()
	t.viewers[viewer] = struct{}{}
	count := len(t.viewers)
	t.cancelShutdownLocked()
	t.mu.Unlock()

	if t.cfg.Logger != nil {
		t.cfg.Logger.WithField("viewer_count", count).Info("Viewer connected")
	}

	t.requestStart()
}

// OnViewerDisconnect removes a viewer. When the set empties and no shutdown
// is armed, a timer is armed for the shutdown delay.
func (t *Tracker) OnViewerDisconnect(viewer any) {
	t.mu.Lock()
	delete(t.viewers, viewer)
	count := len(t.viewers)
	if count == 0 && t.shutdownTimer == nil {
		t.armShutdownLocked()
	}
	t.mu.Unlock()

	if t.cfg.Logger != nil {
		t.cfg.Logger.WithField("viewer_count", count).Info("Viewer disconnected")
	}
}

// OnAPIAccess records read-API activity, cancels any armed shutdown and,
// when triggerStart is set, requests a GPU start unless already active.
func (t *Tracker) OnAPIAccess(triggerStart bool) {
	t.mu.Lock()
	t.lastAPIActivity = t.now()
	t.cancelShutdownLocked()
	t.mu.Unlock()

	if triggerStart {
		t.requestStart()
	}
}

// HasRecentAPIActivity reports whether the read API was hit within the
// activity window.
func (t *Tracker) HasRecentAPIActivity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recentAPIActivityLocked()
}

func (t *Tracker) recentAPIActivityLocked() bool {
	if t.lastAPIActivity.IsZero() {
		return false
	}
	return t.now().Sub(t.lastAPIActivity) < t.cfg.APITimeout
}

// ViewerCount returns the number of active viewers.
func (t *Tracker) ViewerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.viewers)
}

// Snapshot returns a point-in-time view of presence state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ViewerCount:       len(t.viewers),
		LastAPIActivity:   t.lastAPIActivity,
		RecentAPIActivity: t.recentAPIActivityLocked(),
		ShutdownArmed:     t.shutdownTimer != nil,
	}
}

// Stop cancels any armed shutdown timer.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.cancelShutdownLocked()
	t.mu.Unlock()
}

// requestStart fires OnShouldStart unless the GPU is already active or
// starting. The gate prevents duplicate orchestration calls.
func (t *Tracker) requestStart() {
	if t.cfg.GPUActive != nil && t.cfg.GPUActive() {
		return
	}
	if t.cfg.OnShouldStart == nil {
		return
	}
	go t.cfg.OnShouldStart()
}

// armShutdownLocked arms the debounced shutdown timer. Caller holds mu.
func (t *Tracker) armShutdownLocked() {
	if t.cfg.Logger != nil {
		t.cfg.Logger.WithField("delay", t.cfg.ShutdownDelay).Info("Shutdown timer armed")
	}
	t.shutdownTimer = time.AfterFunc(t.cfg.ShutdownDelay, t.shutdownExpired)
}

// cancelShutdownLocked cancels the armed timer if any. Idempotent.
func (t *Tracker) cancelShutdownLocked() {
	if t.shutdownTimer == nil {
		return
	}
	t.shutdownTimer.Stop()
	t.shutdownTimer = nil
	if t.cfg.Logger != nil {
		t.cfg.Logger.Info("Shutdown timer cancelled")
	}
}

// shutdownExpired re-checks presence at expiry: the stop callback fires only
// if there are still no viewers and no recent API activity.
func (t *Tracker) shutdownExpired() {
	t.mu.Lock()
	t.shutdownTimer = nil
	viewers := len(t.viewers)
	recent := t.recentAPIActivityLocked()
	t.mu.Unlock()

	if viewers > 0 || recent {
		if t.cfg.Logger != nil {
			t.cfg.Logger.WithFields(logging.Fields{
				"viewer_count":        viewers,
				"recent_api_activity": recent,
			}).Info("Shutdown skipped at expiry")
		}
		return
	}

	if t.cfg.Logger != nil {
		t.cfg.Logger.Info("Shutdown delay elapsed with no activity, requesting GPU stop")
	}
	if t.cfg.OnShouldStop != nil {
		go t.cfg.OnShouldStop()
	}
}
