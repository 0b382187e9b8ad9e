// Package playback smooths bursty producer arrivals into a steady fan-out
// rate. Frames are buffered in a bounded FIFO and released by a worker at
// slightly below the producer's target rate so a small buffer accumulates.
package playback

import (
	"sync"
	"time"

	"dreamwindow/pkg/logging"
)

const (
	// DefaultTargetFPS is the producer cadence assumed before the producer
	// reports one.
	DefaultTargetFPS = 5.0

	// FPSCushion is subtracted from the target rate so playback runs
	// slightly slower than production and a buffer accumulates.
	FPSCushion = 0.3

	// MinBufferFrames is the backlog required before playback starts.
	MinBufferFrames = 5

	// MaxQueueSize bounds the FIFO; OverrunTrimTo is the length the queue
	// is trimmed to when the bound is exceeded.
	MaxQueueSize  = 50
	OverrunTrimTo = 30

	// pollQuantum is how often the worker re-checks the buffer threshold
	// before playback has started.
	pollQuantum = 100 * time.Millisecond

	// errorBackoff is the pause after an unexpected tick failure.
	errorBackoff = 500 * time.Millisecond
)

// Frame is a queued payload with its hub-assigned number.
type Frame struct {
	Payload []byte
	Number  uint64
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	QueueDepth      int     `json:"queue_depth"`
	BufferSeconds   float64 `json:"buffer_seconds"`
	TargetFPS       float64 `json:"target_fps"`
	EffectiveFPS    float64 `json:"effective_fps"`
	ActualFPS       float64 `json:"actual_fps"`
	FramesReceived  uint64  `json:"frames_received"`
	FramesDisplayed uint64  `json:"frames_displayed"`
	FramesDropped   uint64  `json:"frames_dropped"`
	Underruns       uint64  `json:"underruns"`
	PlaybackStarted bool    `json:"playback_started"`
}

// Queue is the bounded playback FIFO plus its worker. Broadcast and
// OnDisplayed are invoked from the worker goroutine, in FIFO order.
// Callbacks must not re-enter the queue.
type Queue struct {
	mu sync.Mutex

	logger logging.Logger

	frames    []Frame
	targetFPS float64

	started   bool
	startedAt time.Time

	framesReceived  uint64
	framesDisplayed uint64
	framesDropped   uint64
	underruns       uint64

	broadcast   func(payload []byte, number uint64)
	onDisplayed func(payload []byte, number uint64)
	onUnderrun  func()

	stopCh chan struct{}
	doneCh chan struct{}

	now func() time.Time
}

// New creates a stopped queue. broadcast delivers a frame to viewers;
// onDisplayed runs after broadcast (frame cache insertion).
func New(logger logging.Logger, broadcast, onDisplayed func(payload []byte, number uint64)) *Queue {
	return &Queue{
		logger:      logger,
		targetFPS:   DefaultTargetFPS,
		broadcast:   broadcast,
		onDisplayed: onDisplayed,
		now:         time.Now,
	}
}

// SetUnderrunHook registers a callback fired on each tick that finds the
// queue empty after playback has started. Invoked outside the queue lock.
func (q *Queue) SetUnderrunHook(fn func()) {
	q.mu.Lock()
	q.onUnderrun = fn
	q.mu.Unlock()
}

// Enqueue pushes a frame to the tail. When the queue exceeds MaxQueueSize
// the oldest frames are dropped down to OverrunTrimTo: stay live rather
// than fall behind.
func (q *Queue) Enqueue(payload []byte, number uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.frames = append(q.frames, Frame{Payload: payload, Number: number})
	q.framesReceived++

	if len(q.frames) > MaxQueueSize {
		drop := len(q.frames) - OverrunTrimTo
		q.frames = append(q.frames[:0], q.frames[drop:]...)
		q.framesDropped += uint64(drop)
		if q.logger != nil {
			q.logger.WithFields(logging.Fields{
				"dropped":     drop,
				"queue_depth": len(q.frames),
			}).Warn("Playback queue overrun, dropped oldest frames")
		}
	}
}

// SetTargetFPS updates the producer's reported cadence.
func (q *Queue) SetTargetFPS(fps float64) {
	if fps <= 0 {
		return
	}
	q.mu.Lock()
	q.targetFPS = fps
	q.mu.Unlock()
}

// TargetFPS returns the current target rate.
func (q *Queue) TargetFPS() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.targetFPS
}

func effectiveFPS(target float64) float64 {
	fps := target - FPSCushion
	if fps < 1.0 {
		fps = 1.0
	}
	return fps
}

// Reset clears the queue and all counters and marks playback not started.
// Called when a new producer session begins.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.frames = nil
	q.started = false
	q.startedAt = time.Time{}
	q.framesReceived = 0
	q.framesDisplayed = 0
	q.framesDropped = 0
	q.underruns = 0
}

// Start launches the playback worker. No-op if already running.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopCh != nil {
		return
	}
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	go q.run(q.stopCh, q.doneCh)
}

// Stop signals the worker and waits for it to exit. The worker returns
// within one tick. No-op if not running.
func (q *Queue) Stop() {
	q.mu.Lock()
	stopCh, doneCh := q.stopCh, q.doneCh
	q.stopCh = nil
	q.doneCh = nil
	q.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (q *Queue) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if !q.waitStarted(stopCh) {
			return
		}

		if !q.tick(stopCh) {
			return
		}
	}
}

// waitStarted blocks until the buffer threshold is reached (or playback has
// already started). Returns false on stop.
func (q *Queue) waitStarted(stopCh <-chan struct{}) bool {
	for {
		q.mu.Lock()
		if q.started {
			q.mu.Unlock()
			return true
		}
		if len(q.frames) >= MinBufferFrames {
			q.started = true
			q.startedAt = q.now()
			q.mu.Unlock()
			if q.logger != nil {
				q.logger.WithField("buffered", MinBufferFrames).Info("Playback started")
			}
			return true
		}
		q.mu.Unlock()

		select {
		case <-stopCh:
			return false
		case <-time.After(pollQuantum):
		}
	}
}

// tick emits at most one frame, then sleeps the remainder of the target
// interval. Returns false on stop. A failing tick never exits the loop.
func (q *Queue) tick(stopCh <-chan struct{}) bool {
	tickStart := q.now()

	q.mu.Lock()
	interval := time.Duration(float64(time.Second) / effectiveFPS(q.targetFPS))
	var frame Frame
	var underrunFn func()
	haveFrame := len(q.frames) > 0
	if haveFrame {
		frame = q.frames[0]
		q.frames = append(q.frames[:0], q.frames[1:]...)
		q.framesDisplayed++
	} else {
		q.underruns++
		underrunFn = q.onUnderrun
	}
	q.mu.Unlock()

	if underrunFn != nil {
		underrunFn()
	}

	if haveFrame {
		if err := q.emit(frame); err != nil {
			if q.logger != nil {
				q.logger.WithError(err).Error("Playback tick failed")
			}
			select {
			case <-stopCh:
				return false
			case <-time.After(errorBackoff):
			}
		}
	}
	// On underrun, emit nothing: viewers hold the last frame.

	remaining := interval - q.now().Sub(tickStart)
	if remaining > 0 {
		select {
		case <-stopCh:
			return false
		case <-time.After(remaining):
		}
	} else {
		select {
		case <-stopCh:
			return false
		default:
		}
	}
	return true
}

// emit runs the callbacks, converting a panic into an error so the loop
// survives callback failures.
func (q *Queue) emit(frame Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &tickPanicError{value: r}
		}
	}()

	if q.broadcast != nil {
		q.broadcast(frame.Payload, frame.Number)
	}
	if q.onDisplayed != nil {
		q.onDisplayed(frame.Payload, frame.Number)
	}
	return nil
}

type tickPanicError struct{ value any }

func (e *tickPanicError) Error() string { return "playback callback panic" }

// Stats returns a snapshot of queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	eff := effectiveFPS(q.targetFPS)
	stats := Stats{
		QueueDepth:      len(q.frames),
		BufferSeconds:   float64(len(q.frames)) / eff,
		TargetFPS:       q.targetFPS,
		EffectiveFPS:    eff,
		FramesReceived:  q.framesReceived,
		FramesDisplayed: q.framesDisplayed,
		FramesDropped:   q.framesDropped,
		Underruns:       q.underruns,
		PlaybackStarted: q.started,
	}

	if q.started {
		elapsed := q.now().Sub(q.startedAt).Seconds()
		if elapsed > 0 {
			stats.ActualFPS = float64(q.framesDisplayed) / elapsed
		}
	}

	return stats
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
