// Package pod wraps the external orchestrator behind a small state machine
// with debounced, non-blocking start/stop operations.
package pod

import (
	"context"
	"sync"
	"time"

	"dreamwindow/internal/orchestrator"
	"dreamwindow/pkg/logging"
)

// State is the controller's view of the GPU pod.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// DebounceWindow suppresses repeated start/stop calls while the matching
// transition is already in flight.
const DebounceWindow = 10 * time.Second

// callTimeout bounds each orchestrator call.
const callTimeout = 30 * time.Second

// Orchestrator is the external pod provider. Implementations must be safe
// for concurrent use.
type Orchestrator interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (orchestrator.PodStatus, error)
}

// Status is the controller state plus the provider's last reported status.
type Status struct {
	State        State                  `json:"state"`
	Error        string                 `json:"error,omitempty"`
	Orchestrator *orchestrator.PodStatus `json:"orchestrator,omitempty"`
}

// Controller serializes pod state transitions. The OnStateChange callback
// runs on a dedicated worker goroutine, in transition order, outside the
// transition lock. Callbacks must not re-enter the controller.
type Controller struct {
	mu sync.Mutex

	state  State
	errMsg string

	orch   Orchestrator
	logger logging.Logger

	lastStartAttempt time.Time
	lastStopAttempt  time.Time

	onStateChange func(state State, errMsg string)
	events        chan stateEvent
	closeOnce     sync.Once

	now func() time.Time
}

type stateEvent struct {
	state  State
	errMsg string
}

// New creates a controller in the Idle state. orch may be nil, in which case
// start/stop are local-only transitions (no provider configured).
func New(orch Orchestrator, logger logging.Logger, onStateChange func(State, string)) *Controller {
	c := &Controller{
		state:         StateIdle,
		orch:          orch,
		logger:        logger,
		onStateChange: onStateChange,
		now:           time.Now,
	}
	if onStateChange != nil {
		c.events = make(chan stateEvent, 128)
		go c.dispatchLoop()
	}
	return c
}

// dispatchLoop delivers state-change events in order on a single goroutine.
func (c *Controller) dispatchLoop() {
	for ev := range c.events {
		c.onStateChange(ev.state, ev.errMsg)
	}
}

// Close stops the callback dispatcher.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if c.events != nil {
			close(c.events)
		}
	})
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether the pod is starting or running. Used by the
// presence tracker to gate duplicate start requests.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStarting || c.state == StateRunning
}

// Start requests a pod start. Already starting or running counts as success.
// The orchestrator call runs in the background; a call failure transitions
// the controller to Error.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.state == StateStarting || c.state == StateRunning {
		c.mu.Unlock()
		return
	}
	if c.state == StateError && c.now().Sub(c.lastStartAttempt) < DebounceWindow {
		c.mu.Unlock()
		return
	}
	c.lastStartAttempt = c.now()
	c.transitionLocked(StateStarting, "")
	orch := c.orch
	c.mu.Unlock()

	if orch == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()

		if err := orch.Start(ctx); err != nil {
			if c.logger != nil {
				c.logger.WithError(err).Error("Orchestrator start failed")
			}
			c.mu.Lock()
			if c.state == StateStarting {
				c.transitionLocked(StateError, err.Error())
			}
			c.mu.Unlock()
			return
		}
		if c.logger != nil {
			c.logger.Info("Orchestrator start requested")
		}
		// Starting -> Running happens when the producer connects, not here.
	}()
}

// Stop requests a pod stop. Stops are best-effort: the controller settles in
// Idle even when the orchestrator call fails.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopping && c.now().Sub(c.lastStopAttempt) < DebounceWindow {
		c.mu.Unlock()
		return
	}
	c.lastStopAttempt = c.now()
	c.transitionLocked(StateStopping, "")
	orch := c.orch
	c.mu.Unlock()

	if orch == nil {
		c.mu.Lock()
		if c.state == StateStopping {
			c.transitionLocked(StateIdle, "")
		}
		c.mu.Unlock()
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()

		if err := orch.Stop(ctx); err != nil && c.logger != nil {
			c.logger.WithError(err).Warn("Orchestrator stop failed, forcing idle")
		}
		c.mu.Lock()
		if c.state == StateStopping {
			c.transitionLocked(StateIdle, "")
		}
		c.mu.Unlock()
	}()
}

// Status pulls a fresh view from the orchestrator and reconciles it into
// local state: a pod whose sub-resources are all running is Running.
func (c *Controller) Status(ctx context.Context) Status {
	c.mu.Lock()
	state, errMsg, orch := c.state, c.errMsg, c.orch
	c.mu.Unlock()

	if orch == nil {
		return Status{State: state, Error: errMsg}
	}

	remote, err := orch.Status(ctx)
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).Warn("Orchestrator status refresh failed")
		}
		return Status{State: state, Error: errMsg}
	}

	c.mu.Lock()
	if remote.Running() && c.state != StateRunning {
		c.transitionLocked(StateRunning, "")
	}
	state, errMsg = c.state, c.errMsg
	c.mu.Unlock()

	return Status{State: state, Error: errMsg, Orchestrator: &remote}
}

// OnProducerConnected marks the pod Running: the GPU worker dialing in is
// the authoritative signal that startup finished.
func (c *Controller) OnProducerConnected() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.transitionLocked(StateRunning, "")
	}
	c.mu.Unlock()
}

// OnProducerDisconnected records the drop without transitioning: the pod may
// still be running and the hub decides whether to issue a stop.
func (c *Controller) OnProducerDisconnected() {
	if c.logger != nil {
		c.logger.WithField("state", c.State()).Info("Producer disconnected, pod state unchanged")
	}
}

// transitionLocked updates state and schedules the state-change callback.
// Caller holds mu; the callback runs after the lock is released.
func (c *Controller) transitionLocked(state State, errMsg string) {
	if c.state == state && c.errMsg == errMsg {
		return
	}
	from := c.state
	c.state = state
	c.errMsg = errMsg

	if c.logger != nil {
		c.logger.WithFields(logging.Fields{
			"from":  from,
			"to":    state,
			"error": errMsg,
		}).Info("Pod state transition")
	}

	if c.events != nil {
		c.events <- stateEvent{state: state, errMsg: errMsg}
	}
}
