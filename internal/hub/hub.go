// Package hub owns the WebSocket fan-out: one GPU producer in, many viewers
// out, with the playback queue pacing delivery between them.
package hub

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dreamwindow/internal/events"
	"dreamwindow/internal/frames"
	"dreamwindow/internal/metrics"
	"dreamwindow/internal/playback"
	"dreamwindow/internal/pod"
	"dreamwindow/internal/presence"
	"dreamwindow/internal/statestore"
	"dreamwindow/pkg/logging"
)

// saveStateGrace is how long a stop waits after requesting a state save
// before sending the shutdown control.
const saveStateGrace = 3 * time.Second

// ErrNoProducer indicates a control message was requested with no producer
// connected.
var ErrNoProducer = errors.New("no producer connected")

// Config wires the hub's collaborators. Pods and Presence are attached
// after construction via Bind because their callbacks point back at the hub.
type Config struct {
	ProducerToken string
	Cache         *frames.Cache
	Store         *statestore.Store
	Events        *events.Publisher
	Metrics       *metrics.Metrics
	Logger        logging.Logger
}

// Snapshot is the hub's contribution to the consolidated status endpoint.
type Snapshot struct {
	Status            string    `json:"status"`
	Message           string    `json:"message,omitempty"`
	ViewerCount       int       `json:"viewer_count"`
	ProducerConnected bool      `json:"producer_connected"`
	ProducerSince     time.Time `json:"producer_since,omitempty"`
	LastHeartbeat     time.Time `json:"last_heartbeat,omitempty"`
}

// Hub routes frames from the producer through the playback queue to every
// connected viewer, and translates connection lifecycle into pod control.
type Hub struct {
	logger        logging.Logger
	cache         *frames.Cache
	store         *statestore.Store
	events        *events.Publisher
	metrics       *metrics.Metrics
	queue         *playback.Queue
	producerToken string

	pods     *pod.Controller
	presence *presence.Tracker

	mu            sync.Mutex
	viewers       map[*Viewer]bool
	producer      *Producer
	nextFrame     uint64
	status        string
	statusMessage string
	lastKeyframe  uint64
	lastGenTime   uint32
	lastHeartbeat time.Time

	upgrader websocket.Upgrader
}

// New creates a hub and its playback queue. Call Bind before serving.
func New(cfg Config) *Hub {
	h := &Hub{
		logger:        cfg.Logger,
		cache:         cfg.Cache,
		store:         cfg.Store,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		producerToken: cfg.ProducerToken,
		viewers:       make(map[*Viewer]bool),
		status:        StatusIdle,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	h.queue = playback.New(cfg.Logger, h.broadcastFrame, h.onFrameDisplayed)
	if cfg.Metrics != nil {
		h.queue.SetUnderrunHook(func() {
			cfg.Metrics.Underruns.WithLabelValues().Inc()
		})
	}

	if cfg.ProducerToken == "" {
		h.logger.Warn("GPU_SOCKET_TOKEN is empty, producer connections are unauthenticated")
	}
	return h
}

// Bind attaches the pod controller and presence tracker. Both are created
// after the hub because their callbacks reference it.
func (h *Hub) Bind(pods *pod.Controller, pres *presence.Tracker) {
	h.pods = pods
	h.presence = pres
}

// Queue exposes the playback queue for the status endpoint.
func (h *Hub) Queue() *playback.Queue { return h.queue }

// HandleViewer upgrades a viewer connection and registers it for fan-out.
func (h *Hub) HandleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Viewer upgrade failed")
		return
	}

	v := newViewer(h, conn)

	// Greet before the viewer joins the broadcast set. The send queue is
	// FIFO, so the status document always precedes any broadcast frame.
	h.greet(v)

	h.mu.Lock()
	h.viewers[v] = true
	count := len(h.viewers)
	h.mu.Unlock()

	go v.writePump()
	go v.readPump()

	h.logger.WithFields(logging.Fields{
		"viewer_id":    v.id,
		"remote_addr":  r.RemoteAddr,
		"viewer_count": count,
	}).Info("Viewer connected")

	if h.metrics != nil {
		h.metrics.WSConnections.WithLabelValues("viewer").Inc()
	}
	h.events.Publish(events.TypeViewerConnect, map[string]any{"viewer_id": v.id, "viewer_count": count})

	if h.presence != nil {
		h.presence.OnViewerConnect(v)
	}
}

// removeViewer unregisters a viewer. Safe to call more than once.
func (h *Hub) removeViewer(v *Viewer) {
	h.mu.Lock()
	if !h.viewers[v] {
		h.mu.Unlock()
		return
	}
	delete(h.viewers, v)
	count := len(h.viewers)
	h.mu.Unlock()

	v.close()
	_ = v.conn.Close()

	h.logger.WithFields(logging.Fields{
		"viewer_id":    v.id,
		"viewer_count": count,
	}).Info("Viewer disconnected")

	if h.metrics != nil {
		h.metrics.WSConnections.WithLabelValues("viewer").Dec()
	}
	h.events.Publish(events.TypeViewerDisconnect, map[string]any{"viewer_id": v.id, "viewer_count": count})

	if h.presence != nil {
		h.presence.OnViewerDisconnect(v)
	}
}

// HandleProducer upgrades the GPU worker connection. Exactly one producer is
// allowed; a second connection is refused with a duplicate-producer close.
func (h *Hub) HandleProducer(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Producer upgrade failed")
		return
	}

	p := &Producer{
		conn:        conn,
		remoteAddr:  r.RemoteAddr,
		connectedAt: time.Now(),
	}

	if !h.authorizeProducer(r) {
		h.logger.WithField("remote_addr", r.RemoteAddr).Warn("Producer rejected, bad token")
		p.closeWithCode(CloseUnauthorized, "unauthorized")
		return
	}

	h.mu.Lock()
	if h.producer != nil {
		h.mu.Unlock()
		h.logger.WithField("remote_addr", r.RemoteAddr).Warn("Producer rejected, already connected")
		p.closeWithCode(CloseDuplicateProducer, "producer already connected")
		return
	}
	h.producer = p
	h.nextFrame = 0
	h.lastKeyframe = 0
	h.lastGenTime = 0
	h.lastHeartbeat = p.connectedAt
	h.mu.Unlock()

	h.logger.WithField("remote_addr", r.RemoteAddr).Info("Producer connected")

	// A fresh producer session restarts numbering and pacing from scratch.
	h.cache.ResetSession()
	h.queue.Reset()
	h.queue.Start()

	if h.pods != nil {
		h.pods.OnProducerConnected()
	}
	if h.metrics != nil {
		h.metrics.WSConnections.WithLabelValues("producer").Inc()
	}
	h.events.Publish(events.TypeProducerConnect, map[string]any{"remote_addr": r.RemoteAddr})
	h.broadcastStatus(StatusReady, "")

	h.producerReadLoop(p)
}

// authorizeProducer checks the bearer token in constant time. An empty
// configured token disables authentication (development mode).
func (h *Hub) authorizeProducer(r *http.Request) bool {
	if h.producerToken == "" {
		return true
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.producerToken)) == 1
}

func (h *Hub) producerReadLoop(p *Producer) {
	defer h.dropProducer(p)

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("Producer read error")
			}
			return
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		if h.metrics != nil {
			h.metrics.WSMessages.WithLabelValues("producer", "in").Inc()
		}
		h.handleProducerMessage(data[0], data[1:])
	}
}

func (h *Hub) handleProducerMessage(msgType byte, payload []byte) {
	switch msgType {
	case msgFrame:
		h.mu.Lock()
		h.nextFrame++
		number := h.nextFrame
		h.mu.Unlock()

		h.queue.Enqueue(payload, number)
		if h.metrics != nil {
			h.metrics.Frames.WithLabelValues("received").Inc()
			h.metrics.QueueDepth.WithLabelValues().Set(float64(h.queue.Len()))
		}

	case msgState:
		// Persisting the snapshot must not stall the read loop.
		go func(blob []byte) {
			if err := h.store.Save(blob); err != nil {
				h.logger.WithError(err).Error("Failed to persist GPU state")
			}
		}(payload)

	case msgHeartbeat:
		h.mu.Lock()
		h.lastHeartbeat = time.Now()
		h.mu.Unlock()

	case msgStatus:
		h.handleProducerStatus(payload)

	default:
		h.logger.WithField("msg_type", msgType).Debug("Unknown producer message type")
	}
}

func (h *Hub) handleProducerStatus(payload []byte) {
	var status producerStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		h.logger.WithError(err).Warn("Bad producer status document")
		return
	}

	if status.KeyframeNumber != nil || status.GenTimeMS != nil {
		h.mu.Lock()
		if status.KeyframeNumber != nil {
			h.lastKeyframe = *status.KeyframeNumber
		}
		if status.GenTimeMS != nil {
			h.lastGenTime = *status.GenTimeMS
		}
		h.mu.Unlock()
	}

	if status.TargetFPS != nil {
		h.queue.SetTargetFPS(*status.TargetFPS)
		h.logger.WithField("target_fps", *status.TargetFPS).Info("Producer target FPS updated")
		msg, _ := json.Marshal(configBroadcast{Type: "config", TargetFPS: *status.TargetFPS})
		h.broadcastText(msg)
	}
}

// dropProducer tears a producer session down if p still owns the slot.
func (h *Hub) dropProducer(p *Producer) {
	h.mu.Lock()
	if h.producer != p {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	_ = p.conn.Close()

	// Join the playback worker while the slot is still held. A producer
	// reconnecting mid-teardown is refused as a duplicate rather than
	// having its fresh session stopped by this one's shutdown.
	h.queue.Stop()

	h.mu.Lock()
	if h.producer != p {
		h.mu.Unlock()
		return
	}
	h.producer = nil
	h.mu.Unlock()

	h.logger.WithField("remote_addr", p.remoteAddr).Info("Producer disconnected")

	if h.pods != nil {
		h.pods.OnProducerDisconnected()
	}
	if h.metrics != nil {
		h.metrics.WSConnections.WithLabelValues("producer").Dec()
	}
	h.events.Publish(events.TypeProducerDisconnect, map[string]any{"remote_addr": p.remoteAddr})
	h.broadcastStatus(StatusIdle, "")
}

// tagFrame prefixes a payload with the frame tag byte.
func tagFrame(payload []byte) []byte {
	msg := make([]byte, 1+len(payload))
	msg[0] = frameTag
	copy(msg[1:], payload)
	return msg
}

// broadcastFrame fans one frame out to every viewer. Viewers whose buffers
// are full are dropped; the stream never waits for a slow reader.
func (h *Hub) broadcastFrame(payload []byte, _ uint64) {
	msg := tagFrame(payload)

	h.mu.Lock()
	targets := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	var dead []*Viewer
	for _, v := range targets {
		if !v.trySend(websocket.BinaryMessage, msg) {
			dead = append(dead, v)
		}
	}
	for _, v := range dead {
		h.logger.WithField("viewer_id", v.id).Warn("Dropping slow viewer")
		h.removeViewer(v)
	}

	if h.metrics != nil {
		h.metrics.Frames.WithLabelValues("broadcast").Inc()
		h.metrics.BroadcastSize.WithLabelValues().Observe(float64(len(payload)))
	}
}

// onFrameDisplayed records a broadcast frame in the cache.
func (h *Hub) onFrameDisplayed(payload []byte, number uint64) {
	h.mu.Lock()
	keyframe, genTime := h.lastKeyframe, h.lastGenTime
	h.mu.Unlock()

	h.cache.Add(payload, number, keyframe, genTime)
	if h.metrics != nil {
		h.metrics.Frames.WithLabelValues("displayed").Inc()
	}
}

// broadcastText sends a JSON message to every viewer, dropping dead ones.
func (h *Hub) broadcastText(msg []byte) {
	h.mu.Lock()
	targets := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	var dead []*Viewer
	for _, v := range targets {
		if !v.trySend(websocket.TextMessage, msg) {
			dead = append(dead, v)
		}
	}
	for _, v := range dead {
		h.removeViewer(v)
	}
}

// broadcastStatus updates the stream status and pushes it to all viewers.
func (h *Hub) broadcastStatus(status, message string) {
	h.mu.Lock()
	h.status = status
	h.statusMessage = message
	viewerCount := len(h.viewers)
	h.mu.Unlock()

	msg, _ := json.Marshal(statusBroadcast{
		Type:        "status",
		Status:      status,
		Message:     message,
		FrameCount:  h.cache.Stats().TotalFramesReceived,
		ViewerCount: viewerCount,
	})
	h.broadcastText(msg)
}

// greet queues the current status and the last cached frame onto a viewer
// that is not yet visible to broadcasts. The count includes the newcomer.
func (h *Hub) greet(v *Viewer) {
	h.mu.Lock()
	status, message := h.status, h.statusMessage
	viewerCount := len(h.viewers) + 1
	h.mu.Unlock()

	msg, _ := json.Marshal(statusBroadcast{
		Type:        "status",
		Status:      status,
		Message:     message,
		FrameCount:  h.cache.Stats().TotalFramesReceived,
		ViewerCount: viewerCount,
	})
	v.trySend(websocket.TextMessage, msg)

	if frame, ok := h.cache.Current(); ok {
		v.trySend(websocket.BinaryMessage, tagFrame(frame.Payload))
	}
}

// OnPodStateChange maps controller transitions onto stream status broadcasts.
// Invoked in transition order on the controller's dispatch goroutine.
func (h *Hub) OnPodStateChange(state pod.State, errMsg string) {
	if h.metrics != nil {
		h.metrics.PodTransitions.WithLabelValues(string(state)).Inc()
	}
	h.events.Publish(events.TypePodState, map[string]any{"state": string(state), "error": errMsg})

	switch state {
	case pod.StateIdle:
		h.broadcastStatus(StatusIdle, "")
	case pod.StateStarting:
		h.broadcastStatus(StatusStarting, "")
	case pod.StateRunning:
		h.broadcastStatus(StatusReady, "")
	case pod.StateStopping:
		h.broadcastStatus(StatusStopping, "")
	case pod.StateError:
		h.broadcastStatus(StatusError, errMsg)
	}
}

// StartGPU requests a pod start. Wired as the presence tracker's start hook.
func (h *Hub) StartGPU() {
	h.events.Publish(events.TypeGPUStart, nil)
	if h.pods != nil {
		h.pods.Start()
	}
}

// StopGPU asks the producer to save its state, sends the shutdown control,
// then stops the pod. Wired as the presence tracker's stop hook.
func (h *Hub) StopGPU() {
	h.events.Publish(events.TypeGPUStop, nil)

	if p := h.currentProducer(); p != nil {
		if err := h.RequestSaveState(); err != nil {
			h.logger.WithError(err).Warn("Save-state request failed")
		} else {
			// Give the GPU a moment to push its snapshot before shutdown.
			time.Sleep(saveStateGrace)
		}
		if err := h.RequestShutdown(); err != nil {
			h.logger.WithError(err).Warn("Shutdown request failed")
		}
	}

	if h.pods != nil {
		h.pods.Stop()
	}
}

// RequestSaveState asks the producer to push a state snapshot.
func (h *Hub) RequestSaveState() error {
	p := h.currentProducer()
	if p == nil {
		return ErrNoProducer
	}
	return p.sendControl(ctrlSaveState)
}

// RequestShutdown tells the producer to exit cleanly.
func (h *Hub) RequestShutdown() error {
	p := h.currentProducer()
	if p == nil {
		return ErrNoProducer
	}
	return p.sendControl(ctrlShutdown)
}

func (h *Hub) currentProducer() *Producer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.producer
}

// Snapshot returns the hub's current view for the status endpoint.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := Snapshot{
		Status:            h.status,
		Message:           h.statusMessage,
		ViewerCount:       len(h.viewers),
		ProducerConnected: h.producer != nil,
		LastHeartbeat:     h.lastHeartbeat,
	}
	if h.producer != nil {
		snap.ProducerSince = h.producer.connectedAt
	}
	return snap
}

// Close stops the playback worker and drops every connection.
func (h *Hub) Close() {
	h.queue.Stop()

	h.mu.Lock()
	producer := h.producer
	h.producer = nil
	targets := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	if producer != nil {
		_ = producer.conn.Close()
	}
	for _, v := range targets {
		h.removeViewer(v)
	}
}
