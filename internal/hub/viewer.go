package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds every write so one stalled socket cannot block the
	// broadcast path.
	writeWait = 5 * time.Second

	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxViewerMessageSize caps inbound viewer messages; viewers only send
	// small JSON keepalives.
	maxViewerMessageSize = 512

	// viewerSendBuffer is the per-viewer outbound queue. A viewer whose
	// buffer fills is considered dead and dropped.
	viewerSendBuffer = 32
)

type outbound struct {
	kind int
	data []byte
}

// Viewer is one read-only WebSocket subscriber.
type Viewer struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan outbound

	mu     sync.Mutex
	closed bool
}

func newViewer(h *Hub, conn *websocket.Conn) *Viewer {
	return &Viewer{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan outbound, viewerSendBuffer),
	}
}

// trySend queues a message without blocking. Returns false when the viewer
// is closed or its buffer is full.
func (v *Viewer) trySend(kind int, data []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	select {
	case v.send <- outbound{kind: kind, data: data}:
		return true
	default:
		return false
	}
}

// close marks the viewer dead and closes the send channel. Idempotent.
func (v *Viewer) close() {
	v.mu.Lock()
	if !v.closed {
		v.closed = true
		close(v.send)
	}
	v.mu.Unlock()
}

// readPump consumes viewer messages until the connection drops. Viewers only
// send JSON keepalives; anything else is ignored.
func (v *Viewer) readPump() {
	defer func() {
		v.hub.removeViewer(v)
		v.conn.Close()
	}()

	v.conn.SetReadLimit(maxViewerMessageSize)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				v.hub.logger.WithError(err).WithField("viewer_id", v.id).Debug("Viewer read error")
			}
			return
		}
		_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue
		}
		var msg viewerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			pong, _ := json.Marshal(pongMessage{Type: "pong"})
			v.trySend(websocket.TextMessage, pong)
			if v.hub.metrics != nil {
				v.hub.metrics.WSMessages.WithLabelValues("viewer", "in").Inc()
			}
		}
	}
}

// writePump drains the send channel onto the socket, with a deadline on every
// write and periodic protocol-level pings.
func (v *Viewer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := v.conn.WriteMessage(msg.kind, msg.data); err != nil {
				return
			}
			if v.hub.metrics != nil {
				v.hub.metrics.WSMessages.WithLabelValues("viewer", "out").Inc()
			}
		case <-ticker.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
