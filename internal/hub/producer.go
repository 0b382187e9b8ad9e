package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// controlWait bounds control writes to the producer.
const controlWait = 10 * time.Second

// Producer is the single GPU worker connection. Writes are serialized; reads
// happen on the handler goroutine that installed it.
type Producer struct {
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time

	writeMu sync.Mutex
}

// sendControl writes a one-byte control message with a deadline.
func (p *Producer) sendControl(ctrl byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(controlWait))
	return p.conn.WriteMessage(websocket.BinaryMessage, []byte{ctrl})
}

// closeWithCode sends a close frame with an application close code, then
// drops the connection.
func (p *Producer) closeWithCode(code int, reason string) {
	p.writeMu.Lock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	p.writeMu.Unlock()
	_ = p.conn.Close()
}
