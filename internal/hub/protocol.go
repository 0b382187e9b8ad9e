package hub

// Producer binary messages. The first byte of every producer frame selects
// the message type; the rest is the payload.
const (
	msgFrame     byte = 0x01 // compressed image bytes
	msgState     byte = 0x02 // opaque GPU state snapshot
	msgHeartbeat byte = 0x03 // liveness, no payload
	msgStatus    byte = 0x04 // JSON status document
)

// Control messages sent to the producer.
const (
	ctrlSaveState byte = 0x12
	ctrlShutdown  byte = 0x13
)

// frameTag prefixes every binary frame fanned out to viewers.
const frameTag byte = 0x01

// Application close codes.
const (
	CloseDuplicateProducer = 4000
	CloseUnauthorized      = 4001
)

// Stream status labels broadcast to viewers.
const (
	StatusIdle     = "idle"
	StatusStarting = "starting"
	StatusReady    = "ready"
	StatusStopping = "stopping"
	StatusError    = "error"
)

type viewerMessage struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type string `json:"type"`
}

type statusBroadcast struct {
	Type        string `json:"type"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	FrameCount  uint64 `json:"frame_count"`
	ViewerCount int    `json:"viewer_count"`
}

type configBroadcast struct {
	Type      string  `json:"type"`
	TargetFPS float64 `json:"target_fps"`
}

// producerStatus is the JSON document carried by msgStatus. Unknown keys are
// ignored so producers can ship richer documents than the hub consumes.
type producerStatus struct {
	TargetFPS      *float64 `json:"target_fps,omitempty"`
	KeyframeNumber *uint64  `json:"keyframe_number,omitempty"`
	GenTimeMS      *uint32  `json:"gen_time_ms,omitempty"`
}
