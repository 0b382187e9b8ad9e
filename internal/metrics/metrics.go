// Package metrics defines the service's Prometheus metric set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"dreamwindow/pkg/monitoring"
)

// Metrics holds the custom metrics for the streaming service
type Metrics struct {
	WSConnections  *prometheus.GaugeVec     // active sockets by role
	WSMessages     *prometheus.CounterVec   // ws messages by role and direction
	Frames         *prometheus.CounterVec   // frames by stage
	QueueDepth     *prometheus.GaugeVec     // playback queue depth
	Underruns      *prometheus.CounterVec   // playback underruns
	PodTransitions *prometheus.CounterVec   // pod state transitions
	BroadcastSize  *prometheus.HistogramVec // broadcast payload sizes
}

// New registers the service metric set on the collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		WSConnections:  mc.NewGauge("ws_connections_active", "Active WebSocket connections", []string{"role"}),
		WSMessages:     mc.NewCounter("ws_messages_total", "WebSocket messages", []string{"role", "direction"}),
		Frames:         mc.NewCounter("frames_total", "Frames by pipeline stage", []string{"stage"}),
		QueueDepth:     mc.NewGauge("playback_queue_depth", "Playback queue depth", []string{}),
		Underruns:      mc.NewCounter("playback_underruns_total", "Playback ticks with an empty queue", []string{}),
		PodTransitions: mc.NewCounter("pod_transitions_total", "Pod controller state transitions", []string{"state"}),
		BroadcastSize:  mc.NewHistogram("broadcast_payload_bytes", "Broadcast frame payload sizes", []string{}, prometheus.ExponentialBuckets(1024, 4, 8)),
	}
}
