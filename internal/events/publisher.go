// Package events publishes lifecycle events to Kafka when brokers are
// configured. Publishing is fire-and-forget; the stream never waits on the
// event pipeline.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"dreamwindow/pkg/logging"
)

// Event types emitted by the service.
const (
	TypeViewerConnect      = "viewer_connect"
	TypeViewerDisconnect   = "viewer_disconnect"
	TypeProducerConnect    = "producer_connect"
	TypeProducerDisconnect = "producer_disconnect"
	TypePodState           = "pod_state"
	TypeGPUStart           = "gpu_start"
	TypeGPUStop            = "gpu_stop"
)

// Event is one lifecycle event record.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher produces lifecycle events to a Kafka topic. A nil Publisher is
// a valid no-op, so callers never branch on whether Kafka is configured.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger logging.Logger
}

// NewPublisher connects to the given brokers.
func NewPublisher(brokers []string, clientID, topic string, logger logging.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Publisher{
		client: client,
		topic:  topic,
		logger: logger,
	}, nil
}

// Publish emits one event asynchronously. Errors are logged, never returned:
// event delivery must not affect the stream.
func (p *Publisher) Publish(eventType string, data map[string]any) {
	if p == nil {
		return
	}

	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	value, err := json.Marshal(event)
	if err != nil {
		if p.logger != nil {
			p.logger.WithError(err).Error("Failed to marshal lifecycle event")
		}
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(eventType),
		Value: value,
	}

	p.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil && p.logger != nil {
			p.logger.WithError(err).WithField("event_type", eventType).Warn("Failed to publish lifecycle event")
		}
	})
}

// Client returns the underlying kgo.Client for health checks. Nil-safe.
func (p *Publisher) Client() *kgo.Client {
	if p == nil {
		return nil
	}
	return p.client
}

// Close flushes and closes the producer. Nil-safe.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
