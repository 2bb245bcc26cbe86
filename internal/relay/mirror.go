// Package relay mirrors drained agent messages onto Kafka so sibling
// processes can observe deliveries.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/steersman/steersman/internal/bus"
)

// InboxTopic returns the mirror topic for a group.
func InboxTopic(groupName string) string {
	return fmt.Sprintf("steersman.%s.inbox", groupName)
}

// Envelope is the wire format published to the mirror topic.
type Envelope struct {
	ID             string          `json:"id"`
	Recipient      string          `json:"recipient"`
	Sender         string          `json:"sender,omitempty"`
	MessageType    string          `json:"message_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	QueuedAt       int64           `json:"queued_at"`
	MirroredAt     time.Time       `json:"mirrored_at"`
}

// Mirror publishes routed messages to a per-group Kafka topic. Mirroring
// is observability, not delivery: publish failures are logged and never
// affect the drain loop's ack/defer outcome.
type Mirror struct {
	writer *kafka.Writer
	topic  string
}

// NewMirror creates a mirror for the given brokers (comma-separated) and
// group name.
func NewMirror(brokers, groupName string) *Mirror {
	topic := InboxTopic(groupName)
	return &Mirror{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish writes one routed message to the mirror topic, keyed by
// recipient so one recipient's messages stay in partition order.
func (m *Mirror) Publish(ctx context.Context, msg *bus.RoutedMessage) error {
	env := Envelope{
		ID:             uuid.NewString(),
		Recipient:      msg.Recipient,
		Sender:         msg.Sender,
		MessageType:    msg.MessageType,
		Payload:        msg.Payload,
		IdempotencyKey: msg.IdempotencyKey,
		QueuedAt:       msg.QueuedAt,
		MirroredAt:     time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("mirror envelope: marshal: %w", err)
	}
	err = m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Recipient),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("mirror publish to %s: %w", m.topic, err)
	}
	return nil
}

// Attach subscribes the mirror to every message on the bus.
func (m *Mirror) Attach(b *bus.MessageBus) {
	b.Subscribe(bus.SubscribeAll, func(msg *bus.RoutedMessage) {
		if err := m.Publish(context.Background(), msg); err != nil {
			slog.Warn("Mirror publish failed", "recipient", msg.Recipient, "error", err)
		}
	})
}

// Close flushes and closes the underlying writer.
func (m *Mirror) Close() error {
	return m.writer.Close()
}
