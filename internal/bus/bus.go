// Package bus provides the in-process fan-out of drained messages to
// delivery handlers.
package bus

import (
	"context"
	"encoding/json"
	"sync"
)

// SubscribeAll is the recipient pattern matching every routed message.
const SubscribeAll = "*"

// RoutedMessage is a queued agent message that passed the drain loop's
// readiness and journal checks and is being handed to consumers.
type RoutedMessage struct {
	Recipient      string          `json:"recipient"`
	Sender         string          `json:"sender,omitempty"`
	MessageType    string          `json:"message_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	QueuedAt       int64           `json:"queued_at"`
}

// MessageBus decouples the drain worker from delivery handlers.
type MessageBus struct {
	routed chan *RoutedMessage
	subs   map[string][]func(*RoutedMessage)
	mu     sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		routed: make(chan *RoutedMessage, 100),
		subs:   make(map[string][]func(*RoutedMessage)),
	}
}

// PublishRouted hands a drained message to the dispatcher.
func (b *MessageBus) PublishRouted(msg *RoutedMessage) {
	b.routed <- msg
}

// Subscribe registers a callback for messages addressed to a recipient.
// Use SubscribeAll to receive every message.
func (b *MessageBus) Subscribe(recipient string, callback func(*RoutedMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[recipient] = append(b.subs[recipient], callback)
}

// Dispatch runs the fan-out loop. This should be run as a goroutine.
func (b *MessageBus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.routed:
			b.mu.RLock()
			callbacks := append([]func(*RoutedMessage){}, b.subs[msg.Recipient]...)
			callbacks = append(callbacks, b.subs[SubscribeAll]...)
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}
