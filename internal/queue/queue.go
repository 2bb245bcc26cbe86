// Package queue provides durable at-least-once message queues with
// idempotent enqueue, exponential backoff, and dead-letter handling.
// Two backends implement the same contract: a file-per-entry store and a
// transactional SQLite store.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/steersman/steersman/internal/config"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// AgentMessage is a structured message queued for a named recipient.
// Timestamps are Unix milliseconds; NextAttemptAt == 0 means ready now.
type AgentMessage struct {
	// Ref is the backend-opaque reference to the stored entry: a file path
	// for the file backend, a decimal row id for the sqlite backend.
	Ref string `json:"-"`

	Recipient      string          `json:"recipient"`
	Sender         string          `json:"sender,omitempty"`
	MessageType    string          `json:"message_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	QueuedAt       int64           `json:"queued_at"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  int64           `json:"next_attempt_at"`

	// Set only on dead-lettered entries.
	LastError      string `json:"last_error,omitempty"`
	LastFailedAt   int64  `json:"last_failed_at,omitempty"`
	DeadLetteredAt int64  `json:"dead_lettered_at,omitempty"`
}

// Ready reports whether the message is eligible for processing at now.
// ReadPendingAgentMessages does not filter by readiness; consumers call
// this before handling.
func (m *AgentMessage) Ready(now time.Time) bool {
	return m.NextAttemptAt == 0 || m.NextAttemptAt <= now.UnixMilli()
}

// Suggestion is a free-form queued note. Suggestions do not participate in
// the retry protocol; they are enqueued, read, and acked.
type Suggestion struct {
	Ref string `json:"-"`

	PayloadText    string `json:"payload_text"`
	IdempotencyKey string `json:"idempotency_key"`
	QueuedAt       int64  `json:"queued_at"`
}

// Backend is the storage contract shared by the file and sqlite stores.
//
// Enqueue is idempotent: while a pending entry with the same idempotency
// key exists, enqueuing again returns that entry's ref. The guarantee does
// not extend to dead-lettered entries. Read methods return entries in
// stable insertion order and never filter by next_attempt_at. Ack treats a
// missing ref as success.
type Backend interface {
	EnqueueAgentMessage(msg *AgentMessage) (string, error)
	ReadPendingAgentMessages() ([]*AgentMessage, error)
	AckAgentMessage(ref string) error
	// DeferAgentMessage records a failed delivery: attempts is incremented,
	// and the entry either moves to dead-letter (returns true) once
	// attempts reaches policy.MaxAttempts, or gets a new next_attempt_at
	// per the backoff schedule (returns false).
	DeferAgentMessage(ref string, cause error, now time.Time, policy RetryPolicy) (bool, error)
	ListDeadLetterAgentMessages() ([]*AgentMessage, error)
	// RequeueDeadLetterAgentMessage moves a dead-lettered entry back to
	// pending with attempts, backoff, and error fields cleared. Returns an
	// empty ref when the entry is not currently dead-lettered.
	RequeueDeadLetterAgentMessage(ref string) (string, error)

	EnqueueSuggestion(s *Suggestion) (string, error)
	ReadPendingSuggestions() ([]*Suggestion, error)
	AckSuggestion(ref string) error

	Close() error
}

// Open constructs the queue backend selected by the configuration.
// Each backend lazily creates its own storage on first use.
func Open(cfg config.QueueConfig) (Backend, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileStore(cfg.Dir)
	case BackendSQLite:
		return NewSQLiteStore(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// normalizeAgentMessage fills derived fields before storage.
func normalizeAgentMessage(msg *AgentMessage, now time.Time) {
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = DeriveAgentMessageKey(msg.Recipient, msg.Sender, msg.MessageType, msg.Payload)
	}
	if msg.QueuedAt == 0 {
		msg.QueuedAt = now.UnixMilli()
	}
}

// normalizeSuggestion fills derived fields before storage.
func normalizeSuggestion(s *Suggestion, now time.Time) {
	if s.IdempotencyKey == "" {
		s.IdempotencyKey = DeriveSuggestionKey(s.PayloadText)
	}
	if s.QueuedAt == 0 {
		s.QueuedAt = now.UnixMilli()
	}
}
