// Package delivery is the thin API producers, consumers, and operators use
// to reach the active queue backend and the routing engine.
package delivery

import (
	"encoding/json"
	"time"

	"github.com/steersman/steersman/internal/queue"
	"github.com/steersman/steersman/internal/routing"
)

// Service bundles the configured queue backend, the routing resolver, and
// the retry policy. It is constructed explicitly and passed to producers
// and consumers; there is no package-level instance.
type Service struct {
	backend  queue.Backend
	resolver *routing.Resolver
	policy   queue.RetryPolicy
}

// NewService creates the delivery facade.
func NewService(backend queue.Backend, resolver *routing.Resolver, policy queue.RetryPolicy) *Service {
	return &Service{backend: backend, resolver: resolver, policy: policy}
}

// Policy returns the retry policy applied on defer.
func (s *Service) Policy() queue.RetryPolicy { return s.policy }

// ---------------------------------------------------------------------------
// Producer interface
// ---------------------------------------------------------------------------

// EnqueueAgentMessage queues a structured message for a recipient. An empty
// idempotencyKey derives one from the message content; enqueuing while a
// pending entry with the same key exists returns that entry's ref.
func (s *Service) EnqueueAgentMessage(recipient, sender, messageType string, payload json.RawMessage, idempotencyKey string) (string, error) {
	msg := &queue.AgentMessage{
		Recipient:      recipient,
		Sender:         sender,
		MessageType:    messageType,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	}
	return s.backend.EnqueueAgentMessage(msg)
}

// EnqueueSuggestion queues a free-form note.
func (s *Service) EnqueueSuggestion(payloadText, idempotencyKey string) (string, error) {
	sg := &queue.Suggestion{
		PayloadText:    payloadText,
		IdempotencyKey: idempotencyKey,
	}
	return s.backend.EnqueueSuggestion(sg)
}

// ResolveMessageTargets resolves recipient identities for a message on the
// given team and channel.
func (s *Service) ResolveMessageTargets(teamID, channel string, metadata map[string]string) ([]string, error) {
	return s.resolver.ResolveTargets(teamID, channel, metadata)
}

// DispatchToTargets resolves targets and enqueues one agent message per
// resolved recipient, returning the refs in target order.
func (s *Service) DispatchToTargets(teamID, channel string, metadata map[string]string, sender, messageType string, payload json.RawMessage) ([]string, error) {
	targets, err := s.ResolveMessageTargets(teamID, channel, metadata)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(targets))
	for _, recipient := range targets {
		ref, err := s.EnqueueAgentMessage(recipient, sender, messageType, payload, "")
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ---------------------------------------------------------------------------
// Consumer interface
// ---------------------------------------------------------------------------

// ReadQueuedAgentMessages returns all pending messages in insertion order.
// Entries are returned regardless of next_attempt_at; check Ready before
// processing.
func (s *Service) ReadQueuedAgentMessages() ([]*queue.AgentMessage, error) {
	return s.backend.ReadPendingAgentMessages()
}

// ReadQueuedSuggestions returns all pending suggestions in insertion order.
func (s *Service) ReadQueuedSuggestions() ([]*queue.Suggestion, error) {
	return s.backend.ReadPendingSuggestions()
}

// AckAgentMessage removes a delivered message. Missing refs are success.
func (s *Service) AckAgentMessage(ref string) error {
	return s.backend.AckAgentMessage(ref)
}

// AckSuggestion removes a consumed suggestion.
func (s *Service) AckSuggestion(ref string) error {
	return s.backend.AckSuggestion(ref)
}

// DeferAgentMessage records a failed delivery attempt under the configured
// retry policy. Returns true when the message moved to dead-letter.
func (s *Service) DeferAgentMessage(ref string, cause error) (bool, error) {
	return s.backend.DeferAgentMessage(ref, cause, time.Now(), s.policy)
}

// ListDeadLetterAgentMessages returns dead-lettered messages in order.
func (s *Service) ListDeadLetterAgentMessages() ([]*queue.AgentMessage, error) {
	return s.backend.ListDeadLetterAgentMessages()
}

// RequeueDeadLetterAgentMessage moves a dead-lettered message back to
// pending with retry state cleared. Returns an empty ref when the entry is
// not dead-lettered.
func (s *Service) RequeueDeadLetterAgentMessage(ref string) (string, error) {
	return s.backend.RequeueDeadLetterAgentMessage(ref)
}

// RequeueAllDeadLetterAgentMessages requeues up to limit dead-lettered
// messages (no limit when limit <= 0) and returns how many moved.
func (s *Service) RequeueAllDeadLetterAgentMessages(limit int) (int, error) {
	dead, err := s.backend.ListDeadLetterAgentMessages()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, msg := range dead {
		if limit > 0 && moved >= limit {
			break
		}
		ref, err := s.backend.RequeueDeadLetterAgentMessage(msg.Ref)
		if err != nil {
			return moved, err
		}
		if ref != "" {
			moved++
		}
	}
	return moved, nil
}
