package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/steersman/steersman/internal/queue"
)

// Handler processes one drained agent message. A nil return acks the
// message; an error defers it under the retry policy.
type Handler func(ctx context.Context, msg *queue.AgentMessage) error

// DrainWorker polls the pending queue and hands ready messages to a
// handler. ReadQueuedAgentMessages does not filter by readiness, so the
// worker checks next_attempt_at itself, and consults the processed-message
// journal so entries redelivered after a crash, or requeued from
// dead-letter with a reused key, are not handled twice.
//
// Run one active worker per queue; concurrent defers on the same entry are
// a lost-update race on the file backend.
type DrainWorker struct {
	svc      *Service
	journal  *queue.Journal
	scope    string
	handler  Handler
	interval time.Duration
}

// NewDrainWorker creates a drain worker with sensible defaults.
func NewDrainWorker(svc *Service, journal *queue.Journal, scope string, handler Handler) *DrainWorker {
	return &DrainWorker{
		svc:      svc,
		journal:  journal,
		scope:    scope,
		handler:  handler,
		interval: 5 * time.Second,
	}
}

// SetInterval overrides the poll interval.
func (w *DrainWorker) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// Run starts the polling loop. Blocks until context is cancelled.
func (w *DrainWorker) Run(ctx context.Context) error {
	slog.Info("Drain worker started", "interval", w.interval, "scope", w.scope)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Drain worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// Poll runs one drain pass. Exported for callers that schedule their own
// loop.
func (w *DrainWorker) Poll(ctx context.Context) {
	w.poll(ctx)
}

func (w *DrainWorker) poll(ctx context.Context) {
	msgs, err := w.svc.ReadQueuedAgentMessages()
	if err != nil {
		slog.Error("Drain worker poll failed", "error", err)
		return
	}

	now := time.Now()
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		if !msg.Ready(now) {
			continue
		}

		processed, err := w.journal.WasProcessed(w.scope, msg.IdempotencyKey)
		if err != nil {
			slog.Error("Drain worker journal check failed", "ref", msg.Ref, "error", err)
			continue
		}
		if processed {
			slog.Info("Drain worker skipping already-processed message", "ref", msg.Ref, "key", msg.IdempotencyKey)
			_ = w.svc.AckAgentMessage(msg.Ref)
			continue
		}

		if err := w.handler(ctx, msg); err != nil {
			dead, deferErr := w.svc.DeferAgentMessage(msg.Ref, err)
			if deferErr != nil {
				slog.Error("Drain worker defer failed", "ref", msg.Ref, "error", deferErr)
				continue
			}
			if dead {
				slog.Warn("Drain worker dead-lettered message",
					"ref", msg.Ref, "recipient", msg.Recipient, "attempts", msg.Attempts+1, "error", err)
			} else {
				slog.Warn("Drain worker deferred message",
					"ref", msg.Ref, "recipient", msg.Recipient, "attempts", msg.Attempts+1, "error", err)
			}
			continue
		}

		// Journal first: a crash between the two leaves the entry pending,
		// and the journal rejects the redelivery.
		if err := w.journal.MarkProcessed(w.scope, msg.IdempotencyKey); err != nil {
			slog.Error("Drain worker journal append failed", "ref", msg.Ref, "error", err)
			continue
		}
		if err := w.svc.AckAgentMessage(msg.Ref); err != nil {
			slog.Error("Drain worker ack failed", "ref", msg.Ref, "error", err)
			continue
		}
		slog.Info("Drain worker delivered message", "ref", msg.Ref, "recipient", msg.Recipient, "type", msg.MessageType)
	}
}
