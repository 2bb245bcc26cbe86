package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/steersman/steersman/internal/queue"
)

func newTestWorker(t *testing.T, policy queue.RetryPolicy, handler Handler) (*DrainWorker, *Service) {
	t.Helper()
	svc, _ := newTestService(t, policy)
	journal, err := queue.NewJournal(filepath.Join(t.TempDir(), "journal"))
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	return NewDrainWorker(svc, journal, "test", handler), svc
}

func TestWorkerDeliversAndAcks(t *testing.T) {
	var handled []string
	worker, svc := newTestWorker(t, queue.DefaultRetryPolicy(), func(ctx context.Context, msg *queue.AgentMessage) error {
		handled = append(handled, msg.Recipient)
		return nil
	})

	for _, r := range []string{"w1", "w2"} {
		if _, err := svc.EnqueueAgentMessage(r, "s", "task", json.RawMessage(`{}`), ""); err != nil {
			t.Fatalf("enqueue %s: %v", r, err)
		}
	}

	worker.Poll(context.Background())

	if len(handled) != 2 || handled[0] != "w1" || handled[1] != "w2" {
		t.Errorf("expected both messages handled in order, got %v", handled)
	}
	msgs, err := svc.ReadQueuedAgentMessages()
	if err != nil || len(msgs) != 0 {
		t.Errorf("expected queue drained, got %d (err=%v)", len(msgs), err)
	}
}

func TestWorkerDefersOnHandlerError(t *testing.T) {
	policy := queue.RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 5}
	calls := 0
	worker, svc := newTestWorker(t, policy, func(ctx context.Context, msg *queue.AgentMessage) error {
		calls++
		return errors.New("recipient offline")
	})

	if _, err := svc.EnqueueAgentMessage("w1", "s", "task", json.RawMessage(`{}`), ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker.Poll(context.Background())
	if calls != 1 {
		t.Fatalf("expected 1 handler call, got %d", calls)
	}

	msgs, err := svc.ReadQueuedAgentMessages()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected message still pending, got %d (err=%v)", len(msgs), err)
	}
	if msgs[0].Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", msgs[0].Attempts)
	}

	// The deferred entry is not ready, so the next poll skips it.
	worker.Poll(context.Background())
	if calls != 1 {
		t.Errorf("worker should not retry before the backoff elapses, calls=%d", calls)
	}
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	policy := queue.RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 1}
	worker, svc := newTestWorker(t, policy, func(ctx context.Context, msg *queue.AgentMessage) error {
		return errors.New("permanently broken")
	})

	if _, err := svc.EnqueueAgentMessage("w1", "s", "task", json.RawMessage(`{}`), ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker.Poll(context.Background())

	msgs, err := svc.ReadQueuedAgentMessages()
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected pending queue empty, got %d (err=%v)", len(msgs), err)
	}
	dead, err := svc.ListDeadLetterAgentMessages()
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d (err=%v)", len(dead), err)
	}
	if dead[0].LastError != "permanently broken" {
		t.Errorf("expected handler error recorded, got %q", dead[0].LastError)
	}
}

func TestWorkerSkipsJournaledMessages(t *testing.T) {
	calls := 0
	worker, svc := newTestWorker(t, queue.DefaultRetryPolicy(), func(ctx context.Context, msg *queue.AgentMessage) error {
		calls++
		return nil
	})

	if _, err := svc.EnqueueAgentMessage("w1", "s", "task", json.RawMessage(`{"n":1}`), ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	worker.Poll(context.Background())
	if calls != 1 {
		t.Fatalf("expected 1 handler call, got %d", calls)
	}

	// Same logical message re-enqueued after the ack. The journal keeps the
	// handler from seeing it again; the entry is acked away.
	if _, err := svc.EnqueueAgentMessage("w1", "s", "task", json.RawMessage(`{"n":1}`), ""); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	worker.Poll(context.Background())
	if calls != 1 {
		t.Errorf("journaled message should not be handled again, calls=%d", calls)
	}
	msgs, err := svc.ReadQueuedAgentMessages()
	if err != nil || len(msgs) != 0 {
		t.Errorf("duplicate should be acked away, got %d pending (err=%v)", len(msgs), err)
	}
}

func TestWorkerRespectsContextCancellation(t *testing.T) {
	calls := 0
	worker, svc := newTestWorker(t, queue.DefaultRetryPolicy(), func(ctx context.Context, msg *queue.AgentMessage) error {
		calls++
		return nil
	})

	for i := 0; i < 3; i++ {
		payload := json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`)
		if _, err := svc.EnqueueAgentMessage("w1", "s", "task", payload, ""); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	worker.Poll(ctx)
	if calls != 0 {
		t.Errorf("cancelled context should stop the poll before handling, calls=%d", calls)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	worker, _ := newTestWorker(t, queue.DefaultRetryPolicy(), func(ctx context.Context, msg *queue.AgentMessage) error {
		return nil
	})
	worker.SetInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop after cancel")
	}
}
