package delivery

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/steersman/steersman/internal/queue"
	"github.com/steersman/steersman/internal/routing"
)

func newTestService(t *testing.T, policy queue.RetryPolicy) (*Service, *routing.Store) {
	t.Helper()
	dir := t.TempDir()

	backend, err := queue.NewFileStore(filepath.Join(dir, "queue"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	store, err := routing.NewStore(filepath.Join(dir, "routing.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		backend.Close()
		store.Close()
	})
	return NewService(backend, routing.NewResolver(store), policy), store
}

func TestDispatchToTargets(t *testing.T) {
	svc, store := newTestService(t, queue.DefaultRetryPolicy())

	if err := store.CreateTeam(routing.Team{ID: "team-a", Name: "Alpha"}); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if err := store.CreateSystem(routing.System{ID: "sys-1", TeamID: "team-a", Role: "operations", Identity: "ops@alpha"}); err != nil {
		t.Fatalf("CreateSystem: %v", err)
	}
	if err := store.CreateSystem(routing.System{ID: "sys-2", TeamID: "team-a", Role: "monitoring", Identity: "mon@alpha"}); err != nil {
		t.Fatalf("CreateSystem: %v", err)
	}
	if _, err := store.CreateRule(&routing.Rule{
		TeamID:  "team-a",
		Name:    "alerts",
		Channel: "alerts",
		Targets: []routing.Target{{SystemID: "sys-1"}, {SystemID: "sys-2"}},
		Active:  true,
	}); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	payload := json.RawMessage(`{"incident":"disk-full"}`)
	refs, err := svc.DispatchToTargets("team-a", "alerts", nil, "watchdog", "alert", payload)
	if err != nil {
		t.Fatalf("DispatchToTargets: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(refs))
	}

	msgs, err := svc.ReadQueuedAgentMessages()
	if err != nil {
		t.Fatalf("ReadQueuedAgentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(msgs))
	}
	recipients := []string{msgs[0].Recipient, msgs[1].Recipient}
	if recipients[0] != "ops@alpha" || recipients[1] != "mon@alpha" {
		t.Errorf("unexpected recipients: %v", recipients)
	}
	for _, msg := range msgs {
		if msg.Sender != "watchdog" || msg.MessageType != "alert" {
			t.Errorf("message fields not propagated: %+v", msg)
		}
	}

	// Re-dispatching the same message is a no-op while entries are pending.
	refs2, err := svc.DispatchToTargets("team-a", "alerts", nil, "watchdog", "alert", payload)
	if err != nil {
		t.Fatalf("second DispatchToTargets: %v", err)
	}
	if len(refs2) != 2 || refs2[0] != refs[0] || refs2[1] != refs[1] {
		t.Errorf("re-dispatch should return existing refs: %v vs %v", refs2, refs)
	}
	msgs, _ = svc.ReadQueuedAgentMessages()
	if len(msgs) != 2 {
		t.Errorf("re-dispatch must not duplicate entries, got %d", len(msgs))
	}
}

func TestDispatchFallsBackToIntelligence(t *testing.T) {
	svc, store := newTestService(t, queue.DefaultRetryPolicy())

	if err := store.CreateSystem(routing.System{ID: "sys-i", TeamID: "team-a", Role: routing.RoleIntelligence, Identity: "intel@alpha"}); err != nil {
		t.Fatalf("CreateSystem: %v", err)
	}

	refs, err := svc.DispatchToTargets("team-a", "unrouted", nil, "watchdog", "alert", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("DispatchToTargets: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected fallback dispatch to 1 recipient, got %d", len(refs))
	}

	msgs, err := svc.ReadQueuedAgentMessages()
	if err != nil || len(msgs) != 1 || msgs[0].Recipient != "intel@alpha" {
		t.Fatalf("expected message for intel@alpha, got %+v (err=%v)", msgs, err)
	}

	letters, err := store.ListDeadLetters(routing.DeadLetterPending)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != routing.ReasonNoRoute {
		t.Errorf("expected a no_route dead letter, got %+v", letters)
	}
}

func TestRequeueAllDeadLetters(t *testing.T) {
	policy := queue.RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 1}
	svc, _ := newTestService(t, policy)

	for _, body := range []string{"a", "b", "c"} {
		ref, err := svc.EnqueueAgentMessage("w1", "s", "task", json.RawMessage(`{"b":"`+body+`"}`), "")
		if err != nil {
			t.Fatalf("enqueue %s: %v", body, err)
		}
		dead, err := svc.DeferAgentMessage(ref, errors.New("down"))
		if err != nil || !dead {
			t.Fatalf("expected dead-letter on first defer, dead=%v err=%v", dead, err)
		}
	}

	moved, err := svc.RequeueAllDeadLetterAgentMessages(2)
	if err != nil {
		t.Fatalf("RequeueAll limit=2: %v", err)
	}
	if moved != 2 {
		t.Errorf("expected 2 moved, got %d", moved)
	}

	moved, err = svc.RequeueAllDeadLetterAgentMessages(0)
	if err != nil {
		t.Fatalf("RequeueAll unlimited: %v", err)
	}
	if moved != 1 {
		t.Errorf("expected 1 remaining moved, got %d", moved)
	}

	msgs, err := svc.ReadQueuedAgentMessages()
	if err != nil || len(msgs) != 3 {
		t.Fatalf("expected 3 pending after requeue-all, got %d (err=%v)", len(msgs), err)
	}
	letters, err := svc.ListDeadLetterAgentMessages()
	if err != nil || len(letters) != 0 {
		t.Fatalf("expected empty dead-letter set, got %d (err=%v)", len(letters), err)
	}
}

func TestSuggestionPassThrough(t *testing.T) {
	svc, _ := newTestService(t, queue.DefaultRetryPolicy())

	if _, err := svc.EnqueueSuggestion("rotate the logs", ""); err != nil {
		t.Fatalf("EnqueueSuggestion: %v", err)
	}
	suggestions, err := svc.ReadQueuedSuggestions()
	if err != nil || len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d (err=%v)", len(suggestions), err)
	}
	if err := svc.AckSuggestion(suggestions[0].Ref); err != nil {
		t.Fatalf("AckSuggestion: %v", err)
	}
	suggestions, err = svc.ReadQueuedSuggestions()
	if err != nil || len(suggestions) != 0 {
		t.Fatalf("expected empty suggestion queue, got %d (err=%v)", len(suggestions), err)
	}
}
