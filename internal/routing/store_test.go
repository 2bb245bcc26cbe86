package routing

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "routing.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreTeamsAndSystems(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateTeam(Team{ID: "team-a", Name: "Alpha"}); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	// Re-registering updates the name.
	if err := store.CreateTeam(Team{ID: "team-a", Name: "Alpha Prime"}); err != nil {
		t.Fatalf("CreateTeam update: %v", err)
	}
	teams, err := store.ListTeams()
	if err != nil {
		t.Fatalf("ListTeams: %v", err)
	}
	if len(teams) != 1 || teams[0].Name != "Alpha Prime" {
		t.Errorf("expected one team named Alpha Prime, got %+v", teams)
	}

	if err := store.CreateSystem(System{ID: "sys-1", TeamID: "team-a", Role: "operations", Identity: "ops@alpha"}); err != nil {
		t.Fatalf("CreateSystem: %v", err)
	}
	identity, ok, err := store.SystemIdentity("sys-1")
	if err != nil {
		t.Fatalf("SystemIdentity: %v", err)
	}
	if !ok || identity != "ops@alpha" {
		t.Errorf("expected ops@alpha, got %q ok=%v", identity, ok)
	}

	_, ok, err = store.SystemIdentity("sys-missing")
	if err != nil {
		t.Fatalf("SystemIdentity missing: %v", err)
	}
	if ok {
		t.Errorf("unknown system should report ok=false without error")
	}
}

func TestStoreIntelligenceIdentity(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.IntelligenceIdentity("team-a")
	if err != nil {
		t.Fatalf("IntelligenceIdentity: %v", err)
	}
	if ok {
		t.Errorf("team without intelligence role should report ok=false")
	}

	if err := store.CreateSystem(System{ID: "sys-i2", TeamID: "team-a", Role: RoleIntelligence, Identity: "intel-b@alpha"}); err != nil {
		t.Fatalf("CreateSystem: %v", err)
	}
	if err := store.CreateSystem(System{ID: "sys-i1", TeamID: "team-a", Role: RoleIntelligence, Identity: "intel-a@alpha"}); err != nil {
		t.Fatalf("CreateSystem: %v", err)
	}

	identity, ok, err := store.IntelligenceIdentity("team-a")
	if err != nil {
		t.Fatalf("IntelligenceIdentity: %v", err)
	}
	// Deterministic pick: lowest system id.
	if !ok || identity != "intel-a@alpha" {
		t.Errorf("expected intel-a@alpha, got %q ok=%v", identity, ok)
	}
}

func TestStoreRuleOrdering(t *testing.T) {
	store := newTestStore(t)

	low, err := store.CreateRule(&Rule{TeamID: "team-a", Name: "low", Channel: "alerts", Priority: 1, Active: true})
	if err != nil {
		t.Fatalf("CreateRule low: %v", err)
	}
	high, err := store.CreateRule(&Rule{TeamID: "team-a", Name: "high", Channel: "alerts", Priority: 10, Active: true})
	if err != nil {
		t.Fatalf("CreateRule high: %v", err)
	}
	tied, err := store.CreateRule(&Rule{TeamID: "team-a", Name: "tied", Channel: "alerts", Priority: 10, Active: true})
	if err != nil {
		t.Fatalf("CreateRule tied: %v", err)
	}

	rules, err := store.ActiveRules("team-a")
	if err != nil {
		t.Fatalf("ActiveRules: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	wantOrder := []int64{high, tied, low}
	for i, want := range wantOrder {
		if rules[i].ID != want {
			t.Errorf("position %d: expected rule %d, got %d", i, want, rules[i].ID)
		}
	}
}

func TestStoreRuleRoundTrip(t *testing.T) {
	store := newTestStore(t)

	in := &Rule{
		TeamID:   "team-a",
		Name:     "critical-alerts",
		Channel:  "alerts",
		Filters:  map[string]string{"severity": "critical"},
		Targets:  []Target{{SystemID: "sys-1"}, {TeamID: "team-sub"}},
		Priority: 7,
		Active:   true,
	}
	id, err := store.CreateRule(in)
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	rules, err := store.ActiveRules("team-a")
	if err != nil {
		t.Fatalf("ActiveRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	got := rules[0]
	if got.ID != id || got.Name != in.Name || got.Channel != in.Channel || got.Priority != in.Priority {
		t.Errorf("rule fields did not round-trip: %+v", got)
	}
	if got.Filters["severity"] != "critical" {
		t.Errorf("filters did not round-trip: %+v", got.Filters)
	}
	if len(got.Targets) != 2 || got.Targets[0].SystemID != "sys-1" || got.Targets[1].TeamID != "team-sub" {
		t.Errorf("targets did not round-trip: %+v", got.Targets)
	}
}

func TestStoreDeactivateRule(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateRule(&Rule{TeamID: "team-a", Name: "r", Channel: "alerts", Active: true})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if err := store.DeactivateRule(id); err != nil {
		t.Fatalf("DeactivateRule: %v", err)
	}

	active, err := store.ActiveRules("team-a")
	if err != nil {
		t.Fatalf("ActiveRules: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("deactivated rule should not be active, got %d", len(active))
	}
	// The rule stays on record.
	all, err := store.ListRules("team-a")
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(all) != 1 || all[0].Active {
		t.Errorf("expected one inactive rule on record, got %+v", all)
	}

	if err := store.DeactivateRule(9999); err == nil {
		t.Errorf("deactivating an unknown rule should error")
	}
}

func TestStoreRecursionLinks(t *testing.T) {
	store := newTestStore(t)

	link := RecursionLink{SubTeamID: "team-sub", OriginSystemID: "sys-1", ParentTeamID: "team-parent", CreatedBy: "admin"}
	if err := store.LinkSubTeam(link); err != nil {
		t.Fatalf("LinkSubTeam: %v", err)
	}

	linked, err := store.HasRecursionLink("team-parent", "team-sub")
	if err != nil {
		t.Fatalf("HasRecursionLink: %v", err)
	}
	if !linked {
		t.Errorf("expected link to exist")
	}

	linked, err = store.HasRecursionLink("team-other", "team-sub")
	if err != nil {
		t.Fatalf("HasRecursionLink: %v", err)
	}
	if linked {
		t.Errorf("link should be scoped to its parent team")
	}

	// One parent per sub-team.
	err = store.LinkSubTeam(RecursionLink{SubTeamID: "team-sub", OriginSystemID: "sys-2", ParentTeamID: "team-other"})
	if err == nil {
		t.Errorf("re-linking an already linked sub-team should error")
	}

	links, err := store.ListRecursionLinks("team-parent")
	if err != nil {
		t.Fatalf("ListRecursionLinks: %v", err)
	}
	if len(links) != 1 || links[0].SubTeamID != "team-sub" || links[0].CreatedAt == 0 {
		t.Errorf("unexpected links: %+v", links)
	}
}

func TestStoreDeadLetters(t *testing.T) {
	store := newTestStore(t)

	dl := &DeadLetter{TeamID: "team-a", Channel: "alerts", Reason: ReasonNoRoute, Payload: []byte(`{"channel":"alerts"}`)}
	if err := store.RecordDeadLetter(dl); err != nil {
		t.Fatalf("RecordDeadLetter: %v", err)
	}
	if dl.ID == "" {
		t.Fatalf("expected generated dead-letter id")
	}

	pending, err := store.ListDeadLetters(DeadLetterPending)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(pending) != 1 || pending[0].Reason != ReasonNoRoute || pending[0].Status != DeadLetterPending {
		t.Fatalf("unexpected pending dead letters: %+v", pending)
	}

	if err := store.MarkDeadLetterHandled(dl.ID, "sys-admin"); err != nil {
		t.Fatalf("MarkDeadLetterHandled: %v", err)
	}
	pending, err = store.ListDeadLetters(DeadLetterPending)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("handled entry should leave the pending set")
	}
	handled, err := store.ListDeadLetters(DeadLetterHandled)
	if err != nil {
		t.Fatalf("ListDeadLetters handled: %v", err)
	}
	if len(handled) != 1 || handled[0].HandledBySystemID != "sys-admin" {
		t.Errorf("unexpected handled dead letters: %+v", handled)
	}

	if err := store.MarkDeadLetterHandled("no-such-id", "sys-admin"); err == nil {
		t.Errorf("marking an unknown dead letter should error")
	}
}
