package relay

import "testing"

func TestInboxTopic(t *testing.T) {
	if got := InboxTopic("default"); got != "steersman.default.inbox" {
		t.Errorf("unexpected topic: %q", got)
	}
	if got := InboxTopic("edge-7"); got != "steersman.edge-7.inbox" {
		t.Errorf("unexpected topic: %q", got)
	}
}
