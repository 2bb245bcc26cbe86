package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/steersman/steersman/internal/config"
)

func TestOpenServiceFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Queue.Backend = "file"
	cfg.Queue.Dir = filepath.Join(dir, "queue")
	cfg.Queue.BaseDelaySeconds = 30
	cfg.Queue.MaxDelaySeconds = 300
	cfg.Queue.MaxAttempts = 5
	cfg.Routing.DBPath = filepath.Join(dir, "routing.db")

	svc, store, closer, err := openServiceFromConfig(cfg)
	if err != nil {
		t.Fatalf("openServiceFromConfig: %v", err)
	}
	defer closer()

	if store == nil {
		t.Fatalf("expected a routing store")
	}
	if got := svc.Policy().MaxAttempts; got != 5 {
		t.Errorf("retry policy not wired from config, maxAttempts=%d", got)
	}

	// The wired service reaches the configured backend.
	ref, err := svc.EnqueueAgentMessage("w1", "s", "task", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("enqueue through wired service: %v", err)
	}
	if ref == "" {
		t.Fatalf("expected a ref")
	}
	msgs, err := svc.ReadQueuedAgentMessages()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 pending message, got %d (err=%v)", len(msgs), err)
	}
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"severity=critical", "region=eu-west"})
	if err != nil {
		t.Fatalf("parseKeyValues: %v", err)
	}
	if got["severity"] != "critical" || got["region"] != "eu-west" {
		t.Errorf("unexpected map: %v", got)
	}

	if _, err := parseKeyValues([]string{"no-separator"}); err == nil {
		t.Errorf("expected an error for a pair without =")
	}
	if _, err := parseKeyValues([]string{"=value"}); err == nil {
		t.Errorf("expected an error for an empty key")
	}
	if m, err := parseKeyValues(nil); err != nil || m != nil {
		t.Errorf("empty input should yield nil map, got %v (err=%v)", m, err)
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"n": 1}); err != nil {
		t.Fatalf("printJSON: %v", err)
	}
	if buf.String() != "{\n  \"n\": 1\n}\n" {
		t.Errorf("unexpected output: %q", buf.String())
	}
}
