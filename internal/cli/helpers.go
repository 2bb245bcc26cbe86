package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/steersman/steersman/internal/config"
	"github.com/steersman/steersman/internal/delivery"
	"github.com/steersman/steersman/internal/queue"
	"github.com/steersman/steersman/internal/routing"
)

// openService loads the config and wires the queue backend and routing
// store into a delivery service. The returned closer releases both.
func openService() (*delivery.Service, *routing.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	return openServiceFromConfig(cfg)
}

// openServiceFromConfig is openService for callers that already hold a
// loaded config.
func openServiceFromConfig(cfg *config.Config) (*delivery.Service, *routing.Store, func(), error) {
	backend, err := queue.Open(cfg.Queue)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := routing.NewStore(cfg.Routing.DBPath)
	if err != nil {
		backend.Close()
		return nil, nil, nil, err
	}

	policy := queue.RetryPolicy{
		BaseDelay:   cfg.Queue.BaseDelay(),
		MaxDelay:    cfg.Queue.MaxDelay(),
		MaxAttempts: cfg.Queue.MaxAttempts,
	}
	svc := delivery.NewService(backend, routing.NewResolver(store), policy)

	closer := func() {
		store.Close()
		backend.Close()
	}
	return svc, store, closer, nil
}

// parseKeyValues parses repeated k=v flags into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", pair)
		}
		out[key] = value
	}
	return out, nil
}

// printJSON writes an indented JSON rendering of payload.
func printJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
