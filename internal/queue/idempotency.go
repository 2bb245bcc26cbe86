package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind prefixes keep derived keys from colliding across message kinds.
const (
	agentKeyPrefix      = "agent"
	suggestionKeyPrefix = "sugg"
)

// DeriveAgentMessageKey computes a stable idempotency key for an agent
// message from its routing identity and canonicalized payload. Two enqueues
// of the same logical message always derive the same key.
func DeriveAgentMessageKey(recipient, sender, messageType string, payload json.RawMessage) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", recipient, sender, messageType, canonicalJSON(payload))
	return agentKeyPrefix + ":" + hex.EncodeToString(h.Sum(nil))
}

// DeriveSuggestionKey computes a stable idempotency key over the suggestion
// text alone.
func DeriveSuggestionKey(payloadText string) string {
	sum := sha256.Sum256([]byte(payloadText))
	return suggestionKeyPrefix + ":" + hex.EncodeToString(sum[:])
}

// canonicalJSON renders JSON with object keys sorted so that semantically
// equal payloads hash identically regardless of key order.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not valid JSON; hash the raw bytes as-is.
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		vb, _ := json.Marshal(val)
		b.Write(vb)
	}
}
