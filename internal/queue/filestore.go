package queue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Directory names under the file store root.
const (
	fileDirAgent       = "agent"
	fileDirAgentDead   = "agent-dead"
	fileDirSuggestions = "suggestions"
)

// FileStore keeps each queued entry as one JSON file. Files are written to
// a temp name and renamed into place so concurrent readers never observe a
// partial entry. Ordering is by filename, which embeds the enqueue
// timestamp in nanoseconds plus a random suffix.
//
// The in-process mutex serializes enqueue dedup scans. Concurrent defers on
// the same entry from separate processes are a documented race: exactly one
// writer's update survives. Run a single active consumer per entry, or
// lease externally.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates a file-backed queue rooted at dir, creating the
// directory layout on first use.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file queue dir not configured")
	}
	for _, sub := range []string{fileDirAgent, fileDirAgentDead, fileDirSuggestions} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	return &FileStore{root: dir}, nil
}

// EnqueueAgentMessage writes a new pending entry, or returns the existing
// entry's path when a pending entry with the same idempotency key exists.
func (s *FileStore) EnqueueAgentMessage(msg *AgentMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalizeAgentMessage(msg, time.Now())

	existing, err := s.findAgentByKey(fileDirAgent, msg.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	ref, err := s.writeEntry(fileDirAgent, msg)
	if err != nil {
		return "", err
	}
	msg.Ref = ref
	return ref, nil
}

// ReadPendingAgentMessages returns all pending entries in insertion order.
// Entries are returned regardless of next_attempt_at; callers check
// readiness before processing.
func (s *FileStore) ReadPendingAgentMessages() ([]*AgentMessage, error) {
	paths, err := s.listEntryPaths(fileDirAgent)
	if err != nil {
		return nil, err
	}
	msgs := make([]*AgentMessage, 0, len(paths))
	for _, p := range paths {
		msg, err := readAgentFile(p)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// AckAgentMessage deletes a pending entry. A missing entry is success.
func (s *FileStore) AckAgentMessage(ref string) error {
	if err := os.Remove(ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ack agent message: %w", err)
	}
	return nil
}

// DeferAgentMessage increments the attempt count and either schedules the
// next attempt or moves the entry to dead-letter. Refs outside the pending
// directory are ignored.
func (s *FileStore) DeferAgentMessage(ref string, cause error, now time.Time, policy RetryPolicy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if filepath.Dir(ref) != filepath.Join(s.root, fileDirAgent) {
		return false, nil
	}
	msg, err := readAgentFile(ref)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	msg.Attempts++
	if msg.Attempts >= policy.MaxAttempts {
		msg.LastError = errText(cause)
		msg.LastFailedAt = now.UnixMilli()
		msg.DeadLetteredAt = now.UnixMilli()
		msg.NextAttemptAt = 0
		if _, err := s.writeEntry(fileDirAgentDead, msg); err != nil {
			return false, err
		}
		if err := os.Remove(ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("remove deferred entry: %w", err)
		}
		return true, nil
	}

	msg.NextAttemptAt = NextAttemptAt(now, msg.Attempts, policy)
	if err := s.rewriteEntry(ref, msg); err != nil {
		return false, err
	}
	return false, nil
}

// ListDeadLetterAgentMessages returns dead-lettered entries in the order
// they were dead-lettered.
func (s *FileStore) ListDeadLetterAgentMessages() ([]*AgentMessage, error) {
	paths, err := s.listEntryPaths(fileDirAgentDead)
	if err != nil {
		return nil, err
	}
	msgs := make([]*AgentMessage, 0, len(paths))
	for _, p := range paths {
		msg, err := readAgentFile(p)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// RequeueDeadLetterAgentMessage moves a dead-lettered entry back to the
// pending set with retry state cleared. Returns an empty ref when the entry
// is not currently dead-lettered.
func (s *FileStore) RequeueDeadLetterAgentMessage(ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if filepath.Dir(ref) != filepath.Join(s.root, fileDirAgentDead) {
		return "", nil
	}
	msg, err := readAgentFile(ref)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	msg.Attempts = 0
	msg.NextAttemptAt = 0
	msg.LastError = ""
	msg.LastFailedAt = 0
	msg.DeadLetteredAt = 0

	newRef, err := s.writeEntry(fileDirAgent, msg)
	if err != nil {
		return "", err
	}
	if err := os.Remove(ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("remove dead-letter entry: %w", err)
	}
	msg.Ref = newRef
	return newRef, nil
}

// EnqueueSuggestion writes a new pending suggestion, deduplicating on the
// idempotency key like agent messages.
func (s *FileStore) EnqueueSuggestion(sg *Suggestion) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalizeSuggestion(sg, time.Now())

	existing, err := s.findSuggestionByKey(sg.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	ref, err := s.writeEntry(fileDirSuggestions, sg)
	if err != nil {
		return "", err
	}
	sg.Ref = ref
	return ref, nil
}

// ReadPendingSuggestions returns all pending suggestions in insertion order.
func (s *FileStore) ReadPendingSuggestions() ([]*Suggestion, error) {
	paths, err := s.listEntryPaths(fileDirSuggestions)
	if err != nil {
		return nil, err
	}
	out := make([]*Suggestion, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var sg Suggestion
		if err := json.Unmarshal(data, &sg); err != nil {
			continue
		}
		sg.Ref = p
		out = append(out, &sg)
	}
	return out, nil
}

// AckSuggestion deletes a pending suggestion. A missing entry is success.
func (s *FileStore) AckSuggestion(ref string) error {
	if err := os.Remove(ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ack suggestion: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

// writeEntry stores v as a new file in sub, temp-write + rename.
func (s *FileStore) writeEntry(sub string, v any) (string, error) {
	dir := filepath.Join(s.root, sub)
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode queue entry: %w", err)
	}
	name := fmt.Sprintf("%020d-%s.json", time.Now().UnixNano(), randomHex(4))
	path := filepath.Join(dir, name)
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// rewriteEntry replaces an existing file in place, keeping its name so the
// entry's position in the pending order is preserved.
func (s *FileStore) rewriteEntry(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	return atomicWrite(path, data)
}

func (s *FileStore) listEntryPaths(sub string) ([]string, error) {
	dir := filepath.Join(s.root, sub)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// findAgentByKey scans sub for a pending entry with the given idempotency
// key. Linear scan; acceptable at moderate queue depths, the sqlite backend
// is the scale path.
func (s *FileStore) findAgentByKey(sub, key string) (string, error) {
	paths, err := s.listEntryPaths(sub)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		msg, err := readAgentFile(p)
		if err != nil {
			continue
		}
		if msg.IdempotencyKey == key {
			return p, nil
		}
	}
	return "", nil
}

func (s *FileStore) findSuggestionByKey(key string) (string, error) {
	paths, err := s.listEntryPaths(fileDirSuggestions)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var sg Suggestion
		if err := json.Unmarshal(data, &sg); err != nil {
			continue
		}
		if sg.IdempotencyKey == key {
			return p, nil
		}
	}
	return "", nil
}

func readAgentFile(path string) (*AgentMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msg AgentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode queue entry %s: %w", filepath.Base(path), err)
	}
	msg.Ref = path
	return &msg, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp entry: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename queue entry: %w", err)
	}
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ Backend = (*FileStore)(nil)
