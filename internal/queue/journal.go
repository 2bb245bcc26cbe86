package queue

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Journal is the processed-message ledger: an append-only record of
// idempotency keys already consumed, scoped by a caller-chosen namespace.
// Drain loops consult it so a message redelivered by the queue after a
// crash, or requeued from dead-letter with a reused key, is not processed
// twice. There is no deletion; existence is a linear scan of the scope's
// ledger file.
type Journal struct {
	dir string
	mu  sync.Mutex
}

// NewJournal creates a journal rooted at dir, creating it on first use.
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal dir not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// WasProcessed reports whether key was already recorded in scope.
func (j *Journal) WasProcessed(scope, key string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.scan(scope, key)
}

// MarkProcessed records key in scope. Recording an already-present key is
// a no-op.
func (j *Journal) MarkProcessed(scope, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	seen, err := j.scan(scope, key)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	f, err := os.OpenFile(j.ledgerPath(scope), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s\t%d\n", key, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (j *Journal) scan(scope, key string) (bool, error) {
	f, err := os.Open(j.ledgerPath(scope))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		recorded, _, _ := strings.Cut(sc.Text(), "\t")
		if recorded == key {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("scan journal: %w", err)
	}
	return false, nil
}

func (j *Journal) ledgerPath(scope string) string {
	// Scope becomes a filename; path separators are not allowed.
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(scope)
	return filepath.Join(j.dir, safe+".log")
}
