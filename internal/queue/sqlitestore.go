package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// Entry states in the sqlite backend.
const (
	stateAgentPending = "pending"
	stateAgentDead    = "dead_letter"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	state TEXT NOT NULL DEFAULT 'pending',
	recipient TEXT NOT NULL,
	sender TEXT,
	message_type TEXT NOT NULL,
	payload TEXT,
	idempotency_key TEXT NOT NULL,
	queued_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	last_failed_at INTEGER,
	dead_lettered_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_pending_key
	ON agent_messages(idempotency_key) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS idx_agent_state_ready
	ON agent_messages(state, next_attempt_at, queued_at);

CREATE TABLE IF NOT EXISTS suggestions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	state TEXT NOT NULL DEFAULT 'pending',
	payload_text TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	queued_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_suggestion_pending_key
	ON suggestions(idempotency_key) WHERE state = 'pending';
`

// SQLiteStore is the transactional queue backend. The partial unique index
// on pending idempotency keys enforces the no-duplicate-pending invariant
// at the storage layer, race-free under concurrent enqueuers. All mutations
// run in transactions; the busy_timeout pragma makes concurrent writers
// serialize instead of failing.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and on first use creates) the queue database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite queue path not configured")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create queue db dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// EnqueueAgentMessage inserts a pending entry, or returns the existing
// entry's ref when a pending entry with the same idempotency key exists.
func (s *SQLiteStore) EnqueueAgentMessage(msg *AgentMessage) (string, error) {
	normalizeAgentMessage(msg, time.Now())

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("enqueue agent message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO agent_messages (state, recipient, sender, message_type, payload, idempotency_key, queued_at, attempts, next_attempt_at)
		 VALUES ('pending', ?, ?, ?, ?, ?, ?, 0, 0)
		 ON CONFLICT(idempotency_key) WHERE state = 'pending' DO NOTHING`,
		msg.Recipient, nullable(msg.Sender), msg.MessageType, string(msg.Payload), msg.IdempotencyKey, msg.QueuedAt,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue agent message: %w", err)
	}

	var id int64
	if n, _ := res.RowsAffected(); n > 0 {
		id, err = res.LastInsertId()
	} else {
		err = tx.QueryRow(
			`SELECT id FROM agent_messages WHERE idempotency_key = ? AND state = 'pending'`,
			msg.IdempotencyKey,
		).Scan(&id)
	}
	if err != nil {
		return "", fmt.Errorf("enqueue agent message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("enqueue agent message: %w", err)
	}

	msg.Ref = strconv.FormatInt(id, 10)
	return msg.Ref, nil
}

// ReadPendingAgentMessages returns pending entries in insertion order,
// regardless of next_attempt_at.
func (s *SQLiteStore) ReadPendingAgentMessages() ([]*AgentMessage, error) {
	return s.listAgentMessages(stateAgentPending)
}

// AckAgentMessage deletes a pending entry. A missing ref is success.
func (s *SQLiteStore) AckAgentMessage(ref string) error {
	id, ok := parseRef(ref)
	if !ok {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM agent_messages WHERE id = ? AND state = 'pending'`, id); err != nil {
		return fmt.Errorf("ack agent message: %w", err)
	}
	return nil
}

// DeferAgentMessage increments the attempt count and either schedules the
// next attempt or flips the entry to dead_letter, in one transaction.
func (s *SQLiteStore) DeferAgentMessage(ref string, cause error, now time.Time, policy RetryPolicy) (bool, error) {
	id, ok := parseRef(ref)
	if !ok {
		return false, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("defer agent message: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRow(
		`SELECT attempts FROM agent_messages WHERE id = ? AND state = 'pending'`, id,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("defer agent message: %w", err)
	}

	attempts++
	dead := attempts >= policy.MaxAttempts
	if dead {
		_, err = tx.Exec(
			`UPDATE agent_messages
			 SET state = 'dead_letter', attempts = ?, next_attempt_at = 0,
			     last_error = ?, last_failed_at = ?, dead_lettered_at = ?
			 WHERE id = ?`,
			attempts, errText(cause), now.UnixMilli(), now.UnixMilli(), id,
		)
	} else {
		_, err = tx.Exec(
			`UPDATE agent_messages SET attempts = ?, next_attempt_at = ? WHERE id = ?`,
			attempts, NextAttemptAt(now, attempts, policy), id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("defer agent message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("defer agent message: %w", err)
	}
	return dead, nil
}

// ListDeadLetterAgentMessages returns dead-lettered entries in insertion
// order.
func (s *SQLiteStore) ListDeadLetterAgentMessages() ([]*AgentMessage, error) {
	return s.listAgentMessages(stateAgentDead)
}

// RequeueDeadLetterAgentMessage flips a dead-lettered entry back to pending
// with retry state cleared. Returns an empty ref when the entry is not
// currently dead-lettered.
func (s *SQLiteStore) RequeueDeadLetterAgentMessage(ref string) (string, error) {
	id, ok := parseRef(ref)
	if !ok {
		return "", nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("requeue agent message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE agent_messages
		 SET state = 'pending', attempts = 0, next_attempt_at = 0,
		     last_error = NULL, last_failed_at = NULL, dead_lettered_at = NULL
		 WHERE id = ? AND state = 'dead_letter'`, id,
	)
	if err != nil {
		return "", fmt.Errorf("requeue agent message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return "", nil
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("requeue agent message: %w", err)
	}
	return ref, nil
}

// EnqueueSuggestion inserts a pending suggestion with the same idempotency
// semantics as agent messages.
func (s *SQLiteStore) EnqueueSuggestion(sg *Suggestion) (string, error) {
	normalizeSuggestion(sg, time.Now())

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("enqueue suggestion: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO suggestions (state, payload_text, idempotency_key, queued_at)
		 VALUES ('pending', ?, ?, ?)
		 ON CONFLICT(idempotency_key) WHERE state = 'pending' DO NOTHING`,
		sg.PayloadText, sg.IdempotencyKey, sg.QueuedAt,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue suggestion: %w", err)
	}

	var id int64
	if n, _ := res.RowsAffected(); n > 0 {
		id, err = res.LastInsertId()
	} else {
		err = tx.QueryRow(
			`SELECT id FROM suggestions WHERE idempotency_key = ? AND state = 'pending'`,
			sg.IdempotencyKey,
		).Scan(&id)
	}
	if err != nil {
		return "", fmt.Errorf("enqueue suggestion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("enqueue suggestion: %w", err)
	}

	sg.Ref = strconv.FormatInt(id, 10)
	return sg.Ref, nil
}

// ReadPendingSuggestions returns pending suggestions in insertion order.
func (s *SQLiteStore) ReadPendingSuggestions() ([]*Suggestion, error) {
	rows, err := s.db.Query(
		`SELECT id, payload_text, idempotency_key, queued_at
		 FROM suggestions WHERE state = 'pending' ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("read suggestions: %w", err)
	}
	defer rows.Close()

	var out []*Suggestion
	for rows.Next() {
		var id int64
		sg := &Suggestion{}
		if err := rows.Scan(&id, &sg.PayloadText, &sg.IdempotencyKey, &sg.QueuedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		sg.Ref = strconv.FormatInt(id, 10)
		out = append(out, sg)
	}
	return out, rows.Err()
}

// AckSuggestion deletes a pending suggestion. A missing ref is success.
func (s *SQLiteStore) AckSuggestion(ref string) error {
	id, ok := parseRef(ref)
	if !ok {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM suggestions WHERE id = ? AND state = 'pending'`, id); err != nil {
		return fmt.Errorf("ack suggestion: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) listAgentMessages(state string) ([]*AgentMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, recipient, COALESCE(sender, ''), message_type, COALESCE(payload, ''),
		        idempotency_key, queued_at, attempts, next_attempt_at,
		        COALESCE(last_error, ''), COALESCE(last_failed_at, 0), COALESCE(dead_lettered_at, 0)
		 FROM agent_messages WHERE state = ? ORDER BY id`, state,
	)
	if err != nil {
		return nil, fmt.Errorf("read agent messages: %w", err)
	}
	defer rows.Close()

	var out []*AgentMessage
	for rows.Next() {
		var id int64
		var payload string
		msg := &AgentMessage{}
		if err := rows.Scan(
			&id, &msg.Recipient, &msg.Sender, &msg.MessageType, &payload,
			&msg.IdempotencyKey, &msg.QueuedAt, &msg.Attempts, &msg.NextAttemptAt,
			&msg.LastError, &msg.LastFailedAt, &msg.DeadLetteredAt,
		); err != nil {
			return nil, fmt.Errorf("scan agent message: %w", err)
		}
		if payload != "" {
			msg.Payload = []byte(payload)
		}
		msg.Ref = strconv.FormatInt(id, 10)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseRef(ref string) (int64, bool) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

var _ Backend = (*SQLiteStore)(nil)
