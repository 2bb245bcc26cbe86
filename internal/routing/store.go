package routing

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS teams (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS systems (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	role TEXT NOT NULL,
	identity TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_systems_team_role ON systems(team_id, role);

CREATE TABLE IF NOT EXISTS routing_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	team_id TEXT NOT NULL,
	name TEXT NOT NULL,
	channel TEXT NOT NULL,
	filters TEXT NOT NULL DEFAULT '{}',
	targets TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_rules_team_active ON routing_rules(team_id, active);

CREATE TABLE IF NOT EXISTS recursion_links (
	sub_team_id TEXT PRIMARY KEY,
	origin_system_id TEXT NOT NULL,
	parent_team_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	created_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_recursion_parent ON recursion_links(parent_team_id);

CREATE TABLE IF NOT EXISTS routing_dead_letters (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	payload TEXT,
	reason TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	received_at INTEGER NOT NULL,
	handled_by_system_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_routing_dead_status ON routing_dead_letters(status, received_at);
`

// Store persists routing rules, recursion links, routing dead letters, and
// the team/system directory in one SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (and on first use creates) the routing database.
func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("routing db path not configured")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create routing db dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open routing db: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply routing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// Directory: teams and systems
// ---------------------------------------------------------------------------

// CreateTeam registers a team. Re-registering updates the name.
func (s *Store) CreateTeam(team Team) error {
	_, err := s.db.Exec(
		`INSERT INTO teams (id, name) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		team.ID, team.Name,
	)
	if err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	return nil
}

// ListTeams returns all registered teams.
func (s *Store) ListTeams() ([]Team, error) {
	rows, err := s.db.Query(`SELECT id, name FROM teams ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// CreateSystem registers a control role identity within a team.
func (s *Store) CreateSystem(sys System) error {
	_, err := s.db.Exec(
		`INSERT INTO systems (id, team_id, role, identity) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET team_id = excluded.team_id, role = excluded.role, identity = excluded.identity`,
		sys.ID, sys.TeamID, sys.Role, sys.Identity,
	)
	if err != nil {
		return fmt.Errorf("create system: %w", err)
	}
	return nil
}

// ListSystems returns the systems of a team.
func (s *Store) ListSystems(teamID string) ([]System, error) {
	rows, err := s.db.Query(
		`SELECT id, team_id, role, identity FROM systems WHERE team_id = ? ORDER BY id`, teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	defer rows.Close()

	var systems []System
	for rows.Next() {
		var sys System
		if err := rows.Scan(&sys.ID, &sys.TeamID, &sys.Role, &sys.Identity); err != nil {
			return nil, fmt.Errorf("scan system: %w", err)
		}
		systems = append(systems, sys)
	}
	return systems, rows.Err()
}

// SystemIdentity resolves a system id to its identity string. The boolean
// is false when the system is unknown; that is not an error.
func (s *Store) SystemIdentity(systemID string) (string, bool, error) {
	var identity string
	err := s.db.QueryRow(`SELECT identity FROM systems WHERE id = ?`, systemID).Scan(&identity)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup system: %w", err)
	}
	return identity, true, nil
}

// IntelligenceIdentity resolves a team's intelligence-role identity, the
// routing fallback destination.
func (s *Store) IntelligenceIdentity(teamID string) (string, bool, error) {
	var identity string
	err := s.db.QueryRow(
		`SELECT identity FROM systems WHERE team_id = ? AND role = ? ORDER BY id LIMIT 1`,
		teamID, RoleIntelligence,
	).Scan(&identity)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup intelligence role: %w", err)
	}
	return identity, true, nil
}

// ---------------------------------------------------------------------------
// Routing rules
// ---------------------------------------------------------------------------

// CreateRule persists a new rule and returns its id.
func (s *Store) CreateRule(rule *Rule) (int64, error) {
	filters, err := json.Marshal(rule.Filters)
	if err != nil {
		return 0, fmt.Errorf("encode rule filters: %w", err)
	}
	targets, err := json.Marshal(rule.Targets)
	if err != nil {
		return 0, fmt.Errorf("encode rule targets: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO routing_rules (team_id, name, channel, filters, targets, priority, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rule.TeamID, rule.Name, rule.Channel, string(filters), string(targets), rule.Priority, boolInt(rule.Active),
	)
	if err != nil {
		return 0, fmt.Errorf("create rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create rule: %w", err)
	}
	rule.ID = id
	return id, nil
}

// ActiveRules returns a team's active rules ordered by priority descending,
// ties broken by ascending id.
func (s *Store) ActiveRules(teamID string) ([]*Rule, error) {
	return s.listRules(teamID, true)
}

// ListRules returns all of a team's rules, active or not, in rule-id order.
func (s *Store) ListRules(teamID string) ([]*Rule, error) {
	return s.listRules(teamID, false)
}

func (s *Store) listRules(teamID string, activeOnly bool) ([]*Rule, error) {
	query := `SELECT id, team_id, name, channel, filters, targets, priority, active
	          FROM routing_rules WHERE team_id = ?`
	if activeOnly {
		query += ` AND active = 1 ORDER BY priority DESC, id ASC`
	} else {
		query += ` ORDER BY id ASC`
	}
	rows, err := s.db.Query(query, teamID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var (
			rule    Rule
			filters string
			targets string
			activeI int
		)
		if err := rows.Scan(&rule.ID, &rule.TeamID, &rule.Name, &rule.Channel, &filters, &targets, &rule.Priority, &activeI); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := json.Unmarshal([]byte(filters), &rule.Filters); err != nil {
			return nil, fmt.Errorf("decode rule %d filters: %w", rule.ID, err)
		}
		if err := json.Unmarshal([]byte(targets), &rule.Targets); err != nil {
			return nil, fmt.Errorf("decode rule %d targets: %w", rule.ID, err)
		}
		rule.Active = activeI == 1
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// DeactivateRule retires a rule. Rules are never deleted.
func (s *Store) DeactivateRule(id int64) error {
	res, err := s.db.Exec(`UPDATE routing_rules SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d not found", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Recursion links
// ---------------------------------------------------------------------------

// LinkSubTeam registers sub-team delegation. The sub-team primary key
// enforces at most one parent per team; re-linking an already linked team
// is an error.
func (s *Store) LinkSubTeam(link RecursionLink) error {
	if link.CreatedAt == 0 {
		link.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(
		`INSERT INTO recursion_links (sub_team_id, origin_system_id, parent_team_id, created_at, created_by)
		 VALUES (?, ?, ?, ?, ?)`,
		link.SubTeamID, link.OriginSystemID, link.ParentTeamID, link.CreatedAt, link.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("link sub-team: %w", err)
	}
	return nil
}

// HasRecursionLink reports whether subTeamID is registered as a sub-team
// of parentTeamID.
func (s *Store) HasRecursionLink(parentTeamID, subTeamID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM recursion_links WHERE parent_team_id = ? AND sub_team_id = ?`,
		parentTeamID, subTeamID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup recursion link: %w", err)
	}
	return n > 0, nil
}

// ListRecursionLinks returns the sub-team links of a parent team.
func (s *Store) ListRecursionLinks(parentTeamID string) ([]RecursionLink, error) {
	rows, err := s.db.Query(
		`SELECT sub_team_id, origin_system_id, parent_team_id, created_at, COALESCE(created_by, '')
		 FROM recursion_links WHERE parent_team_id = ? ORDER BY sub_team_id`, parentTeamID,
	)
	if err != nil {
		return nil, fmt.Errorf("list recursion links: %w", err)
	}
	defer rows.Close()

	var links []RecursionLink
	for rows.Next() {
		var l RecursionLink
		if err := rows.Scan(&l.SubTeamID, &l.OriginSystemID, &l.ParentTeamID, &l.CreatedAt, &l.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan recursion link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ---------------------------------------------------------------------------
// Routing dead letters
// ---------------------------------------------------------------------------

// RecordDeadLetter persists an unroutable-message record.
func (s *Store) RecordDeadLetter(dl *DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.Status == "" {
		dl.Status = DeadLetterPending
	}
	if dl.ReceivedAt == 0 {
		dl.ReceivedAt = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(
		`INSERT INTO routing_dead_letters (id, team_id, channel, payload, reason, status, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.TeamID, dl.Channel, string(dl.Payload), dl.Reason, dl.Status, dl.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("record routing dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns routing dead letters, optionally filtered to one
// status, oldest first.
func (s *Store) ListDeadLetters(status string) ([]*DeadLetter, error) {
	query := `SELECT id, team_id, channel, COALESCE(payload, ''), reason, status, received_at, COALESCE(handled_by_system_id, '')
	          FROM routing_dead_letters`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY received_at, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list routing dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var payload string
		if err := rows.Scan(&dl.ID, &dl.TeamID, &dl.Channel, &payload, &dl.Reason, &dl.Status, &dl.ReceivedAt, &dl.HandledBySystemID); err != nil {
			return nil, fmt.Errorf("scan routing dead letter: %w", err)
		}
		if payload != "" {
			dl.Payload = []byte(payload)
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// MarkDeadLetterHandled records that an administrative actor dealt with the
// entry. Fails loudly when the id is unknown.
func (s *Store) MarkDeadLetterHandled(id, systemID string) error {
	res, err := s.db.Exec(
		`UPDATE routing_dead_letters SET status = ?, handled_by_system_id = ? WHERE id = ?`,
		DeadLetterHandled, systemID, id,
	)
	if err != nil {
		return fmt.Errorf("mark routing dead letter handled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("routing dead letter %s not found", id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
