// Package routing resolves message destinations from persisted rules and
// the team hierarchy, and records unroutable messages as dead letters.
package routing

import "encoding/json"

// WildcardChannel matches any channel in a rule.
const WildcardChannel = "*"

// ChannelFilterKey is special-cased in rule filters: it is compared against
// the message channel rather than the metadata map.
const ChannelFilterKey = "channel"

// RoleIntelligence is the team role used as the fallback destination when
// routing produces no deliverable target.
const RoleIntelligence = "intelligence"

// Dead-letter reasons.
const (
	ReasonNoRoute  = "no_route"  // no rule matched
	ReasonNoTarget = "no_target" // rules matched but produced no resolvable target
)

// Dead-letter statuses.
const (
	DeadLetterPending = "pending"
	DeadLetterHandled = "handled"
)

// Target is one destination specifier in a rule: either a system or a
// sub-team, never both.
type Target struct {
	SystemID string `json:"system_id,omitempty"`
	TeamID   string `json:"team_id,omitempty"`
}

// Rule is a team-scoped dispatch policy. Matching is exact-equality only;
// there are no pattern semantics. Rules are deactivated rather than
// deleted when retired.
type Rule struct {
	ID       int64             `json:"id"`
	TeamID   string            `json:"team_id"`
	Name     string            `json:"name"`
	Channel  string            `json:"channel"` // channel name or "*"
	Filters  map[string]string `json:"filters,omitempty"`
	Targets  []Target          `json:"targets"`
	Priority int               `json:"priority"`
	Active   bool              `json:"active"`
}

// RecursionLink registers a team as a sub-team of a parent, enabling rule
// targets to cascade into the sub-organization. Each team has at most one
// parent.
type RecursionLink struct {
	SubTeamID      string `json:"sub_team_id"`
	OriginSystemID string `json:"origin_system_id"`
	ParentTeamID   string `json:"parent_team_id"`
	CreatedAt      int64  `json:"created_at"`
	CreatedBy      string `json:"created_by"`
}

// DeadLetter records a routing decision that produced no deliverable
// target. Status transitions are external: an administrative actor marks
// the entry handled.
type DeadLetter struct {
	ID                string          `json:"id"`
	TeamID            string          `json:"team_id"`
	Channel           string          `json:"channel"`
	Payload           json.RawMessage `json:"payload"`
	Reason            string          `json:"reason"`
	Status            string          `json:"status"`
	ReceivedAt        int64           `json:"received_at"`
	HandledBySystemID string          `json:"handled_by_system_id,omitempty"`
}

// Team is an organizational unit in the directory.
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// System is a control role within a team. Identity is the recipient string
// agent messages are addressed to.
type System struct {
	ID       string `json:"id"`
	TeamID   string `json:"team_id"`
	Role     string `json:"role"`
	Identity string `json:"identity"`
}
