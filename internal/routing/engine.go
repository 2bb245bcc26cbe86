package routing

import (
	"encoding/json"
	"log/slog"
	"sort"
)

// Directory is what the resolver needs from persistent storage. *Store
// implements it; tests substitute in-memory fakes.
type Directory interface {
	ActiveRules(teamID string) ([]*Rule, error)
	SystemIdentity(systemID string) (string, bool, error)
	IntelligenceIdentity(teamID string) (string, bool, error)
	HasRecursionLink(parentTeamID, subTeamID string) (bool, error)
	RecordDeadLetter(dl *DeadLetter) error
}

// Resolver maps an inbound message's (channel, metadata) to recipient
// identities using a team's active rules and recursion links.
//
// Resolution never fails on missing data: unknown systems and unlinked
// team targets are skipped, and a resolution yielding nothing records a
// routing dead letter and falls back to the team's intelligence-role
// identity. Only storage errors surface to the caller.
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver over the given directory.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// ResolveTargets resolves the destination identities for a message on the
// given team and channel. Matched rules are considered in priority-desc,
// id-asc order and all their targets are unioned into the result.
func (r *Resolver) ResolveTargets(teamID, channel string, metadata map[string]string) ([]string, error) {
	visited := make(map[string]bool)
	return r.resolve(teamID, channel, metadata, visited)
}

// resolve carries a visited set so a malformed recursion-link cycle cannot
// recurse forever.
func (r *Resolver) resolve(teamID, channel string, metadata map[string]string, visited map[string]bool) ([]string, error) {
	if visited[teamID] {
		slog.Warn("Routing recursion cycle detected", "team_id", teamID, "channel", channel)
		return nil, nil
	}
	visited[teamID] = true

	rules, err := r.dir.ActiveRules(teamID)
	if err != nil {
		return nil, err
	}

	var matched []*Rule
	for _, rule := range rules {
		if ruleMatches(rule, channel, metadata) {
			matched = append(matched, rule)
		}
	}
	sortRules(matched)

	if len(matched) == 0 {
		return r.fallback(teamID, channel, metadata, ReasonNoRoute)
	}

	var (
		targets   []string
		seen      = make(map[string]bool)
		ruleNames = make([]string, 0, len(matched))
	)
	for _, rule := range matched {
		ruleNames = append(ruleNames, rule.Name)
		for _, t := range rule.Targets {
			switch {
			case t.SystemID != "":
				identity, ok, err := r.dir.SystemIdentity(t.SystemID)
				if err != nil {
					return nil, err
				}
				if !ok {
					slog.Debug("Routing target skipped: unknown system", "team_id", teamID, "rule", rule.Name, "system_id", t.SystemID)
					continue
				}
				if !seen[identity] {
					seen[identity] = true
					targets = append(targets, identity)
				}
			case t.TeamID != "":
				linked, err := r.dir.HasRecursionLink(teamID, t.TeamID)
				if err != nil {
					return nil, err
				}
				if !linked {
					slog.Debug("Routing target skipped: unlinked team", "team_id", teamID, "rule", rule.Name, "target_team", t.TeamID)
					continue
				}
				sub, err := r.resolve(t.TeamID, channel, metadata, visited)
				if err != nil {
					return nil, err
				}
				for _, identity := range sub {
					if !seen[identity] {
						seen[identity] = true
						targets = append(targets, identity)
					}
				}
			}
		}
	}

	if len(targets) == 0 {
		return r.fallback(teamID, channel, metadata, ReasonNoTarget)
	}

	slog.Info("Routing resolved",
		"team_id", teamID,
		"channel", channel,
		"matched_rules", ruleNames,
		"targets", targets,
	)
	return targets, nil
}

// fallback records a routing dead letter and degrades to the team's
// intelligence-role identity. When that role does not exist either, the
// result is empty; the dead letter remains the observable outcome.
func (r *Resolver) fallback(teamID, channel string, metadata map[string]string, reason string) ([]string, error) {
	payload, _ := json.Marshal(map[string]any{
		"channel":  channel,
		"metadata": metadata,
	})
	dl := &DeadLetter{
		TeamID:  teamID,
		Channel: channel,
		Payload: payload,
		Reason:  reason,
	}
	if err := r.dir.RecordDeadLetter(dl); err != nil {
		return nil, err
	}

	identity, ok, err := r.dir.IntelligenceIdentity(teamID)
	if err != nil {
		return nil, err
	}
	if !ok {
		slog.Warn("Routing dead-lettered with no fallback",
			"team_id", teamID, "channel", channel, "reason", reason, "dead_letter_id", dl.ID)
		return nil, nil
	}

	slog.Warn("Routing dead-lettered, falling back to intelligence role",
		"team_id", teamID, "channel", channel, "reason", reason, "fallback", identity, "dead_letter_id", dl.ID)
	return []string{identity}, nil
}

// ruleMatches applies exact-equality matching: the rule channel must equal
// the message channel or be the wildcard, and every filter entry must match
// the metadata. The "channel" filter key is compared against the channel
// argument itself.
func ruleMatches(rule *Rule, channel string, metadata map[string]string) bool {
	if rule.Channel != WildcardChannel && rule.Channel != channel {
		return false
	}
	for key, want := range rule.Filters {
		if key == ChannelFilterKey {
			if channel != want {
				return false
			}
			continue
		}
		if metadata[key] != want {
			return false
		}
	}
	return true
}

// sortRules orders by priority descending, ties by ascending id.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
