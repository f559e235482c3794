package types

import (
	"fmt"
	"sort"
	"strings"
)

// Tag prefixes and node markers. Tags carry typed metadata on issues;
// ParseNodeMeta turns them into validated enums exactly once so that
// multiplicity violations surface at the boundary, not deep in routing.
const (
	TagNodeAgent   = "node:agent"
	TagNodeControl = "node:control"
	TagNodeRoot    = "node:root"

	TagAtomic = "granularity:atomic"

	RoleTagPrefix   = "role:"
	TeamTagPrefix   = "team:"
	ReasonTagPrefix = "reason:"
	cfTagPrefix     = "cf:"
)

// Prune reason tags applied during control-flow reconciliation.
const (
	ReasonUpstreamFailure = "reason:upstream_failure"
	ReasonPruned          = "reason:pruned"
)

// ControlFlowMode is the aggregation semantics of a control node.
type ControlFlowMode string

// Control-flow mode constants
const (
	CFSequence ControlFlowMode = "sequence"
	CFFallback ControlFlowMode = "fallback"
	CFParallel ControlFlowMode = "parallel"
)

// IsValid checks if the control-flow mode is valid.
func (m ControlFlowMode) IsValid() bool {
	switch m {
	case CFSequence, CFFallback, CFParallel:
		return true
	}
	return false
}

// Tag returns the cf:* tag for the mode.
func (m ControlFlowMode) Tag() string {
	return cfTagPrefix + string(m)
}

// Ordered reports whether the mode requires a blocks-chain ordering of its
// children (sequence and fallback do; parallel does not).
func (m ControlFlowMode) Ordered() bool {
	return m == CFSequence || m == CFFallback
}

// NodeMeta is the typed view of an issue's semantic tags.
type NodeMeta struct {
	Agent       bool
	Control     bool
	Root        bool
	Atomic      bool
	ControlFlow ControlFlowMode // empty unless exactly one cf:* tag present
	Role        string          // empty unless exactly one role:* tag present
	Team        string          // empty unless exactly one team:* tag present
}

// ParseNodeMeta extracts typed metadata from an issue's tags. Multiplicity
// violations (more than one cf:*, role:*, or team:* tag) are rejected here.
func ParseNodeMeta(tags []string) (NodeMeta, error) {
	var meta NodeMeta
	var cfTags, roleTags, teamTags []string
	for _, raw := range tags {
		tag := strings.TrimSpace(raw)
		switch {
		case tag == TagNodeAgent:
			meta.Agent = true
		case tag == TagNodeControl:
			meta.Control = true
		case tag == TagNodeRoot:
			meta.Root = true
		case tag == TagAtomic:
			meta.Atomic = true
		case strings.HasPrefix(tag, cfTagPrefix):
			cfTags = append(cfTags, tag)
		case strings.HasPrefix(tag, RoleTagPrefix):
			if name := strings.TrimSpace(tag[len(RoleTagPrefix):]); name != "" {
				roleTags = append(roleTags, name)
			}
		case strings.HasPrefix(tag, TeamTagPrefix):
			if name := strings.TrimSpace(tag[len(TeamTagPrefix):]); name != "" {
				teamTags = append(teamTags, name)
			}
		}
	}

	if len(cfTags) > 1 {
		return meta, fmt.Errorf("multiple control-flow tags: %s", strings.Join(cfTags, ", "))
	}
	if len(cfTags) == 1 {
		mode := ControlFlowMode(strings.TrimPrefix(cfTags[0], cfTagPrefix))
		if !mode.IsValid() {
			return meta, fmt.Errorf("invalid control-flow tag: %s", cfTags[0])
		}
		meta.ControlFlow = mode
	}
	if len(roleTags) > 1 {
		return meta, fmt.Errorf("multiple role:* tags: %s", strings.Join(roleTags, ", "))
	}
	if len(roleTags) == 1 {
		meta.Role = roleTags[0]
	}
	if len(teamTags) > 1 {
		return meta, fmt.Errorf("multiple team:* tags: %s", strings.Join(teamTags, ", "))
	}
	if len(teamTags) == 1 {
		meta.Team = teamTags[0]
	}
	return meta, nil
}

// ControlFlowOf returns the control-flow mode encoded in tags without
// strict multiplicity checking: zero or multiple cf:* tags yield "".
func ControlFlowOf(tags []string) ControlFlowMode {
	var found ControlFlowMode
	n := 0
	for _, raw := range tags {
		tag := strings.TrimSpace(raw)
		if !strings.HasPrefix(tag, cfTagPrefix) {
			continue
		}
		mode := ControlFlowMode(strings.TrimPrefix(tag, cfTagPrefix))
		if !mode.IsValid() {
			continue
		}
		found = mode
		n++
	}
	if n != 1 {
		return ""
	}
	return found
}

// TeamTags returns the team names encoded in tags, in tag order.
func TeamTags(tags []string) []string {
	var teams []string
	for _, raw := range tags {
		tag := strings.TrimSpace(raw)
		if strings.HasPrefix(tag, TeamTagPrefix) {
			if name := strings.TrimSpace(tag[len(TeamTagPrefix):]); name != "" {
				teams = append(teams, name)
			}
		}
	}
	return teams
}

// NormalizeTags trims, dedupes, and sorts a tag list.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, raw := range tags {
		tag := strings.TrimSpace(raw)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
