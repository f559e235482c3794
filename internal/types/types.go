// Package types defines the core data structures for the dagwork issue DAG.
package types

import (
	"fmt"
	"strings"
)

// Issue is a DAG work-item node; the unit of claim, execution, and closure.
type Issue struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Status    Status   `json:"status"`
	Outcome   Outcome  `json:"outcome,omitempty"`
	Priority  int      `json:"priority"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt int64    `json:"created_at"` // unix millis
	UpdatedAt int64    `json:"updated_at"` // unix millis
}

// HasTag reports whether the issue carries the exact tag.
func (i *Issue) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Terminal reports whether the issue has reached a terminal status.
func (i *Issue) Terminal() bool {
	return i.Status.Terminal()
}

// Validate checks field values for a new or updated issue.
func (i *Issue) Validate() error {
	if strings.TrimSpace(i.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if i.Priority < MinPriority || i.Priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d (got %d)", MinPriority, MaxPriority, i.Priority)
	}
	if i.Outcome != "" {
		if !i.Outcome.IsValid() {
			return fmt.Errorf("invalid outcome: %s", i.Outcome)
		}
		if !i.Status.Terminal() {
			return fmt.Errorf("outcome can only be set for terminal statuses (closed, duplicate)")
		}
	}
	return nil
}

// Priority bounds. 1 is most urgent.
const (
	MinPriority = 1
	MaxPriority = 5
)

// Status is the lifecycle state of an issue.
type Status string

// Issue status constants
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusClosed     Status = "closed"
	StatusDuplicate  Status = "duplicate"
)

// IsValid checks if the status value is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusPaused, StatusClosed, StatusDuplicate:
		return true
	}
	return false
}

// Terminal reports whether the status is closed or duplicate. Only terminal
// issues may carry an outcome.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusDuplicate
}

// ParseStatus normalizes and validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid status: %s", raw)
	}
	return s, nil
}

// Outcome records how a terminal issue ended.
type Outcome string

// Issue outcome constants
const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeExpanded Outcome = "expanded"
	OutcomeSkipped  Outcome = "skipped"
)

// IsValid checks if the outcome value is valid.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeExpanded, OutcomeSkipped:
		return true
	}
	return false
}

// Final reports whether the outcome is a settled result. "expanded" is
// terminal for the issue itself but non-final: its descendants carry the
// remaining work.
func (o Outcome) Final() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeSkipped:
		return true
	}
	return false
}

// ParseOutcome normalizes and validates an outcome string.
func ParseOutcome(raw string) (Outcome, error) {
	o := Outcome(strings.ToLower(strings.TrimSpace(raw)))
	if !o.IsValid() {
		return "", fmt.Errorf("invalid outcome: %s", raw)
	}
	return o, nil
}

// RootFinalOutcomes are the outcomes that terminate a whole run at the root.
var RootFinalOutcomes = []Outcome{OutcomeSuccess, OutcomeFailure}

// Relation categorizes a dependency edge.
type Relation string

// Relation constants. "parent" edges run child→parent and form the
// hierarchy; "blocks" edges order siblings; "related" is informational.
const (
	RelBlocks  Relation = "blocks"
	RelParent  Relation = "parent"
	RelRelated Relation = "related"
)

// IsValid checks if the relation value is valid.
func (r Relation) IsValid() bool {
	switch r {
	case RelBlocks, RelParent, RelRelated:
		return true
	}
	return false
}

// ParseRelation normalizes a relation string, resolving the API-level
// aliases blocked_by and child by swapping endpoints (swapped=true).
func ParseRelation(raw string) (rel Relation, swapped bool, err error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "blocked_by":
		return RelBlocks, true, nil
	case "child":
		return RelParent, true, nil
	}
	r := Relation(strings.ToLower(strings.TrimSpace(raw)))
	if !r.IsValid() {
		return "", false, fmt.Errorf("invalid relation type: %s", raw)
	}
	return r, false, nil
}

// Dependency is a directed edge between issues, unique per
// (src, relation, dst) triple.
type Dependency struct {
	SrcID     string   `json:"src_id"`
	Relation  Relation `json:"type"`
	DstID     string   `json:"dst_id"`
	CreatedAt int64    `json:"created_at"`
}

// DependencyView is a dependency seen from one issue's perspective, with
// endpoint statuses and the computed active flag.
type DependencyView struct {
	Dependency
	SrcStatus Status `json:"src_status"`
	DstStatus Status `json:"dst_status"`
	Active    bool   `json:"active"`
	Direction string `json:"direction"` // "out" when src is the queried issue
}

// Comment is an append-only note on an issue.
type Comment struct {
	ID        int64  `json:"id"`
	IssueID   string `json:"issue_id"`
	Body      string `json:"body"`
	Author    string `json:"author,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// ListFilter narrows List queries.
type ListFilter struct {
	Status Status // empty = any
	Tag    string // empty = any
	Search string // substring over id/title/body
	Limit  int
}

// WorkFilter narrows Ready/Resumable/Claim queries.
type WorkFilter struct {
	RootID string   // scope to the root's parent-reachable subtree
	Tags   []string // issue must carry ALL of these
	Limit  int
}

// TeamResolution explains where an issue's team assignment came from.
type TeamResolution struct {
	IssueID       string   `json:"issue_id"`
	Team          string   `json:"team"`
	Source        string   `json:"source"` // issue_tag | ancestor_tag | default_team
	SourceIssueID string   `json:"source_issue_id,omitempty"`
	SourceTag     string   `json:"source_tag,omitempty"`
	Depth         int      `json:"depth"`
	Lineage       []string `json:"lineage,omitempty"`
}

// ClaimResult reports a claim attempt. Claimed=false is the expected
// lost-race result, not an error.
type ClaimResult struct {
	ID        string `json:"id"`
	Claimed   bool   `json:"claimed"`
	Mode      string `json:"mode,omitempty"` // claim | resume
	ClaimedAt int64  `json:"claimed_at,omitempty"`
	Issue     *Issue `json:"issue,omitempty"`
}
