// Package dag validates issue-DAG structure and decides run termination.
//
// Validation is read-only and root-scoped: every check runs over one
// subtree snapshot, so validating a tree costs a constant number of
// queries regardless of its size.
package dag

import (
	"context"
	"fmt"
	"sort"

	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/types"
)

// Error and warning codes.
const (
	CodeParentCycle            = "parent_cycle"
	CodeOrphanNode             = "orphan_node"
	CodeControlInvalidCFTags   = "node_control_invalid_cf_tags"
	CodeAgentHasCFTag          = "node_agent_has_cf_tag"
	CodeNodeTypeConflict       = "node_type_conflict"
	CodeTerminalMissingOutcome = "terminal_node_missing_outcome"
	CodeBlocksNotSiblings      = "blocks_not_siblings"
	CodeOrphanedExpanded       = "orphaned_expanded_node"
	CodeTeamAmbiguous          = "team_ambiguous"
)

// Check names. A check passes when no error with one of its codes exists.
const (
	CheckParentAcyclic       = "parent_acyclic"
	CheckTerminalOutcomes    = "terminal_outcomes"
	CheckBlocksSiblingWiring = "blocks_sibling_wiring"
	CheckNodeTyping          = "node_typing"
	CheckOrphanNodes         = "orphan_nodes"
)

var checkCodes = map[string][]string{
	CheckParentAcyclic:       {CodeParentCycle},
	CheckTerminalOutcomes:    {CodeTerminalMissingOutcome},
	CheckBlocksSiblingWiring: {CodeBlocksNotSiblings},
	CheckNodeTyping:          {CodeControlInvalidCFTags, CodeAgentHasCFTag, CodeNodeTypeConflict},
	CheckOrphanNodes:         {CodeOrphanNode, CodeOrphanedExpanded},
}

// Problem is one validation finding.
type Problem struct {
	Code   string `json:"code"`
	NodeID string `json:"node_id,omitempty"`
	Detail string `json:"detail"`
}

// Report is the result of validating a root's subtree.
type Report struct {
	RootID   string          `json:"root_id"`
	Checks   map[string]bool `json:"checks"`
	Errors   []Problem       `json:"errors,omitempty"`
	Warnings []Problem       `json:"warnings,omitempty"`
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	return len(r.Errors) == 0
}

// Termination reasons.
const (
	ReasonRootFinalOutcome        = "root_final_outcome"
	ReasonRootNotTerminal         = "root_not_terminal"
	ReasonExpandedNonFinal        = "expanded_non_final"
	ReasonRootTerminalNonFinal    = "root_terminal_non_final_outcome"
	ReasonRootFinalHasDescendants = "root_final_outcome_has_active_descendants"
)

// Termination says whether a run over the root is complete, and why not.
type Termination struct {
	IsFinal     bool          `json:"is_final"`
	Reason      string        `json:"reason"`
	RootStatus  types.Status  `json:"root_status"`
	RootOutcome types.Outcome `json:"root_outcome,omitempty"`
}

// SubtreeReport extends the structural report with run-level findings.
type SubtreeReport struct {
	Report
	Termination      Termination `json:"termination"`
	OrphanedExpanded []string    `json:"orphaned_expanded_nodes,omitempty"`
}

// Validator checks DAG structure against a store.
type Validator struct {
	store storage.Store
}

// New returns a validator over the store.
func New(store storage.Store) *Validator {
	return &Validator{store: store}
}

// ValidateDAG runs the structural checks over the root's subtree.
func (v *Validator) ValidateDAG(ctx context.Context, rootID string) (*Report, error) {
	snap, err := v.store.Subtree(ctx, rootID)
	if err != nil {
		return nil, err
	}
	report := &Report{RootID: snap.RootID, Checks: make(map[string]bool)}
	v.checkStructure(snap, report)
	finishChecks(report)
	return report, nil
}

// ValidateSubtree runs the structural checks plus termination analysis,
// orphaned-expanded detection, and team-ambiguity warnings, all from the
// same snapshot.
func (v *Validator) ValidateSubtree(ctx context.Context, rootID string) (*SubtreeReport, error) {
	snap, err := v.store.Subtree(ctx, rootID)
	if err != nil {
		return nil, err
	}
	report := &SubtreeReport{Report: Report{RootID: snap.RootID, Checks: make(map[string]bool)}}
	v.checkStructure(snap, &report.Report)

	// Activity flows bottom-up: a node is active when non-terminal, or
	// when any descendant still is. Nodes come deepest first, so every
	// child is resolved before its parents.
	activeOrDesc := make(map[string]bool, len(snap.Nodes))
	for _, n := range snap.Nodes {
		active := !n.Status.Terminal()
		for _, child := range snap.Children[n.ID] {
			if activeOrDesc[child] {
				active = true
				break
			}
		}
		activeOrDesc[n.ID] = active
	}
	hasActiveDescendant := func(id string) bool {
		for _, child := range snap.Children[id] {
			if activeOrDesc[child] {
				return true
			}
		}
		return false
	}

	for _, n := range snap.Nodes {
		if n.Status.Terminal() && n.Outcome == types.OutcomeExpanded && !hasActiveDescendant(n.ID) {
			report.OrphanedExpanded = append(report.OrphanedExpanded, n.ID)
			report.Errors = append(report.Errors, Problem{
				Code:   CodeOrphanedExpanded,
				NodeID: n.ID,
				Detail: "outcome is expanded but no active descendants remain",
			})
		}
		if teams := types.TeamTags(n.Tags); len(teams) > 1 {
			report.Warnings = append(report.Warnings, Problem{
				Code:   CodeTeamAmbiguous,
				NodeID: n.ID,
				Detail: fmt.Sprintf("%d team tags: %v", len(teams), teams),
			})
		}
	}
	sort.Strings(report.OrphanedExpanded)

	report.Termination = terminate(snap)
	finishChecks(&report.Report)
	return report, nil
}

// checkStructure appends structural errors found in the snapshot.
func (v *Validator) checkStructure(snap *storage.SubtreeSnapshot, report *Report) {
	inScope := make(map[string]bool, len(snap.Nodes))
	for _, n := range snap.Nodes {
		inScope[n.ID] = true
	}

	for _, cycle := range parentCycles(snap) {
		report.Errors = append(report.Errors, Problem{
			Code:   CodeParentCycle,
			NodeID: cycle[0],
			Detail: fmt.Sprintf("parent cycle: %v", cycle),
		})
	}

	for _, n := range snap.Nodes {
		meta := nodeTyping(n.Tags)
		switch {
		case meta.agent && meta.control:
			report.Errors = append(report.Errors, Problem{
				Code: CodeNodeTypeConflict, NodeID: n.ID,
				Detail: "tagged both node:agent and node:control",
			})
		case meta.control && meta.cfCount != 1:
			report.Errors = append(report.Errors, Problem{
				Code: CodeControlInvalidCFTags, NodeID: n.ID,
				Detail: fmt.Sprintf("control node needs exactly one cf tag, has %d", meta.cfCount),
			})
		case meta.agent && meta.cfCount > 0:
			report.Errors = append(report.Errors, Problem{
				Code: CodeAgentHasCFTag, NodeID: n.ID,
				Detail: "agent node carries a control-flow tag",
			})
		}
		if n.Status.Terminal() && n.Outcome == "" {
			report.Errors = append(report.Errors, Problem{
				Code: CodeTerminalMissingOutcome, NodeID: n.ID,
				Detail: fmt.Sprintf("status %s without an outcome", n.Status),
			})
		}
		if n.ID != snap.RootID && len(snap.Parents[n.ID]) == 0 {
			report.Errors = append(report.Errors, Problem{
				Code: CodeOrphanNode, NodeID: n.ID,
				Detail: "in subtree but no in-scope parent",
			})
		}
	}

	for _, b := range snap.Blocks {
		if !inScope[b.SrcID] || !inScope[b.DstID] {
			report.Errors = append(report.Errors, Problem{
				Code: CodeBlocksNotSiblings, NodeID: b.DstID,
				Detail: fmt.Sprintf("blocks edge %s -> %s crosses the subtree boundary", b.SrcID, b.DstID),
			})
			continue
		}
		if !shareParent(snap, b.SrcID, b.DstID) {
			report.Errors = append(report.Errors, Problem{
				Code: CodeBlocksNotSiblings, NodeID: b.DstID,
				Detail: fmt.Sprintf("blocks edge %s -> %s joins non-siblings", b.SrcID, b.DstID),
			})
		}
	}
}

// terminate derives the run-termination verdict from the snapshot.
func terminate(snap *storage.SubtreeSnapshot) Termination {
	var root storage.NodeState
	for _, n := range snap.Nodes {
		if n.ID == snap.RootID {
			root = n
			break
		}
	}
	t := Termination{RootStatus: root.Status, RootOutcome: root.Outcome}
	switch {
	case !root.Status.Terminal():
		t.Reason = ReasonRootNotTerminal
	case root.Outcome == types.OutcomeExpanded:
		t.Reason = ReasonExpandedNonFinal
	case root.Outcome != types.OutcomeSuccess && root.Outcome != types.OutcomeFailure:
		t.Reason = ReasonRootTerminalNonFinal
	default:
		for _, n := range snap.Nodes {
			if n.ID != snap.RootID && !n.Status.Terminal() {
				t.Reason = ReasonRootFinalHasDescendants
				return t
			}
		}
		t.IsFinal = true
		t.Reason = ReasonRootFinalOutcome
	}
	return t
}

// finishChecks fills the pass/fail map from accumulated errors.
func finishChecks(report *Report) {
	failed := make(map[string]bool, len(report.Errors))
	for _, p := range report.Errors {
		failed[p.Code] = true
	}
	for check, codes := range checkCodes {
		pass := true
		for _, code := range codes {
			if failed[code] {
				pass = false
			}
		}
		report.Checks[check] = pass
	}
}

type typing struct {
	agent, control bool
	cfCount        int
}

func nodeTyping(tags []string) typing {
	var t typing
	for _, tag := range tags {
		switch {
		case tag == types.TagNodeAgent:
			t.agent = true
		case tag == types.TagNodeControl:
			t.control = true
		case len(tag) > 3 && tag[:3] == "cf:":
			t.cfCount++
		}
	}
	return t
}

// parentCycles finds cycles in the in-scope parent adjacency with a
// three-color depth-first walk.
func parentCycles(snap *storage.SubtreeSnapshot) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(snap.Nodes))
	var cycles [][]string

	var visit func(id string, path []string)
	visit = func(id string, path []string) {
		color[id] = gray
		path = append(path, id)
		for _, parent := range snap.Parents[id] {
			switch color[parent] {
			case white:
				visit(parent, path)
			case gray:
				// Slice the cycle out of the current path.
				for i, p := range path {
					if p == parent {
						cycle := append([]string{}, path[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		color[id] = black
	}
	for _, n := range snap.Nodes {
		if color[n.ID] == white {
			visit(n.ID, nil)
		}
	}
	return cycles
}

func shareParent(snap *storage.SubtreeSnapshot, a, b string) bool {
	parents := make(map[string]bool, len(snap.Parents[a]))
	for _, p := range snap.Parents[a] {
		parents[p] = true
	}
	for _, p := range snap.Parents[b] {
		if parents[p] {
			return true
		}
	}
	// Top-level nodes with no in-scope parent count as siblings.
	return len(snap.Parents[a]) == 0 && len(snap.Parents[b]) == 0
}
