// Package controlflow aggregates child outcomes into parent outcomes.
//
// Evaluation is pure: it looks at a control node's children and either
// produces a decision (an outcome for the parent plus the set of children
// made moot by it) or declines because the children have not settled.
// Reconciliation applies decisions to the store, bottom-up.
package controlflow

import (
	"fmt"
	"sort"

	"github.com/dagwork/dagwork/internal/types"
)

// Child is a control node's child as evaluation sees it.
type Child struct {
	ID        string
	Status    types.Status
	Outcome   types.Outcome
	Priority  int
	UpdatedAt int64
}

// settled reports a final outcome: terminal status with success, failure,
// or skipped. Expanded children count as unsettled; their own subtree
// rewrites the outcome before the parent can aggregate it.
func (c Child) settled() bool {
	return c.Status.Terminal() && c.Outcome.Final()
}

// Decision is the result of evaluating a control node.
type Decision struct {
	Outcome   types.Outcome
	DecidedBy string   // child that forced the decision, "" for aggregate
	Prune     []string // open children made moot by the decision
	PruneTag  string   // reason tag to apply to pruned children
}

// Evaluate aggregates ordered children under the given mode. A nil
// decision means the node is not yet evaluable. Children must already be
// in execution order for sequence and fallback (see OrderChildren); order
// is irrelevant for parallel.
//
// Sequence and fallback can decide early: a failed step decides a
// sequence and a succeeded alternative decides a fallback even while
// other children are still open, and those children are pruned.
func Evaluate(mode types.ControlFlowMode, children []Child) (*Decision, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("invalid control-flow mode: %q", mode)
	}
	if len(children) == 0 {
		return nil, nil
	}
	switch mode {
	case types.CFSequence:
		return evalSequence(children), nil
	case types.CFFallback:
		return evalFallback(children), nil
	default:
		return evalParallel(children), nil
	}
}

// evalSequence: the first settled non-success child decides; otherwise
// all children must settle successfully.
func evalSequence(children []Child) *Decision {
	for _, c := range children {
		if c.settled() && c.Outcome != types.OutcomeSuccess {
			return &Decision{
				Outcome:   c.Outcome,
				DecidedBy: c.ID,
				Prune:     openIDs(children),
				PruneTag:  types.ReasonUpstreamFailure,
			}
		}
	}
	if allSettled(children) {
		return &Decision{Outcome: types.OutcomeSuccess}
	}
	return nil
}

// evalFallback: the first succeeding child decides; otherwise every
// alternative must settle, and the last one's outcome stands.
func evalFallback(children []Child) *Decision {
	for _, c := range children {
		if c.settled() && c.Outcome == types.OutcomeSuccess {
			return &Decision{
				Outcome:   types.OutcomeSuccess,
				DecidedBy: c.ID,
				Prune:     openIDs(children),
				PruneTag:  types.ReasonPruned,
			}
		}
	}
	if allSettled(children) {
		return &Decision{Outcome: children[len(children)-1].Outcome, DecidedBy: children[len(children)-1].ID}
	}
	return nil
}

// evalParallel: every child settles, then majority vote. Ties prefer
// success, then failure, then skipped.
func evalParallel(children []Child) *Decision {
	if !allSettled(children) {
		return nil
	}
	counts := make(map[types.Outcome]int)
	for _, c := range children {
		counts[c.Outcome]++
	}
	// Visiting outcomes in tie-break order with a strict > keeps the
	// preferred outcome on equal counts.
	var best types.Outcome
	bestCount := -1
	for _, o := range []types.Outcome{types.OutcomeSuccess, types.OutcomeFailure, types.OutcomeSkipped} {
		if counts[o] > bestCount {
			best, bestCount = o, counts[o]
		}
	}
	return &Decision{Outcome: best}
}

func allSettled(children []Child) bool {
	for _, c := range children {
		if !c.settled() {
			return false
		}
	}
	return true
}

func openIDs(children []Child) []string {
	var ids []string
	for _, c := range children {
		if c.Status == types.StatusOpen {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// OrderChildren sorts children into execution order for sequence and
// fallback nodes: a topological walk of the sibling blocks chain, with
// priority, recency, and id breaking ties between unchained nodes. Blocks
// cycles leave their members unordered at the tail; the validator reports
// them.
func OrderChildren(children []Child, blocks []types.Dependency) []Child {
	index := make(map[string]int, len(children))
	for i, c := range children {
		index[c.ID] = i
	}
	indegree := make(map[string]int, len(children))
	next := make(map[string][]string, len(children))
	for _, b := range blocks {
		if _, okSrc := index[b.SrcID]; !okSrc {
			continue
		}
		if _, okDst := index[b.DstID]; !okDst {
			continue
		}
		next[b.SrcID] = append(next[b.SrcID], b.DstID)
		indegree[b.DstID]++
	}

	less := func(a, b Child) bool {
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		return a.ID < b.ID
	}

	var frontier []Child
	for _, c := range children {
		if indegree[c.ID] == 0 {
			frontier = append(frontier, c)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })

	ordered := make([]Child, 0, len(children))
	seen := make(map[string]bool, len(children))
	for len(frontier) > 0 {
		c := frontier[0]
		frontier = frontier[1:]
		ordered = append(ordered, c)
		seen[c.ID] = true
		var released []Child
		for _, id := range next[c.ID] {
			indegree[id]--
			if indegree[id] == 0 {
				released = append(released, children[index[id]])
			}
		}
		sort.Slice(released, func(i, j int) bool { return less(released[i], released[j]) })
		frontier = append(frontier, released...)
	}
	// Anything left sits on a blocks cycle.
	var rest []Child
	for _, c := range children {
		if !seen[c.ID] {
			rest = append(rest, c)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return less(rest[i], rest[j]) })
	return append(ordered, rest...)
}
