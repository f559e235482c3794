package controlflow

import (
	"context"
	"fmt"
	"log"

	"github.com/dagwork/dagwork/internal/events"
	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/telemetry"
	"github.com/dagwork/dagwork/internal/types"
)

// Reconciler applies control-flow decisions to the store: closing decided
// control nodes, pruning children made moot, and announcing each closure.
type Reconciler struct {
	store storage.Store
	sink  events.Sink
	log   *log.Logger
}

// NewReconciler builds a reconciler. A nil sink discards events.
func NewReconciler(store storage.Store, sink events.Sink, logger *log.Logger) *Reconciler {
	if sink == nil {
		sink = events.Discard{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "reconcile: ", log.LstdFlags)
	}
	return &Reconciler{store: store, sink: sink, log: logger}
}

// NodeClosure records one control node closed by reconciliation.
type NodeClosure struct {
	ID        string                `json:"id"`
	Mode      types.ControlFlowMode `json:"mode"`
	Outcome   types.Outcome         `json:"outcome"`
	DecidedBy string                `json:"decided_by,omitempty"`
	Pruned    []string              `json:"pruned,omitempty"`
}

// Report summarizes one reconciliation pass. Closed nodes are listed in
// the order they were closed (children before parents).
type Report struct {
	RootID string        `json:"root_id"`
	Closed []NodeClosure `json:"closed,omitempty"`
}

// PrunedCount returns the total number of pruned children in the pass.
func (r *Report) PrunedCount() int {
	n := 0
	for _, c := range r.Closed {
		n += len(c.Pruned)
	}
	return n
}

// isControl reports whether tags mark a control node: node:control plus
// exactly one cf:* tag.
func isControl(tags []string) (types.ControlFlowMode, bool) {
	mode := types.ControlFlowOf(tags)
	if mode == "" {
		return "", false
	}
	for _, tag := range tags {
		if tag == types.TagNodeControl {
			return mode, true
		}
	}
	return "", false
}

// Evaluation is one control node's aggregate view, computed in place
// without mutating anything.
type Evaluation struct {
	IssueID       string                `json:"id"`
	ControlFlow   types.ControlFlowMode `json:"control_flow"`
	Outcome       types.Outcome         `json:"outcome"`
	ChildCount    int                   `json:"child_count"`
	OutcomeCounts map[string]int        `json:"outcome_counts"`
}

// EvaluateNode evaluates a single control node against its current
// children. It returns nil when the node is not yet evaluable, and
// storage.ErrInvalidArgument when the target is not a control node.
func (r *Reconciler) EvaluateNode(ctx context.Context, id string) (*Evaluation, error) {
	node, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mode, ok := isControl(node.Tags)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a control-flow node", storage.ErrInvalidArgument, node.ID)
	}
	states, err := r.store.ControlChildren(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	var children []Child
	for _, st := range states {
		children = append(children, Child{ID: st.ID, Status: st.Status, Outcome: st.Outcome, Priority: st.Priority, UpdatedAt: st.UpdatedAt})
	}
	if mode.Ordered() {
		blocks, err := r.store.SiblingBlocks(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		children = OrderChildren(children, blocks)
	}
	decision, err := Evaluate(mode, children)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", node.ID, err)
	}
	if decision == nil {
		return nil, nil
	}
	counts := make(map[string]int, 4)
	for _, c := range children {
		key := string(c.Outcome)
		if key == "" {
			key = "unset"
		}
		counts[key]++
	}
	return &Evaluation{
		IssueID:       node.ID,
		ControlFlow:   mode,
		Outcome:       decision.Outcome,
		ChildCount:    len(children),
		OutcomeCounts: counts,
	}, nil
}

// ReconcileSubtree evaluates every control node under root, deepest
// first, in one pass over a single subtree snapshot. Closures made low in
// the tree feed the evaluation of their ancestors within the same pass.
func (r *Reconciler) ReconcileSubtree(ctx context.Context, rootID, runTopic string) (*Report, error) {
	snap, err := r.store.Subtree(ctx, rootID)
	if err != nil {
		return nil, err
	}

	// Overlay tracks closures applied during this pass so parents see
	// fresh child state without re-querying.
	overlay := make(map[string]storage.NodeState, len(snap.Nodes))
	for _, n := range snap.Nodes {
		overlay[n.ID] = n
	}

	siblingBlocks := func(parent string) []types.Dependency {
		kids := make(map[string]bool)
		for _, id := range snap.Children[parent] {
			kids[id] = true
		}
		var out []types.Dependency
		for _, b := range snap.Blocks {
			if kids[b.SrcID] && kids[b.DstID] {
				out = append(out, b)
			}
		}
		return out
	}

	report := &Report{RootID: snap.RootID}
	for _, node := range snap.Nodes { // deepest first
		mode, ok := isControl(node.Tags)
		if !ok {
			continue
		}
		current := overlay[node.ID]
		if current.Status.Terminal() && current.Outcome.Final() {
			continue
		}
		var children []Child
		for _, id := range snap.Children[node.ID] {
			st := overlay[id]
			children = append(children, Child{ID: st.ID, Status: st.Status, Outcome: st.Outcome})
		}
		if mode.Ordered() {
			children = OrderChildren(children, siblingBlocks(node.ID))
		}
		decision, err := Evaluate(mode, children)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", node.ID, err)
		}
		if decision == nil {
			continue
		}
		closure, err := r.apply(ctx, node.ID, mode, decision, snap.RootID, runTopic)
		if err != nil {
			return nil, err
		}
		report.Closed = append(report.Closed, *closure)
		overlay[node.ID] = storage.NodeState{ID: node.ID, Status: types.StatusClosed, Outcome: decision.Outcome, Tags: node.Tags, Depth: node.Depth}
		for _, pruned := range decision.Prune {
			st := overlay[pruned]
			overlay[pruned] = storage.NodeState{ID: pruned, Status: types.StatusDuplicate, Outcome: types.OutcomeSkipped, Tags: st.Tags, Depth: st.Depth}
		}
	}
	return report, nil
}

// ReconcileAncestors walks from the changed issue up its parent chain,
// evaluating each control ancestor against fresh child reads. It reaches
// the same fixpoint as ReconcileSubtree for changes confined to that
// chain, touching only chain-adjacent rows.
func (r *Reconciler) ReconcileAncestors(ctx context.Context, issueID, runTopic string) (*Report, error) {
	chain, err := r.store.AncestorChain(ctx, issueID)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	if len(chain) > 0 {
		report.RootID = chain[len(chain)-1].ID
	}
	for _, link := range chain {
		if link.Depth == 0 {
			continue
		}
		mode, ok := isControl(link.Tags)
		if !ok {
			continue
		}
		node, err := r.store.Get(ctx, link.ID)
		if err != nil {
			return nil, err
		}
		if node.Status.Terminal() && node.Outcome.Final() {
			continue
		}
		states, err := r.store.ControlChildren(ctx, link.ID)
		if err != nil {
			return nil, err
		}
		var children []Child
		for _, st := range states {
			children = append(children, Child{ID: st.ID, Status: st.Status, Outcome: st.Outcome, Priority: st.Priority, UpdatedAt: st.UpdatedAt})
		}
		if mode.Ordered() {
			blocks, err := r.store.SiblingBlocks(ctx, link.ID)
			if err != nil {
				return nil, err
			}
			children = OrderChildren(children, blocks)
		}
		decision, err := Evaluate(mode, children)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", link.ID, err)
		}
		if decision == nil {
			// Nothing changed here, so nothing above can change either.
			break
		}
		closure, err := r.apply(ctx, link.ID, mode, decision, report.RootID, runTopic)
		if err != nil {
			return nil, err
		}
		report.Closed = append(report.Closed, *closure)
	}
	return report, nil
}

// apply closes the decided node, prunes moot children, and posts the
// node.reconcile event.
func (r *Reconciler) apply(ctx context.Context, id string, mode types.ControlFlowMode, d *Decision, rootID, runTopic string) (*NodeClosure, error) {
	for _, pruned := range d.Prune {
		if _, err := r.store.SetStatus(ctx, pruned, types.StatusDuplicate, types.OutcomeSkipped, true); err != nil {
			return nil, fmt.Errorf("prune %s: %w", pruned, err)
		}
		if _, err := r.store.AddTag(ctx, pruned, d.PruneTag); err != nil {
			return nil, fmt.Errorf("tag pruned %s: %w", pruned, err)
		}
	}
	if _, err := r.store.SetStatus(ctx, id, types.StatusClosed, d.Outcome, true); err != nil {
		return nil, fmt.Errorf("close %s: %w", id, err)
	}

	fields := map[string]interface{}{
		"root":         rootID,
		"control_flow": string(mode),
		"outcome":      string(d.Outcome),
		"pruned_count": len(d.Prune),
	}
	if d.DecidedBy != "" {
		fields["decided_by"] = d.DecidedBy
	}
	ev, err := events.New(events.KindReconcile, id, fields)
	if err != nil {
		return nil, err
	}
	if err := r.sink.Post(ctx, events.IssueTopic(id), ev); err != nil {
		r.log.Printf("failed to post reconcile event for %s: %v", id, err)
	}
	if runTopic != "" {
		if err := r.sink.Post(ctx, runTopic, ev); err != nil {
			r.log.Printf("failed to post reconcile event to %s: %v", runTopic, err)
		}
	}
	telemetry.RecordReconcile(ctx, string(mode))
	r.log.Printf("closed %s (%s) outcome=%s pruned=%d", id, mode, d.Outcome, len(d.Prune))
	return &NodeClosure{ID: id, Mode: mode, Outcome: d.Outcome, DecidedBy: d.DecidedBy, Pruned: d.Prune}, nil
}
