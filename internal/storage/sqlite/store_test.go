package sqlite

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, title string, priority int, tags ...string) *types.Issue {
	t.Helper()
	issue, err := s.Create(context.Background(), &types.Issue{Title: title, Priority: priority, Tags: tags})
	if err != nil {
		t.Fatalf("failed to create %q: %v", title, err)
	}
	return issue
}

func mustDep(t *testing.T, s *Store, src string, rel types.Relation, dst string) {
	t.Helper()
	if _, err := s.AddDependency(context.Background(), src, rel, dst); err != nil {
		t.Fatalf("failed to add dep %s -%s-> %s: %v", src, rel, dst, err)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	issue := mustCreate(t, s, "implement parser", 2, "node:agent", "granularity:atomic", "node:agent")
	if issue.ID == "" {
		t.Fatal("expected minted id")
	}
	if issue.Status != types.StatusOpen {
		t.Errorf("status = %s, want open", issue.Status)
	}

	got, err := s.Get(ctx, issue.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "implement parser" || got.Priority != 2 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	// Tags come back deduped and sorted.
	if len(got.Tags) != 2 || got.Tags[0] != "granularity:atomic" || got.Tags[1] != "node:agent" {
		t.Errorf("tags = %v", got.Tags)
	}
}

func TestGetNotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Get(context.Background(), "dw-missing1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateValidation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, &types.Issue{Title: "  "}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("empty title: err = %v", err)
	}
	if _, err := s.Create(ctx, &types.Issue{Title: "x", Priority: 9}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("priority 9: err = %v", err)
	}
	if _, err := s.Create(ctx, &types.Issue{Title: "x", Status: types.StatusOpen, Outcome: types.OutcomeSuccess, Priority: 3}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("outcome on open issue: err = %v", err)
	}
}

func TestUpdateOutcomeRequiresTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	issue := mustCreate(t, s, "task", 3)

	outcome := types.OutcomeSuccess
	_, err := s.Update(ctx, issue.ID, storage.UpdateFields{Outcome: &outcome, OutcomeProvided: true})
	if !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("outcome without terminal status: err = %v", err)
	}

	got, err := s.SetStatus(ctx, issue.ID, types.StatusClosed, types.OutcomeSuccess, true)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got.Outcome != types.OutcomeSuccess {
		t.Errorf("outcome = %s", got.Outcome)
	}

	// Reopening clears the stale outcome.
	got, err = s.SetStatus(ctx, issue.ID, types.StatusOpen, "", false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got.Outcome != "" {
		t.Errorf("outcome after reopen = %s, want empty", got.Outcome)
	}
}

func TestTagsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	issue := mustCreate(t, s, "task", 3)

	for i := 0; i < 2; i++ {
		got, err := s.AddTag(ctx, issue.ID, "team:core")
		if err != nil {
			t.Fatalf("add tag: %v", err)
		}
		if len(got.Tags) != 1 {
			t.Fatalf("tags = %v", got.Tags)
		}
	}
	got, err := s.RemoveTag(ctx, issue.ID, "team:core")
	if err != nil {
		t.Fatalf("remove tag: %v", err)
	}
	if len(got.Tags) != 0 {
		t.Errorf("tags after remove = %v", got.Tags)
	}
	if _, err := s.RemoveTag(ctx, issue.ID, "team:core"); err != nil {
		t.Errorf("second remove: %v", err)
	}
}

func TestComments(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	issue := mustCreate(t, s, "task", 3)

	if _, err := s.AddComment(ctx, issue.ID, "first look", "planner"); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if _, err := s.AddComment(ctx, issue.ID, "done", "executor"); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	comments, err := s.ListComments(ctx, issue.ID, 0)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 2 || comments[0].Body != "first look" {
		t.Errorf("comments = %+v", comments)
	}
	if _, err := s.AddComment(ctx, issue.ID, "  ", "x"); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("empty body: err = %v", err)
	}
}

func TestAddDependency(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, "a", 3)
	b := mustCreate(t, s, "b", 3)

	if _, err := s.AddDependency(ctx, a.ID, types.RelBlocks, a.ID); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("self-loop: err = %v", err)
	}
	if _, err := s.AddDependency(ctx, a.ID, types.RelBlocks, "dw-nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing endpoint: err = %v", err)
	}

	first, err := s.AddDependency(ctx, a.ID, types.RelBlocks, b.ID)
	if err != nil {
		t.Fatalf("add dep: %v", err)
	}
	second, err := s.AddDependency(ctx, a.ID, types.RelBlocks, b.ID)
	if err != nil {
		t.Fatalf("duplicate dep: %v", err)
	}
	if first.CreatedAt != second.CreatedAt {
		t.Errorf("duplicate edge not idempotent: %d vs %d", first.CreatedAt, second.CreatedAt)
	}

	views, err := s.Dependencies(ctx, b.ID)
	if err != nil {
		t.Fatalf("dependencies: %v", err)
	}
	if len(views) != 1 || views[0].Direction != "in" || !views[0].Active {
		t.Errorf("views = %+v", views[0])
	}

	if _, err := s.SetStatus(ctx, a.ID, types.StatusClosed, types.OutcomeSuccess, true); err != nil {
		t.Fatalf("close blocker: %v", err)
	}
	views, err = s.Dependencies(ctx, b.ID)
	if err != nil {
		t.Fatalf("dependencies: %v", err)
	}
	if views[0].Active {
		t.Error("blocks edge still active after blocker closed")
	}
}

func TestDependencyActivityPerRelation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	parent := mustCreate(t, s, "parent", 3).ID
	child := mustCreate(t, s, "child", 3).ID
	kin := mustCreate(t, s, "kin", 3).ID
	mustDep(t, s, child, types.RelParent, parent)
	mustDep(t, s, child, types.RelRelated, kin)

	activeFor := func(rel types.Relation) bool {
		t.Helper()
		views, err := s.Dependencies(ctx, child)
		if err != nil {
			t.Fatalf("dependencies: %v", err)
		}
		for _, v := range views {
			if v.Relation == rel {
				return v.Active
			}
		}
		t.Fatalf("no %s edge among %+v", rel, views)
		return false
	}

	// Parent edge tracks the child endpoint, related both endpoints.
	if !activeFor(types.RelParent) || !activeFor(types.RelRelated) {
		t.Error("edges inactive while all endpoints are open")
	}

	if _, err := s.SetStatus(ctx, kin, types.StatusClosed, types.OutcomeSuccess, true); err != nil {
		t.Fatalf("close kin: %v", err)
	}
	if activeFor(types.RelRelated) {
		t.Error("related edge active with a terminal endpoint")
	}
	if !activeFor(types.RelParent) {
		t.Error("parent edge deactivated by an unrelated closure")
	}

	if _, err := s.SetStatus(ctx, child, types.StatusClosed, types.OutcomeSuccess, true); err != nil {
		t.Fatalf("close child: %v", err)
	}
	if activeFor(types.RelParent) {
		t.Error("parent edge still active after the child closed")
	}
}

func TestReadyRespectsBlocksAndChildren(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := mustCreate(t, s, "root", 3, "node:root", "node:control", "cf:sequence")
	first := mustCreate(t, s, "first", 3, "node:agent", "granularity:atomic")
	second := mustCreate(t, s, "second", 3, "node:agent", "granularity:atomic")
	mustDep(t, s, first.ID, types.RelParent, root.ID)
	mustDep(t, s, second.ID, types.RelParent, root.ID)
	mustDep(t, s, first.ID, types.RelBlocks, second.ID)

	ready, err := s.Ready(ctx, types.WorkFilter{RootID: root.ID})
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	// Root has open children, second is blocked by first.
	if len(ready) != 1 || ready[0].ID != first.ID {
		t.Fatalf("ready = %v", issueIDs(ready))
	}

	if _, err := s.SetStatus(ctx, first.ID, types.StatusClosed, types.OutcomeSuccess, true); err != nil {
		t.Fatalf("close first: %v", err)
	}
	ready, err = s.Ready(ctx, types.WorkFilter{RootID: root.ID})
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != second.ID {
		t.Fatalf("ready after close = %v", issueIDs(ready))
	}
}

func TestReadyScopeAndTags(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := mustCreate(t, s, "root", 3, "node:root")
	in := mustCreate(t, s, "in scope", 3, "node:agent")
	mustDep(t, s, in.ID, types.RelParent, root.ID)
	mustCreate(t, s, "outside", 1, "node:agent")

	ready, err := s.Ready(ctx, types.WorkFilter{RootID: root.ID, Tags: []string{"node:agent"}})
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != in.ID {
		t.Fatalf("ready = %v", issueIDs(ready))
	}
}

func TestReadyOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	low := mustCreate(t, s, "low", 4)
	high := mustCreate(t, s, "high", 1)
	mid := mustCreate(t, s, "mid", 2)

	ready, err := s.Ready(ctx, types.WorkFilter{})
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	want := []string{high.ID, mid.ID, low.ID}
	got := issueIDs(ready)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestResumableFIFO(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, "a", 3)
	b := mustCreate(t, s, "b", 3)
	if _, err := s.ClaimReadyLeaf(ctx, a.ID, types.WorkFilter{}); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if _, err := s.ClaimReadyLeaf(ctx, b.ID, types.WorkFilter{}); err != nil {
		t.Fatalf("claim b: %v", err)
	}

	resumable, err := s.Resumable(ctx, types.WorkFilter{})
	if err != nil {
		t.Fatalf("resumable: %v", err)
	}
	if len(resumable) != 2 {
		t.Fatalf("resumable = %v", issueIDs(resumable))
	}
	if resumable[0].UpdatedAt > resumable[1].UpdatedAt {
		t.Error("resumable not oldest-first")
	}
}

func TestClaimLostRaceIsNotError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	issue := mustCreate(t, s, "task", 3)

	res, err := s.ClaimReadyLeaf(ctx, issue.ID, types.WorkFilter{})
	if err != nil || !res.Claimed {
		t.Fatalf("first claim: res=%+v err=%v", res, err)
	}
	if res.Issue == nil || res.Issue.Status != types.StatusInProgress {
		t.Fatalf("claimed issue = %+v", res.Issue)
	}

	res, err = s.ClaimReadyLeaf(ctx, issue.ID, types.WorkFilter{})
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if res.Claimed {
		t.Error("second claim succeeded")
	}
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	issue := mustCreate(t, s, "contested", 1)

	var wins [8]bool
	var g errgroup.Group
	for i := 0; i < len(wins); i++ {
		i := i
		g.Go(func() error {
			res, err := s.ClaimReadyLeaf(ctx, issue.ID, types.WorkFilter{})
			if err != nil {
				return err
			}
			wins[i] = res.Claimed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claim group: %v", err)
	}
	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestSubtreeSnapshot(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := mustCreate(t, s, "root", 3, "node:root", "node:control", "cf:sequence")
	mid := mustCreate(t, s, "mid", 3, "node:control", "cf:parallel")
	leafA := mustCreate(t, s, "leaf a", 3, "node:agent")
	leafB := mustCreate(t, s, "leaf b", 3, "node:agent")
	outside := mustCreate(t, s, "outside", 3)
	mustDep(t, s, mid.ID, types.RelParent, root.ID)
	mustDep(t, s, leafA.ID, types.RelParent, mid.ID)
	mustDep(t, s, leafB.ID, types.RelParent, mid.ID)
	mustDep(t, s, leafA.ID, types.RelBlocks, leafB.ID)
	mustDep(t, s, outside.ID, types.RelBlocks, leafB.ID)

	snap, err := s.Subtree(ctx, root.ID)
	if err != nil {
		t.Fatalf("subtree: %v", err)
	}
	if len(snap.Nodes) != 4 {
		t.Fatalf("nodes = %d, want 4", len(snap.Nodes))
	}
	// Deepest-first ordering: leaves before mid before root.
	if snap.Nodes[len(snap.Nodes)-1].ID != root.ID {
		t.Errorf("root not last: %+v", snap.Nodes)
	}
	if snap.Nodes[0].Depth != 2 {
		t.Errorf("first node depth = %d", snap.Nodes[0].Depth)
	}
	if len(snap.Children[mid.ID]) != 2 {
		t.Errorf("children of mid = %v", snap.Children[mid.ID])
	}
	if len(snap.Parents[leafA.ID]) != 1 || snap.Parents[leafA.ID][0] != mid.ID {
		t.Errorf("parents of leafA = %v", snap.Parents[leafA.ID])
	}
	// Blocks edges touching scope are included, even from outside nodes.
	if len(snap.Blocks) != 2 {
		t.Errorf("blocks = %+v", snap.Blocks)
	}
}

func TestAncestorChainAndResolveTeam(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	root := mustCreate(t, s, "root", 3, "node:root", "team:platform")
	mid := mustCreate(t, s, "mid", 3, "node:control", "cf:sequence")
	leaf := mustCreate(t, s, "leaf", 3, "node:agent")
	mustDep(t, s, mid.ID, types.RelParent, root.ID)
	mustDep(t, s, leaf.ID, types.RelParent, mid.ID)

	chain, err := s.AncestorChain(ctx, leaf.ID)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(chain) != 3 || chain[0].ID != leaf.ID || chain[2].ID != root.ID {
		t.Fatalf("chain = %+v", chain)
	}

	res, err := s.ResolveTeam(ctx, leaf.ID, "fallback")
	if err != nil {
		t.Fatalf("resolve team: %v", err)
	}
	if res.Team != "platform" || res.Source != "ancestor_tag" || res.SourceIssueID != root.ID {
		t.Errorf("resolution = %+v", res)
	}

	if _, err := s.AddTag(ctx, leaf.ID, "team:search"); err != nil {
		t.Fatalf("tag leaf: %v", err)
	}
	res, err = s.ResolveTeam(ctx, leaf.ID, "fallback")
	if err != nil {
		t.Fatalf("resolve team: %v", err)
	}
	if res.Team != "search" || res.Source != "issue_tag" {
		t.Errorf("resolution = %+v", res)
	}

	lone := mustCreate(t, s, "lone", 3)
	res, err = s.ResolveTeam(ctx, lone.ID, "fallback")
	if err != nil {
		t.Fatalf("resolve team: %v", err)
	}
	if res.Team != "fallback" || res.Source != "default_team" {
		t.Errorf("resolution = %+v", res)
	}
}

func TestDeleteCascades(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, "a", 3, "node:agent")
	b := mustCreate(t, s, "b", 3)
	mustDep(t, s, a.ID, types.RelBlocks, b.ID)
	if _, err := s.AddComment(ctx, a.ID, "note", ""); err != nil {
		t.Fatalf("comment: %v", err)
	}

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, a.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("get after delete: %v", err)
	}
	views, err := s.Dependencies(ctx, b.ID)
	if err != nil {
		t.Fatalf("dependencies: %v", err)
	}
	if len(views) != 0 {
		t.Errorf("edges survived delete: %+v", views)
	}
}

func issueIDs(issues []*types.Issue) []string {
	ids := make([]string, len(issues))
	for i, issue := range issues {
		ids[i] = issue.ID
	}
	return ids
}
