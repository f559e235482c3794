package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dagwork/dagwork/internal/config"
	"github.com/dagwork/dagwork/internal/events"
	"github.com/dagwork/dagwork/internal/forum"
	"github.com/dagwork/dagwork/internal/roles"
	"github.com/dagwork/dagwork/internal/session"
	"github.com/dagwork/dagwork/internal/storage/sqlite"
	"github.com/dagwork/dagwork/internal/types"
)

type testEnv struct {
	store   *sqlite.Store
	catalog *roles.Catalog
	sink    *forum.MemorySink
	cfg     config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := sqlite.New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	dir := t.TempDir()
	for name, prompt := range map[string]string{
		"planner.md": "Decompose issues into plans.",
		"builder.md": "Build what the issue asks for.",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(prompt), 0o644); err != nil {
			t.Fatalf("write role: %v", err)
		}
	}
	catalog, err := roles.Load(dir, nil)
	if err != nil {
		t.Fatalf("load roles: %v", err)
	}

	cfg := config.Default()
	cfg.DefaultRole = "builder"
	cfg.MaxSteps = 20
	cfg.SessionTimeout = time.Minute

	return &testEnv{store: s, catalog: catalog, sink: forum.NewMemorySink(), cfg: cfg}
}

func (e *testEnv) create(t *testing.T, title string, priority int, tags ...string) string {
	t.Helper()
	issue, err := e.store.Create(context.Background(), &types.Issue{Title: title, Priority: priority, Tags: tags})
	if err != nil {
		t.Fatalf("create %s: %v", title, err)
	}
	return issue.ID
}

func (e *testEnv) dep(t *testing.T, src string, rel types.Relation, dst string) {
	t.Helper()
	if _, err := e.store.AddDependency(context.Background(), src, rel, dst); err != nil {
		t.Fatalf("dep: %v", err)
	}
}

// closingRunner closes the issue under work with the given outcome, like
// a well-behaved agent session would.
func (e *testEnv) closingRunner(outcome types.Outcome) session.Runner {
	return session.Func(func(ctx context.Context, req session.Request) (*session.Result, error) {
		if _, err := e.store.SetStatus(ctx, req.IssueID, types.StatusClosed, outcome, true); err != nil {
			return nil, err
		}
		return &session.Result{SessionID: req.SessionID}, nil
	})
}

// idleRunner returns without touching the store at all.
func idleRunner() session.Runner {
	return session.Func(func(ctx context.Context, req session.Request) (*session.Result, error) {
		return &session.Result{SessionID: req.SessionID}, nil
	})
}

func TestRunSequenceToRootFinal(t *testing.T) {
	e := newTestEnv(t)
	root := e.create(t, "root", 3, "node:root", "node:control", "cf:sequence")
	first := e.create(t, "first", 1, "node:agent", "granularity:atomic", "role:builder")
	second := e.create(t, "second", 2, "node:agent", "granularity:atomic", "role:builder")
	e.dep(t, first, types.RelParent, root)
	e.dep(t, second, types.RelParent, root)
	e.dep(t, first, types.RelBlocks, second)

	r := NewRunner(e.store, e.catalog, e.closingRunner(types.OutcomeSuccess), e.cfg, e.sink, nil, nil)
	report, err := r.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.StopReason != StopRootFinal {
		t.Fatalf("stop = %s, report = %+v", report.StopReason, report)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("steps = %d", len(report.Steps))
	}
	if report.Steps[0].IssueID != first || report.Steps[1].IssueID != second {
		t.Errorf("order = %s, %s", report.Steps[0].IssueID, report.Steps[1].IssueID)
	}
	if !report.Termination.IsFinal || report.Termination.RootOutcome != types.OutcomeSuccess {
		t.Errorf("termination = %+v", report.Termination)
	}

	// Each executed leaf got an execute/result pair on its topic, both
	// carrying the claim record and the root they settle under.
	for _, id := range []string{first, second} {
		evs := e.sink.Events(events.IssueTopic(id))
		if len(evs) != 2 || evs[0].Kind != events.KindExecute || evs[1].Kind != events.KindResult {
			t.Errorf("events for %s = %+v", id, evs)
			continue
		}
		if evs[0].Fields["mode"] != events.ModeClaim || evs[0].Fields["program"] == "" {
			t.Errorf("execute fields for %s = %+v", id, evs[0].Fields)
		}
		if evs[1].Fields["root"] != root {
			t.Errorf("result fields for %s = %+v", id, evs[1].Fields)
		}
	}
	// The root was closed by reconciliation, not by a session.
	evs := e.sink.Events(events.IssueTopic(root))
	if len(evs) != 1 || evs[0].Kind != events.KindReconcile {
		t.Errorf("root events = %+v", evs)
	}
}

func TestRunStopsOnPostconditionViolation(t *testing.T) {
	e := newTestEnv(t)
	root := e.create(t, "root", 3, "node:root", "node:control", "cf:sequence")
	leaf := e.create(t, "leaf", 1, "node:agent", "granularity:atomic")
	e.dep(t, leaf, types.RelParent, root)

	r := NewRunner(e.store, e.catalog, idleRunner(), e.cfg, e.sink, nil, nil)
	report, err := r.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.StopReason != StopError {
		t.Fatalf("stop = %s", report.StopReason)
	}
	if len(report.Steps) != 1 || report.Steps[0].Execution.Success {
		t.Fatalf("steps = %+v", report.Steps)
	}

	evs := e.sink.Events(events.IssueTopic(leaf))
	var sawDiagnostic bool
	for _, ev := range evs {
		if ev.Kind == events.KindDiagnostic {
			sawDiagnostic = true
		}
	}
	if !sawDiagnostic {
		t.Errorf("no diagnostic among %+v", evs)
	}
}

func TestRunMaxStepsExhausted(t *testing.T) {
	e := newTestEnv(t)
	root := e.create(t, "root", 3, "node:root", "node:control", "cf:parallel")
	for i := 0; i < 3; i++ {
		leaf := e.create(t, "leaf", 3, "node:agent", "granularity:atomic")
		e.dep(t, leaf, types.RelParent, root)
	}
	e.cfg.MaxSteps = 2

	r := NewRunner(e.store, e.catalog, e.closingRunner(types.OutcomeSuccess), e.cfg, e.sink, nil, nil)
	report, err := r.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.StopReason != StopMaxStepsExhausted || len(report.Steps) != 2 {
		t.Errorf("stop = %s steps = %d", report.StopReason, len(report.Steps))
	}
}

func TestRunNoExecutableLeaf(t *testing.T) {
	e := newTestEnv(t)
	root := e.create(t, "root", 3, "node:root", "node:control", "cf:sequence")
	blocked := e.create(t, "blocked", 3, "node:agent", "granularity:atomic")
	blocker := e.create(t, "outside blocker", 3, "node:agent")
	e.dep(t, blocked, types.RelParent, root)
	e.dep(t, blocker, types.RelBlocks, blocked)

	r := NewRunner(e.store, e.catalog, e.closingRunner(types.OutcomeSuccess), e.cfg, e.sink, nil, nil)
	report, err := r.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.StopReason != StopNoExecutableLeaf {
		t.Errorf("stop = %s", report.StopReason)
	}
}

func TestRunFullMaintenanceConverges(t *testing.T) {
	e := newTestEnv(t)
	root := e.create(t, "root", 3, "node:root", "node:control", "cf:fallback")
	primary := e.create(t, "primary", 1, "node:agent", "granularity:atomic")
	alternate := e.create(t, "alternate", 2, "node:agent", "granularity:atomic")
	e.dep(t, primary, types.RelParent, root)
	e.dep(t, alternate, types.RelParent, root)
	e.dep(t, primary, types.RelBlocks, alternate)

	r := NewRunner(e.store, e.catalog, e.closingRunner(types.OutcomeSuccess), e.cfg, e.sink, nil, nil)
	r.FullMaintenance = true
	report, err := r.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Fallback decides on the first success; the alternate is pruned.
	if report.StopReason != StopRootFinal || len(report.Steps) != 1 {
		t.Fatalf("stop = %s steps = %d", report.StopReason, len(report.Steps))
	}
	alt, err := e.store.Get(context.Background(), alternate)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if alt.Status != types.StatusDuplicate || !alt.HasTag(types.ReasonPruned) {
		t.Errorf("alternate = %s tags %v", alt.Status, alt.Tags)
	}
}

func TestSelectNextResumesOnlyWhenAsked(t *testing.T) {
	e := newTestEnv(t)
	stale := e.create(t, "stale", 3, "node:agent", "granularity:atomic")
	fresh := e.create(t, "fresh", 1, "node:agent", "granularity:atomic")
	if _, err := e.store.ClaimReadyLeaf(context.Background(), stale, types.WorkFilter{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	p := NewPlanner(e.store, nil)

	// Resume mode picks up the stalled in_progress issue first.
	claim, err := p.SelectNext(context.Background(), types.WorkFilter{}, true)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if claim == nil || claim.ID != stale || claim.Mode != events.ModeResume {
		t.Errorf("claim = %+v, want resumed %s", claim, stale)
	}

	// Without it, in_progress work stays with its claimant and a fresh
	// ready leaf is claimed instead.
	claim, err = p.SelectNext(context.Background(), types.WorkFilter{}, false)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if claim == nil || claim.ID != fresh || claim.Mode != events.ModeClaim {
		t.Errorf("claim = %+v, want claimed %s", claim, fresh)
	}
}

func TestSelectNextNoWork(t *testing.T) {
	e := newTestEnv(t)
	p := NewPlanner(e.store, nil)
	claim, err := p.SelectNext(context.Background(), types.WorkFilter{}, false)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if claim != nil {
		t.Errorf("claim = %+v", claim)
	}
}

func TestBuildSelectionRouting(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := NewOrchestrator(e.store, e.catalog, e.cfg, e.sink, nil)

	atomic := e.create(t, "atomic", 3, "node:agent", "granularity:atomic", "role:builder", "team:core")
	coarse := e.create(t, "coarse", 3, "node:agent")

	claim := func(id string) *types.ClaimResult {
		res, err := e.store.ClaimReadyLeaf(ctx, id, types.WorkFilter{})
		if err != nil || !res.Claimed {
			t.Fatalf("claim %s: res=%+v err=%v", id, res, err)
		}
		return res
	}

	sel, err := o.BuildSelection(ctx, claim(atomic), "", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sel.Route != RouteExecution || sel.Role.Name != "builder" || sel.Team != "core" {
		t.Errorf("selection = %+v", sel)
	}
	if sel.TeamSource != "issue_tag" {
		t.Errorf("team source = %s", sel.TeamSource)
	}

	sel, err = o.BuildSelection(ctx, claim(coarse), "", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sel.Route != RoutePlanning || sel.Role.Name != "planner" {
		t.Errorf("selection = %+v", sel)
	}
	if sel.Team != "default" || sel.TeamSource != "default_team" {
		t.Errorf("team = %s from %s", sel.Team, sel.TeamSource)
	}
}

func TestBuildSelectionEmitsClaimRecord(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := NewOrchestrator(e.store, e.catalog, e.cfg, e.sink, nil)

	root := e.create(t, "root", 3, "node:root", "node:control", "cf:sequence")
	id := e.create(t, "task", 3, "node:agent", "granularity:atomic", "role:builder")
	e.dep(t, id, types.RelParent, root)
	res, err := e.store.ClaimReadyLeaf(ctx, id, types.WorkFilter{})
	if err != nil || !res.Claimed {
		t.Fatalf("claim: res=%+v err=%v", res, err)
	}

	sel, err := o.BuildSelection(ctx, res, root, events.RunTopic("r1"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sel.RootID != root || sel.Mode != events.ModeClaim || sel.Program != e.cfg.Backend {
		t.Errorf("selection = %+v", sel)
	}
	if sel.ClaimedAt != res.ClaimedAt {
		t.Errorf("claimed at = %d, want %d", sel.ClaimedAt, res.ClaimedAt)
	}

	evs := e.sink.Events(events.IssueTopic(id))
	if len(evs) != 1 || evs[0].Kind != events.KindExecute {
		t.Fatalf("events = %+v", evs)
	}
	f := evs[0].Fields
	if f["team"] == nil || f["role"] != "builder" || f["program"] != e.cfg.Backend {
		t.Errorf("fields = %+v", f)
	}
	if f["mode"] != events.ModeClaim || f["root"] != root {
		t.Errorf("fields = %+v", f)
	}
	if f["claim_timestamp"] != res.ClaimedAt || f["claim_timestamp_iso"] != events.ISOTime(res.ClaimedAt) {
		t.Errorf("claim stamps = %v / %v", f["claim_timestamp"], f["claim_timestamp_iso"])
	}
	if run := e.sink.Events(events.RunTopic("r1")); len(run) != 1 {
		t.Errorf("run topic events = %+v", run)
	}
}

func TestBuildSelectionRejectsAmbiguousTags(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := NewOrchestrator(e.store, e.catalog, e.cfg, e.sink, nil)

	id := e.create(t, "confused", 3, "node:agent", "granularity:atomic", "role:builder", "role:planner")
	res, err := e.store.ClaimReadyLeaf(ctx, id, types.WorkFilter{})
	if err != nil || !res.Claimed {
		t.Fatalf("claim: %v", err)
	}
	if _, err := o.BuildSelection(ctx, res, "", ""); err == nil {
		t.Fatal("ambiguous role tags accepted")
	}
}

func TestAdapterSeedsStatusTopic(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	board, err := forum.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open forum: %v", err)
	}
	t.Cleanup(func() { _ = board.Close() })

	id := e.create(t, "task", 3, "node:agent", "granularity:atomic", "role:builder")
	res, err := e.store.ClaimReadyLeaf(ctx, id, types.WorkFilter{})
	if err != nil || !res.Claimed {
		t.Fatalf("claim: %v", err)
	}
	o := NewOrchestrator(e.store, e.catalog, e.cfg, e.sink, nil)
	sel, err := o.BuildSelection(ctx, res, "", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var seen []*forum.Message
	runner := session.Func(func(ctx context.Context, req session.Request) (*session.Result, error) {
		// The completion decision must already be on the status topic
		// when the session starts.
		seen, err = board.ReadJSON(ctx, events.StatusTopic(req.SessionID), 0, 0)
		if err != nil {
			return nil, err
		}
		if _, err := e.store.SetStatus(ctx, req.IssueID, types.StatusClosed, types.OutcomeSuccess, true); err != nil {
			return nil, err
		}
		return &session.Result{SessionID: req.SessionID}, nil
	})

	a := NewAdapter(e.store, runner, e.cfg, e.sink, board, nil)
	execRes, err := a.Execute(ctx, sel, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !execRes.Success {
		t.Fatalf("result = %+v", execRes)
	}
	if len(seen) != 1 {
		t.Fatalf("status topic messages = %+v", seen)
	}
}

func TestAdapterPlanningPostcondition(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.create(t, "needs planning", 3, "node:agent")
	res, err := e.store.ClaimReadyLeaf(ctx, id, types.WorkFilter{})
	if err != nil || !res.Claimed {
		t.Fatalf("claim: %v", err)
	}
	o := NewOrchestrator(e.store, e.catalog, e.cfg, e.sink, nil)
	sel, err := o.BuildSelection(ctx, res, "", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// A planning session must expand, not merely succeed.
	a := NewAdapter(e.store, e.closingRunner(types.OutcomeSuccess), e.cfg, e.sink, nil, nil)
	execRes, err := a.Execute(ctx, sel, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if execRes.Success || execRes.Error == "" {
		t.Errorf("result = %+v", execRes)
	}
}
