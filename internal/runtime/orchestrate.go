package runtime

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/dagwork/dagwork/internal/config"
	"github.com/dagwork/dagwork/internal/events"
	"github.com/dagwork/dagwork/internal/roles"
	"github.com/dagwork/dagwork/internal/session"
	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/types"
)

// Route says what kind of session an issue needs.
type Route string

// Routes. Planning decomposes a non-atomic issue into children;
// execution works an atomic one to completion.
const (
	RoutePlanning  Route = "planning"
	RouteExecution Route = "execution"
)

// Selection is a claimed issue with its full routing decision, ready to
// hand to the adapter.
type Selection struct {
	Issue      *types.Issue
	RootID     string
	Route      Route
	Role       *roles.Role
	Team       string
	TeamSource string
	Program    string
	Mode       string // claim | resume
	ClaimedAt  int64  // unix millis
	SessionID  string
	Prompt     string
}

// Orchestrator turns claimed issues into routed selections.
type Orchestrator struct {
	store   storage.Store
	catalog *roles.Catalog
	cfg     config.Config
	sink    events.Sink
	log     *log.Logger
}

// NewOrchestrator builds an orchestrator. A nil sink discards events.
func NewOrchestrator(store storage.Store, catalog *roles.Catalog, cfg config.Config, sink events.Sink, logger *log.Logger) *Orchestrator {
	if sink == nil {
		sink = events.Discard{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "orchestrate: ", log.LstdFlags)
	}
	return &Orchestrator{store: store, catalog: catalog, cfg: cfg, sink: sink, log: logger}
}

// BuildSelection routes a claimed issue: granularity:atomic goes to
// execution under its resolved role, anything else goes to planning. The
// node.execute event is posted to the issue topic and the run topic
// before the selection is returned, a durable claim record independent
// of how the session later goes. rootID may be empty outside a run.
func (o *Orchestrator) BuildSelection(ctx context.Context, claim *types.ClaimResult, rootID, runTopic string) (*Selection, error) {
	if claim == nil || !claim.Claimed || claim.Issue == nil {
		return nil, fmt.Errorf("selection requires a claimed issue")
	}
	issue := claim.Issue
	meta, err := types.ParseNodeMeta(issue.Tags)
	if err != nil {
		return nil, fmt.Errorf("issue %s: %w", issue.ID, err)
	}

	sel := &Selection{
		Issue:     issue,
		RootID:    rootID,
		Program:   o.cfg.Backend,
		Mode:      claim.Mode,
		ClaimedAt: claim.ClaimedAt,
		SessionID: session.NewSessionID(),
	}
	if sel.Mode == "" {
		sel.Mode = events.ModeClaim
	}
	if meta.Atomic {
		sel.Route = RouteExecution
		role, err := o.executionRole(meta)
		if err != nil {
			return nil, fmt.Errorf("issue %s: %w", issue.ID, err)
		}
		sel.Role = role
	} else {
		sel.Route = RoutePlanning
		role, err := o.catalog.Require(o.cfg.PlanningRole)
		if err != nil {
			return nil, fmt.Errorf("issue %s: planning: %w", issue.ID, err)
		}
		sel.Role = role
	}

	team, err := o.store.ResolveTeam(ctx, issue.ID, o.cfg.DefaultTeam)
	if err != nil {
		return nil, err
	}
	sel.Team = team.Team
	sel.TeamSource = team.Source
	sel.Prompt = buildPrompt(sel)

	fields := map[string]interface{}{
		"team":                sel.Team,
		"role":                sel.Role.Name,
		"program":             sel.Program,
		"mode":                sel.Mode,
		"claim_timestamp":     sel.ClaimedAt,
		"claim_timestamp_iso": events.ISOTime(sel.ClaimedAt),
		"route":               string(sel.Route),
		"session_id":          sel.SessionID,
	}
	if sel.RootID != "" {
		fields["root"] = sel.RootID
	}
	ev, err := events.New(events.KindExecute, issue.ID, fields)
	if err != nil {
		return nil, err
	}
	if err := o.sink.Post(ctx, events.IssueTopic(issue.ID), ev); err != nil {
		return nil, fmt.Errorf("failed to announce execution of %s: %w", issue.ID, err)
	}
	if runTopic != "" {
		if err := o.sink.Post(ctx, runTopic, ev); err != nil {
			return nil, fmt.Errorf("failed to announce execution of %s: %w", issue.ID, err)
		}
	}
	o.log.Printf("routed %s to %s as %s/%s", issue.ID, sel.Route, sel.Team, sel.Role.Name)
	return sel, nil
}

// executionRole resolves the role for an atomic issue: its role:* tag,
// then the configured default when registered, then the catalog's sole
// role.
func (o *Orchestrator) executionRole(meta types.NodeMeta) (*roles.Role, error) {
	if meta.Role != "" {
		return o.catalog.Require(meta.Role)
	}
	if o.cfg.DefaultRole != "" {
		if role, ok := o.catalog.Get(o.cfg.DefaultRole); ok {
			return role, nil
		}
	}
	if role, ok := o.catalog.Sole(); ok {
		return role, nil
	}
	return nil, fmt.Errorf("no role resolvable among %v; tag the issue with role:<name>", o.catalog.Names())
}

// buildPrompt composes the session system prompt from the role prompt
// and the issue at hand.
func buildPrompt(sel *Selection) string {
	var b strings.Builder
	b.WriteString(sel.Role.Prompt)
	b.WriteString("\n\n# Assignment\n\n")
	fmt.Fprintf(&b, "Issue %s: %s\n", sel.Issue.ID, sel.Issue.Title)
	if sel.Issue.Body != "" {
		b.WriteString("\n")
		b.WriteString(sel.Issue.Body)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nTeam: %s\n", sel.Team)
	switch sel.Route {
	case RoutePlanning:
		b.WriteString("\nDecompose this issue into child issues, wire their ordering, and close it with outcome expanded.\n")
	default:
		b.WriteString("\nWork the issue to completion and close it with a final outcome.\n")
	}
	return b.String()
}
