package runtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dagwork/dagwork/internal/config"
	"github.com/dagwork/dagwork/internal/events"
	"github.com/dagwork/dagwork/internal/forum"
	"github.com/dagwork/dagwork/internal/session"
	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/types"
)

// Poster is the forum surface the adapter needs for session control
// signals. *forum.Forum satisfies it.
type Poster interface {
	PostJSON(ctx context.Context, topic, author string, payload interface{}) (*forum.Message, error)
}

// ExecutionResult reports one session from the orchestrator's point of
// view. A failed session is a value here, never a Go error: the runner
// decides what a failure means for the run.
type ExecutionResult struct {
	IssueID   string        `json:"issue_id"`
	SessionID string        `json:"session_id"`
	Route     Route         `json:"route"`
	Success   bool          `json:"success"`
	Status    types.Status  `json:"status"`
	Outcome   types.Outcome `json:"outcome,omitempty"`
	Error     string        `json:"error,omitempty"`
	ExitCode  int           `json:"exit_code,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Adapter runs one selection through a session and checks the issue
// against the route's postcondition afterwards.
type Adapter struct {
	store  storage.Store
	runner session.Runner
	sink   events.Sink
	poster Poster
	cfg    config.Config
	log    *log.Logger
}

// NewAdapter builds an adapter. sink and poster may be nil.
func NewAdapter(store storage.Store, runner session.Runner, cfg config.Config, sink events.Sink, poster Poster, logger *log.Logger) *Adapter {
	if sink == nil {
		sink = events.Discard{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "adapter: ", log.LstdFlags)
	}
	return &Adapter{store: store, runner: runner, sink: sink, poster: poster, cfg: cfg, log: logger}
}

// Execute runs the selection's session and verifies the postcondition:
// planning must leave the issue expanded, execution must leave it
// terminal with a final outcome. Session transport failures, non-zero
// exits with an unmet postcondition, and postcondition violations all
// come back as Success=false with a composed Error.
func (a *Adapter) Execute(ctx context.Context, sel *Selection, runTopic string) (*ExecutionResult, error) {
	result := &ExecutionResult{IssueID: sel.Issue.ID, SessionID: sel.SessionID, Route: sel.Route}
	start := time.Now()

	// The session has a single role phase, so its completion decision is
	// known before it starts: seed the status topic so the session's own
	// reads see a COMPLETE marker instead of waiting on one.
	if a.poster != nil {
		payload := map[string]interface{}{
			"decision":   "COMPLETE",
			"session_id": sel.SessionID,
			"issue_id":   sel.Issue.ID,
			"role":       sel.Role.Name,
		}
		if _, err := a.poster.PostJSON(ctx, events.StatusTopic(sel.SessionID), "orchestrator", payload); err != nil {
			return nil, fmt.Errorf("failed to seed status topic: %w", err)
		}
	}

	sessRes, err := a.runner.Run(ctx, session.Request{
		SessionID: sel.SessionID,
		IssueID:   sel.Issue.ID,
		Role:      sel.Role.Name,
		Prompt:    sel.Prompt,
		Model:     firstNonEmpty(sel.Role.Model, a.cfg.Model),
		Reasoning: firstNonEmpty(sel.Role.Reasoning, a.cfg.Reasoning),
		Timeout:   a.cfg.SessionTimeout,
	})
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("execution failure: %v", err)
		a.diagnose(ctx, result, runTopic)
		return result, nil
	}
	result.ExitCode = sessRes.ExitCode
	result.Duration = sessRes.Duration

	issue, err := a.store.Get(ctx, sel.Issue.ID)
	if err != nil {
		return nil, err
	}
	result.Status = issue.Status
	result.Outcome = issue.Outcome

	if violation := postcondition(sel.Route, issue); violation != "" {
		result.Error = fmt.Sprintf("postcondition violation: %s", violation)
		if sessRes.ExitCode != 0 {
			result.Error = fmt.Sprintf("execution failure: session exited %d; %s", sessRes.ExitCode, result.Error)
		}
		a.diagnose(ctx, result, runTopic)
		return result, nil
	}

	result.Success = true
	// A result event names the root it settles under; without one there
	// is nothing for observers to correlate, so none is posted.
	if sel.RootID != "" {
		ev, err := events.New(events.KindResult, issue.ID, map[string]interface{}{
			"root":       sel.RootID,
			"outcome":    string(issue.Outcome),
			"status":     string(issue.Status),
			"route":      string(sel.Route),
			"mode":       sel.Mode,
			"session_id": sel.SessionID,
		})
		if err != nil {
			return nil, err
		}
		if err := a.sink.Post(ctx, events.IssueTopic(issue.ID), ev); err != nil {
			a.log.Printf("failed to post result for %s: %v", issue.ID, err)
		}
		if runTopic != "" {
			if err := a.sink.Post(ctx, runTopic, ev); err != nil {
				a.log.Printf("failed to post result to %s: %v", runTopic, err)
			}
		}
	}
	return result, nil
}

// postcondition returns a violation description, or "" when the issue
// state satisfies the route.
func postcondition(route Route, issue *types.Issue) string {
	switch route {
	case RoutePlanning:
		if !issue.Status.Terminal() || issue.Outcome != types.OutcomeExpanded {
			return fmt.Sprintf("planning must leave the issue expanded, got %s/%s", issue.Status, issue.Outcome)
		}
	case RouteExecution:
		if !issue.Status.Terminal() {
			return fmt.Sprintf("execution must close the issue, still %s", issue.Status)
		}
		if !issue.Outcome.Final() {
			return fmt.Sprintf("execution needs a final outcome, got %q", issue.Outcome)
		}
	}
	return ""
}

// diagnose posts the node.execution_diagnostic event for a failed
// execution. Diagnostics are best-effort.
func (a *Adapter) diagnose(ctx context.Context, result *ExecutionResult, runTopic string) {
	a.log.Printf("session %s on %s failed: %s", result.SessionID, result.IssueID, result.Error)
	ev, err := events.New(events.KindDiagnostic, result.IssueID, map[string]interface{}{
		"error":      result.Error,
		"status":     string(result.Status),
		"outcome":    string(result.Outcome),
		"session_id": result.SessionID,
		"route":      string(result.Route),
		"exit_code":  result.ExitCode,
	})
	if err != nil {
		a.log.Printf("failed to build diagnostic: %v", err)
		return
	}
	if err := a.sink.Post(ctx, events.IssueTopic(result.IssueID), ev); err != nil {
		a.log.Printf("failed to post diagnostic: %v", err)
	}
	if runTopic != "" {
		if err := a.sink.Post(ctx, runTopic, ev); err != nil {
			a.log.Printf("failed to post diagnostic to %s: %v", runTopic, err)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
