// Package events defines the structured event vocabulary shared by the
// planner, adapter, and reconciler, and the Sink interface they publish to.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidEvent is returned when an event is malformed: unknown kind,
// missing issue id, or missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

// Kind identifies an event type.
type Kind string

// Event kinds
const (
	KindPlan       Kind = "node.plan"
	KindMemory     Kind = "node.memory"
	KindExpand     Kind = "node.expand"
	KindExecute    Kind = "node.execute"
	KindResult     Kind = "node.result"
	KindReconcile  Kind = "node.reconcile"
	KindDiagnostic Kind = "node.execution_diagnostic"
)

// Execution modes carried by node.execute events: a fresh CAS claim or a
// resumed in_progress issue.
const (
	ModeClaim  = "claim"
	ModeResume = "resume"
)

// requiredFields lists the fields each kind must carry, the wire contract
// with downstream observers. Kinds absent from the map are unknown.
var requiredFields = map[Kind][]string{
	KindPlan:       {"root", "team", "role", "program", "summary"},
	KindMemory:     {"root", "summary"},
	KindExpand:     {"root", "team", "role", "program", "control", "children"},
	KindExecute:    {"team", "role", "program", "mode", "claim_timestamp", "claim_timestamp_iso"},
	KindResult:     {"root", "outcome"},
	KindReconcile:  {"root", "control_flow", "outcome"},
	KindDiagnostic: {"error"},
}

// Event is one published record. Fields hold the kind-specific payload.
type Event struct {
	Kind    Kind                   `json:"kind"`
	IssueID string                 `json:"issue_id"`
	At      int64                  `json:"at"` // unix millis
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// New builds and validates an event stamped with the current time.
func New(kind Kind, issueID string, fields map[string]interface{}) (Event, error) {
	ev := Event{Kind: kind, IssueID: issueID, At: time.Now().UnixMilli(), Fields: fields}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks the event against the kind's required-field schema.
func (e Event) Validate() error {
	required, ok := requiredFields[e.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.IssueID == "" {
		return fmt.Errorf("%w: %s requires an issue id", ErrInvalidEvent, e.Kind)
	}
	var missing []string
	for _, field := range required {
		if _, present := e.Fields[field]; !present {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s missing fields %v", ErrInvalidEvent, e.Kind, missing)
	}
	if e.Kind == KindExecute {
		if mode, _ := e.Fields["mode"].(string); mode != ModeClaim && mode != ModeResume {
			return fmt.Errorf("%w: execute mode must be %q or %q, got %q", ErrInvalidEvent, ModeClaim, ModeResume, mode)
		}
	}
	return nil
}

// ISOTime renders a unix-millisecond timestamp in the UTC ISO 8601 form
// used by *_iso event fields.
func ISOTime(millis int64) string {
	return time.UnixMilli(millis).UTC().Format("2006-01-02T15:04:05Z")
}

// Kinds returns the known kinds, sorted.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(requiredFields))
	for k := range requiredFields {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Sink receives published events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Post(ctx context.Context, topic string, ev Event) error
}

// Topic helpers. Per-issue streams live on issue:<id>; a run aggregates
// everything on its own topic; session control signals use status:<session>.
func IssueTopic(issueID string) string    { return "issue:" + issueID }
func RunTopic(runID string) string        { return "run:" + runID }
func StatusTopic(sessionID string) string { return "status:" + sessionID }

// Discard is a Sink that validates and drops events; the zero-config
// default when no forum is attached.
type Discard struct{}

// Post implements Sink.
func (Discard) Post(_ context.Context, _ string, ev Event) error {
	return ev.Validate()
}
