package types

import (
	"reflect"
	"testing"
)

func TestIssueValidate(t *testing.T) {
	good := Issue{ID: "dw-1", Title: "do the thing", Status: StatusOpen, Priority: 2}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid issue rejected: %v", err)
	}

	cases := []struct {
		name  string
		issue Issue
	}{
		{"empty title", Issue{Title: "  ", Status: StatusOpen, Priority: 2}},
		{"bad status", Issue{Title: "x", Status: Status("weird"), Priority: 2}},
		{"priority out of range", Issue{Title: "x", Status: StatusOpen, Priority: 9}},
		{"outcome on open", Issue{Title: "x", Status: StatusOpen, Priority: 2, Outcome: OutcomeSuccess}},
		{"bad outcome", Issue{Title: "x", Status: StatusClosed, Priority: 2, Outcome: Outcome("meh")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.issue.Validate(); err == nil {
				t.Errorf("expected validation error for %+v", tc.issue)
			}
		})
	}
}

func TestOutcomeFinal(t *testing.T) {
	for _, o := range []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeSkipped} {
		if !o.Final() {
			t.Errorf("%s should be final", o)
		}
	}
	if OutcomeExpanded.Final() {
		t.Error("expanded must not be final")
	}
	if Outcome("").Final() {
		t.Error("empty outcome must not be final")
	}
}

func TestParseRelationAliases(t *testing.T) {
	rel, swapped, err := ParseRelation("blocked_by")
	if err != nil || rel != RelBlocks || !swapped {
		t.Errorf("blocked_by = (%s, %v, %v)", rel, swapped, err)
	}
	rel, swapped, err = ParseRelation(" Child ")
	if err != nil || rel != RelParent || !swapped {
		t.Errorf("child = (%s, %v, %v)", rel, swapped, err)
	}
	rel, swapped, err = ParseRelation("blocks")
	if err != nil || rel != RelBlocks || swapped {
		t.Errorf("blocks = (%s, %v, %v)", rel, swapped, err)
	}
	if _, _, err := ParseRelation("depends"); err == nil {
		t.Error("unknown relation accepted")
	}
}

func TestParseNodeMeta(t *testing.T) {
	meta, err := ParseNodeMeta([]string{TagNodeAgent, TagAtomic, "role:builder", "team:core", "cf:sequence"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !meta.Agent || !meta.Atomic || meta.Role != "builder" || meta.Team != "core" || meta.ControlFlow != CFSequence {
		t.Errorf("meta = %+v", meta)
	}

	if _, err := ParseNodeMeta([]string{"cf:sequence", "cf:parallel"}); err == nil {
		t.Error("multiple cf tags accepted")
	}
	if _, err := ParseNodeMeta([]string{"role:a", "role:b"}); err == nil {
		t.Error("multiple role tags accepted")
	}
	if _, err := ParseNodeMeta([]string{"team:a", "team:b"}); err == nil {
		t.Error("multiple team tags accepted")
	}
	if _, err := ParseNodeMeta([]string{"cf:roundrobin"}); err == nil {
		t.Error("unknown cf mode accepted")
	}
}

func TestControlFlowOfIsLenient(t *testing.T) {
	if got := ControlFlowOf([]string{"cf:fallback"}); got != CFFallback {
		t.Errorf("got %s", got)
	}
	if got := ControlFlowOf([]string{"cf:sequence", "cf:parallel"}); got != "" {
		t.Errorf("multiple cf tags should yield empty, got %s", got)
	}
	if got := ControlFlowOf([]string{"cf:bogus"}); got != "" {
		t.Errorf("invalid cf tag should yield empty, got %s", got)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" b ", "a", "b", "", "a"})
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTeamTags(t *testing.T) {
	got := TeamTags([]string{"team:core", "role:builder", "team:infra", "team: "})
	want := []string{"core", "infra"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
