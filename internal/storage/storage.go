// Package storage defines the interface and errors shared by the issue
// store and its consumers.
//
// The concrete implementation lives in the sqlite sub-package. Consumers
// depend on the Store interface so that mocks and alternative backends can
// be substituted; correctness of concurrent orchestration rests on the
// single ClaimReadyLeaf compare-and-set, not on any cross-process locking.
package storage

import (
	"context"
	"errors"

	"github.com/dagwork/dagwork/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidArgument is returned for malformed enum values, out-of-range
// priorities, outcome-without-terminal-status updates, self-loop
// dependencies, and similar caller mistakes.
var ErrInvalidArgument = errors.New("invalid argument")

// UpdateFields is a partial-update payload. Nil pointers mean "leave
// unchanged". OutcomeProvided distinguishes "clear the outcome" from
// "don't touch it".
type UpdateFields struct {
	Title           *string
	Body            *string
	Status          *types.Status
	Priority        *int
	Outcome         *types.Outcome
	OutcomeProvided bool
}

// ChildState is the snapshot of one parent-linked child used by
// control-flow evaluation.
type ChildState struct {
	ID        string
	Status    types.Status
	Outcome   types.Outcome
	Priority  int
	UpdatedAt int64
	Tags      []string
}

// NodeState is a minimal issue snapshot used by bulk subtree reads.
type NodeState struct {
	ID      string
	Status  types.Status
	Outcome types.Outcome
	Tags    []string
	Depth   int
}

// SubtreeSnapshot is the result of one batched read over a root's
// parent-reachable subtree: nodes with state and tags, plus the in-scope
// parent adjacency. Validators and the subtree reconciler consume this so
// subtree-sized work issues a constant number of queries.
type SubtreeSnapshot struct {
	RootID   string
	Nodes    []NodeState         // ordered deepest-first
	Children map[string][]string // parent id → child ids (in scope)
	Parents  map[string][]string // child id → parent ids (in scope)
	Blocks   []types.Dependency  // blocks edges touching any in-scope node
}

// AncestorLink is one hop of an issue's parent-ancestor chain.
type AncestorLink struct {
	ID    string
	Depth int // 0 = the issue itself
	Tags  []string
}

// Store is the single source of truth for issues, tags, comments, and
// dependency edges.
type Store interface {
	// Issue CRUD
	Create(ctx context.Context, issue *types.Issue) (*types.Issue, error)
	Get(ctx context.Context, id string) (*types.Issue, error)
	Update(ctx context.Context, id string, fields UpdateFields) (*types.Issue, error)
	SetStatus(ctx context.Context, id string, status types.Status, outcome types.Outcome, outcomeProvided bool) (*types.Issue, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter types.ListFilter) ([]*types.Issue, error)

	// Tags and comments
	AddTag(ctx context.Context, id, tag string) (*types.Issue, error)
	RemoveTag(ctx context.Context, id, tag string) (*types.Issue, error)
	AddComment(ctx context.Context, id, body, author string) (*types.Comment, error)
	ListComments(ctx context.Context, id string, limit int) ([]*types.Comment, error)

	// Dependencies
	AddDependency(ctx context.Context, srcID string, rel types.Relation, dstID string) (*types.Dependency, error)
	Dependencies(ctx context.Context, id string) ([]*types.DependencyView, error)

	// Work queries. Ready orders by priority then most-recently-updated;
	// Resumable orders oldest-updated-first for FIFO recovery fairness.
	Ready(ctx context.Context, filter types.WorkFilter) ([]*types.Issue, error)
	Resumable(ctx context.Context, filter types.WorkFilter) ([]*types.Issue, error)

	// ClaimReadyLeaf re-validates ready-membership and performs the
	// open→in_progress transition in one atomic statement. It is the sole
	// mutual-exclusion boundary for concurrent runners.
	ClaimReadyLeaf(ctx context.Context, id string, filter types.WorkFilter) (*types.ClaimResult, error)

	// Graph reads (each a constant number of batched queries)
	ControlChildren(ctx context.Context, id string) ([]*ChildState, error)
	SiblingBlocks(ctx context.Context, parentID string) ([]types.Dependency, error)
	Subtree(ctx context.Context, rootID string) (*SubtreeSnapshot, error)
	AncestorChain(ctx context.Context, id string) ([]*AncestorLink, error)

	// ResolveTeam resolves an issue's team from its own tag, the nearest
	// tagged ancestor, or the supplied default.
	ResolveTeam(ctx context.Context, id, defaultTeam string) (*types.TeamResolution, error)

	Close() error
}
