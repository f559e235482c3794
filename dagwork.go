// Package dagwork provides a minimal public API for embedding the
// orchestrator's issue store in other Go programs.
//
// Most integrations should go through the dagwork CLI or post to the forum
// database directly. This package exports only the types and constructors
// needed to query and mutate the issue DAG programmatically.
package dagwork

import (
	"context"

	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/storage/sqlite"
	"github.com/dagwork/dagwork/internal/types"
)

// Core types for working with issues
type (
	Issue      = types.Issue
	Status     = types.Status
	Outcome    = types.Outcome
	Relation   = types.Relation
	WorkFilter = types.WorkFilter
)

// Status constants
const (
	StatusOpen       = types.StatusOpen
	StatusInProgress = types.StatusInProgress
	StatusPaused     = types.StatusPaused
	StatusClosed     = types.StatusClosed
	StatusDuplicate  = types.StatusDuplicate
)

// Outcome constants
const (
	OutcomeSuccess  = types.OutcomeSuccess
	OutcomeFailure  = types.OutcomeFailure
	OutcomeExpanded = types.OutcomeExpanded
	OutcomeSkipped  = types.OutcomeSkipped
)

// Store is the issue storage interface.
type Store = storage.Store

// ErrNotFound is returned when a requested issue does not exist.
var ErrNotFound = storage.ErrNotFound

// Open opens (creating if necessary) a dagwork SQLite database for
// programmatic access.
func Open(ctx context.Context, dbPath string) (Store, error) {
	return sqlite.New(ctx, dbPath)
}
