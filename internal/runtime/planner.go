// Package runtime drives the orchestration loop: selecting and claiming
// ready leaves, routing them to agent sessions, applying control-flow
// maintenance, and deciding when a run is over.
package runtime

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dagwork/dagwork/internal/events"
	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/telemetry"
	"github.com/dagwork/dagwork/internal/types"
)

// selectBatch bounds how many ready candidates one selection pass walks.
const selectBatch = 16

// Planner picks the next issue to work on. Stalled in_progress issues are
// resumed before new work is claimed.
type Planner struct {
	store storage.Store
	log   *log.Logger
}

// NewPlanner builds a planner over the store.
func NewPlanner(store storage.Store, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "planner: ", log.LstdFlags)
	}
	return &Planner{store: store, log: logger}
}

// SelectNext returns a claimed issue, or nil when no work is executable.
// With resume set, stalled in_progress issues are picked up oldest-first
// before any new claim. Losing a claim race to a concurrent runner is
// routine: the planner just tries the next candidate, and backs off
// briefly before re-listing when a whole batch was stolen from under it.
func (p *Planner) SelectNext(ctx context.Context, filter types.WorkFilter, resume bool) (*types.ClaimResult, error) {
	if resume {
		resumable, err := p.store.Resumable(ctx, withLimit(filter, 1))
		if err != nil {
			return nil, err
		}
		if len(resumable) > 0 {
			issue := resumable[0]
			p.log.Printf("resuming %s (in progress since %d)", issue.ID, issue.UpdatedAt)
			return &types.ClaimResult{
				ID:        issue.ID,
				Claimed:   true,
				Mode:      events.ModeResume,
				ClaimedAt: issue.UpdatedAt,
				Issue:     issue,
			}, nil
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 3), ctx)

	var claimed *types.ClaimResult
	err := backoff.Retry(func() error {
		candidates, err := p.store.Ready(ctx, withLimit(filter, selectBatch))
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(candidates) == 0 {
			return nil
		}
		for _, candidate := range candidates {
			res, err := p.store.ClaimReadyLeaf(ctx, candidate.ID, filter)
			if err != nil {
				return backoff.Permanent(err)
			}
			telemetry.RecordClaim(ctx, res.Claimed)
			if res.Claimed {
				res.Mode = events.ModeClaim
				claimed = res
				return nil
			}
		}
		// Every candidate was taken by someone else; list again after
		// a pause.
		return errBatchLost
	}, policy)
	if errors.Is(err, errBatchLost) {
		return nil, nil
	}
	return claimed, err
}

var errBatchLost = errors.New("ready candidates claimed elsewhere")

func withLimit(filter types.WorkFilter, limit int) types.WorkFilter {
	filter.Limit = limit
	return filter
}
