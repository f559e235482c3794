package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dagwork/dagwork/internal/types"
)

// scopeCTE walks parent edges downward from a root. Parent edges run
// child→parent, so the descent follows src_id where dst_id is in scope.
const scopeCTE = `
	WITH RECURSIVE scope(id) AS (
		SELECT ?
		UNION
		SELECT d.src_id FROM issue_deps d
		JOIN scope sc ON sc.id = d.dst_id
		WHERE d.relation = 'parent'
	)
`

// readyPredicate returns the WHERE clauses (over alias "i") that define
// ready-membership, shared verbatim by Ready and ClaimReadyLeaf so the
// claim re-check can never drift from the listing.
//
// An issue is ready when it is open, no non-terminal issue blocks it, and
// it has no non-terminal children.
func readyPredicate(filter types.WorkFilter) (clauses []string, args []interface{}) {
	clauses = append(clauses, `i.status = 'open'`)
	clauses = append(clauses, `NOT EXISTS (
		SELECT 1 FROM issue_deps d
		JOIN issues b ON b.id = d.src_id
		WHERE d.dst_id = i.id AND d.relation = 'blocks'
		  AND b.status NOT IN ('closed','duplicate')
	)`)
	clauses = append(clauses, `NOT EXISTS (
		SELECT 1 FROM issue_deps d
		JOIN issues c ON c.id = d.src_id
		WHERE d.dst_id = i.id AND d.relation = 'parent'
		  AND c.status NOT IN ('closed','duplicate')
	)`)
	if filter.RootID != "" {
		clauses = append(clauses, `i.id IN (SELECT id FROM scope)`)
	}
	for _, tag := range filter.Tags {
		clauses = append(clauses, `EXISTS (
			SELECT 1 FROM issue_tags t WHERE t.issue_id = i.id AND t.tag = ?
		)`)
		args = append(args, tag)
	}
	return clauses, args
}

// Ready lists claimable issues: open, unblocked, all children settled.
// Ordered by priority, then most-recently-updated, then id.
func (s *Store) Ready(ctx context.Context, filter types.WorkFilter) ([]*types.Issue, error) {
	clauses, predArgs := readyPredicate(filter)

	var query string
	var args []interface{}
	if filter.RootID != "" {
		query = scopeCTE
		args = append(args, filter.RootID)
	}
	query += `
		SELECT i.id, i.title, i.body, i.status, i.outcome, i.priority, i.created_at, i.updated_at
		FROM issues i
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY i.priority ASC, i.updated_at DESC, i.id ASC
	`
	args = append(args, predArgs...)
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryIssues(ctx, query, args...)
}

// Resumable lists in_progress issues, oldest-updated first, so stalled
// claims recover in FIFO order.
func (s *Store) Resumable(ctx context.Context, filter types.WorkFilter) ([]*types.Issue, error) {
	clauses := []string{`i.status = 'in_progress'`}
	var args []interface{}
	var query string
	if filter.RootID != "" {
		query = scopeCTE
		args = append(args, filter.RootID)
		clauses = append(clauses, `i.id IN (SELECT id FROM scope)`)
	}
	for _, tag := range filter.Tags {
		clauses = append(clauses, `EXISTS (
			SELECT 1 FROM issue_tags t WHERE t.issue_id = i.id AND t.tag = ?
		)`)
		args = append(args, tag)
	}
	query += `
		SELECT i.id, i.title, i.body, i.status, i.outcome, i.priority, i.created_at, i.updated_at
		FROM issues i
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY i.updated_at ASC, i.id ASC
	`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryIssues(ctx, query, args...)
}

// ClaimReadyLeaf atomically transitions an issue from open to in_progress,
// re-validating the full ready predicate inside the UPDATE itself. Losing
// the race (or the issue having left the ready set) yields Claimed=false,
// never an error; callers are expected to move on to the next candidate.
func (s *Store) ClaimReadyLeaf(ctx context.Context, id string, filter types.WorkFilter) (*types.ClaimResult, error) {
	key := strings.TrimSpace(id)
	if err := s.requireIssue(ctx, key); err != nil {
		return nil, err
	}

	clauses, predArgs := readyPredicate(filter)
	now := nowMillis()

	var query string
	var args []interface{}
	if filter.RootID != "" {
		query = scopeCTE
		args = append(args, filter.RootID)
	}
	query += `
		UPDATE issues SET status = 'in_progress', updated_at = ?
		WHERE id = ? AND id IN (
			SELECT i.id FROM issues i WHERE ` + strings.Join(clauses, " AND ") + `
		)
		RETURNING id
	`
	args = append(args, now, key)
	args = append(args, predArgs...)

	var claimedID string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&claimedID)
	if err == sql.ErrNoRows {
		return &types.ClaimResult{ID: key, Claimed: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim issue %s: %w", key, err)
	}

	issue, err := s.Get(ctx, claimedID)
	if err != nil {
		return nil, err
	}
	return &types.ClaimResult{ID: claimedID, Claimed: true, ClaimedAt: now, Issue: issue}, nil
}
