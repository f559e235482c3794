package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/types"
)

// Create inserts a new issue. A missing ID is minted; a missing priority
// defaults to 3; status defaults to open.
func (s *Store) Create(ctx context.Context, issue *types.Issue) (*types.Issue, error) {
	if issue == nil {
		return nil, fmt.Errorf("%w: issue cannot be nil", storage.ErrInvalidArgument)
	}
	in := *issue
	if in.ID == "" {
		in.ID = NewIssueID()
	}
	if in.Status == "" {
		in.Status = types.StatusOpen
	}
	if in.Priority == 0 {
		in.Priority = 3
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	in.Tags = types.NormalizeTags(in.Tags)

	now := nowMillis()
	in.CreatedAt = now
	in.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO issues (id, title, body, status, outcome, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, in.ID, in.Title, in.Body, in.Status, nullableOutcome(in.Outcome), in.Priority, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return nil, fmt.Errorf("%w: issue %s already exists", storage.ErrInvalidArgument, in.ID)
		}
		return nil, fmt.Errorf("failed to insert issue: %w", err)
	}
	for _, tag := range in.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO issue_tags (issue_id, tag) VALUES (?, ?)`, in.ID, tag); err != nil {
			return nil, fmt.Errorf("failed to insert tag: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &in, nil
}

// Get loads a single issue with its tags.
func (s *Store) Get(ctx context.Context, id string) (*types.Issue, error) {
	issue, err := s.scanIssue(s.db.QueryRowContext(ctx, `
		SELECT id, title, body, status, outcome, priority, created_at, updated_at
		FROM issues WHERE id = ?
	`, strings.TrimSpace(id)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", id, err)
	}
	tags, err := s.tagsForIDs(ctx, []string{issue.ID})
	if err != nil {
		return nil, err
	}
	issue.Tags = tags[issue.ID]
	return issue, nil
}

// Update applies a partial update. A provided outcome requires that the
// resulting status is terminal.
func (s *Store) Update(ctx context.Context, id string, fields storage.UpdateFields) (*types.Issue, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if fields.Title != nil {
		next.Title = *fields.Title
	}
	if fields.Body != nil {
		next.Body = *fields.Body
	}
	if fields.Status != nil {
		next.Status = *fields.Status
	}
	if fields.Priority != nil {
		next.Priority = *fields.Priority
	}
	if fields.OutcomeProvided {
		if fields.Outcome == nil {
			next.Outcome = ""
		} else {
			next.Outcome = *fields.Outcome
		}
	}
	// Reopening clears any stale outcome so the invariant holds without
	// requiring callers to pass OutcomeProvided on every status change.
	if !next.Status.Terminal() && !fields.OutcomeProvided {
		next.Outcome = ""
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	next.UpdatedAt = nowMillis()

	res, err := s.db.ExecContext(ctx, `
		UPDATE issues SET title = ?, body = ?, status = ?, outcome = ?, priority = ?, updated_at = ?
		WHERE id = ?
	`, next.Title, next.Body, next.Status, nullableOutcome(next.Outcome), next.Priority, next.UpdatedAt, next.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update issue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
	}
	return &next, nil
}

// SetStatus is the status-transition shorthand used by the orchestrator
// and the reconciler.
func (s *Store) SetStatus(ctx context.Context, id string, status types.Status, outcome types.Outcome, outcomeProvided bool) (*types.Issue, error) {
	fields := storage.UpdateFields{Status: &status, OutcomeProvided: outcomeProvided}
	if outcomeProvided {
		fields.Outcome = &outcome
	}
	return s.Update(ctx, id, fields)
}

// Delete removes an issue; tags, comments, and dependency edges cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("failed to delete issue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// List returns issues matching the filter, active statuses first, then by
// priority, recency, and id.
func (s *Store) List(ctx context.Context, filter types.ListFilter) ([]*types.Issue, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		if !filter.Status.IsValid() {
			return nil, fmt.Errorf("%w: invalid status: %s", storage.ErrInvalidArgument, filter.Status)
		}
		where = append(where, "i.status = ?")
		args = append(args, filter.Status)
	}
	if filter.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM issue_tags t WHERE t.issue_id = i.id AND t.tag = ?)")
		args = append(args, filter.Tag)
	}
	if filter.Search != "" {
		needle := "%" + filter.Search + "%"
		where = append(where, "(i.id LIKE ? OR i.title LIKE ? OR i.body LIKE ?)")
		args = append(args, needle, needle, needle)
	}

	query := `
		SELECT i.id, i.title, i.body, i.status, i.outcome, i.priority, i.created_at, i.updated_at
		FROM issues i
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += `
		ORDER BY CASE i.status
			WHEN 'in_progress' THEN 0
			WHEN 'open' THEN 1
			WHEN 'paused' THEN 2
			WHEN 'closed' THEN 3
			ELSE 4 END,
			i.priority ASC, i.updated_at DESC, i.id ASC
	`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryIssues(ctx, query, args...)
}

// queryIssues runs an issue-row query and attaches tags in one follow-up
// batch.
func (s *Store) queryIssues(ctx context.Context, query string, args ...interface{}) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []*types.Issue
	var ids []string
	for rows.Next() {
		issue, err := s.scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
		ids = append(ids, issue.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	tags, err := s.tagsForIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, issue := range issues {
		issue.Tags = tags[issue.ID]
	}
	return issues, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanIssue(row rowScanner) (*types.Issue, error) {
	var issue types.Issue
	var outcome sql.NullString
	if err := row.Scan(&issue.ID, &issue.Title, &issue.Body, &issue.Status, &outcome,
		&issue.Priority, &issue.CreatedAt, &issue.UpdatedAt); err != nil {
		return nil, err
	}
	if outcome.Valid {
		issue.Outcome = types.Outcome(outcome.String)
	}
	return &issue, nil
}

func nullableOutcome(o types.Outcome) interface{} {
	if o == "" {
		return nil
	}
	return string(o)
}
