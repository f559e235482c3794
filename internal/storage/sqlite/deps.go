package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/types"
)

// AddTag attaches a tag and returns the refreshed issue. Adding a tag that
// is already present is a no-op.
func (s *Store) AddTag(ctx context.Context, id, tag string) (*types.Issue, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, fmt.Errorf("%w: tag cannot be empty", storage.ErrInvalidArgument)
	}
	if err := s.requireIssue(ctx, id); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO issue_tags (issue_id, tag) VALUES (?, ?)`, strings.TrimSpace(id), tag)
	if err != nil {
		return nil, fmt.Errorf("failed to add tag: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE issues SET updated_at = ? WHERE id = ?`, nowMillis(), strings.TrimSpace(id)); err != nil {
			return nil, fmt.Errorf("failed to touch issue: %w", err)
		}
	}
	return s.Get(ctx, id)
}

// RemoveTag detaches a tag and returns the refreshed issue. Removing a tag
// that is not present is a no-op.
func (s *Store) RemoveTag(ctx context.Context, id, tag string) (*types.Issue, error) {
	if err := s.requireIssue(ctx, id); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM issue_tags WHERE issue_id = ? AND tag = ?`, strings.TrimSpace(id), strings.TrimSpace(tag))
	if err != nil {
		return nil, fmt.Errorf("failed to remove tag: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE issues SET updated_at = ? WHERE id = ?`, nowMillis(), strings.TrimSpace(id)); err != nil {
			return nil, fmt.Errorf("failed to touch issue: %w", err)
		}
	}
	return s.Get(ctx, id)
}

// AddComment appends a comment.
func (s *Store) AddComment(ctx context.Context, id, body, author string) (*types.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: comment body cannot be empty", storage.ErrInvalidArgument)
	}
	if err := s.requireIssue(ctx, id); err != nil {
		return nil, err
	}
	now := nowMillis()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_comments (issue_id, author, body, created_at)
		VALUES (?, ?, ?, ?)
	`, strings.TrimSpace(id), author, body, now)
	if err != nil {
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}
	commentID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read comment id: %w", err)
	}
	return &types.Comment{
		ID:        commentID,
		IssueID:   strings.TrimSpace(id),
		Body:      body,
		Author:    author,
		CreatedAt: now,
	}, nil
}

// ListComments returns an issue's comments oldest-first.
func (s *Store) ListComments(ctx context.Context, id string, limit int) ([]*types.Comment, error) {
	if err := s.requireIssue(ctx, id); err != nil {
		return nil, err
	}
	query := `
		SELECT id, issue_id, author, body, created_at
		FROM issue_comments WHERE issue_id = ?
		ORDER BY created_at ASC, id ASC
	`
	args := []interface{}{strings.TrimSpace(id)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []*types.Comment
	for rows.Next() {
		var c types.Comment
		if err := rows.Scan(&c.ID, &c.IssueID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// AddDependency records a directed edge. Both endpoints must exist,
// self-loops are rejected, and duplicate edges are idempotent.
func (s *Store) AddDependency(ctx context.Context, srcID string, rel types.Relation, dstID string) (*types.Dependency, error) {
	srcID = strings.TrimSpace(srcID)
	dstID = strings.TrimSpace(dstID)
	if !rel.IsValid() {
		return nil, fmt.Errorf("%w: invalid relation type: %s", storage.ErrInvalidArgument, rel)
	}
	if srcID == dstID {
		return nil, fmt.Errorf("%w: dependency cannot reference itself", storage.ErrInvalidArgument)
	}
	if err := s.requireIssue(ctx, srcID); err != nil {
		return nil, err
	}
	if err := s.requireIssue(ctx, dstID); err != nil {
		return nil, err
	}
	now := nowMillis()
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO issue_deps (src_id, dst_id, relation, created_at)
		VALUES (?, ?, ?, ?)
	`, srcID, dstID, rel, now); err != nil {
		return nil, fmt.Errorf("failed to add dependency: %w", err)
	}
	var createdAt int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM issue_deps WHERE src_id = ? AND dst_id = ? AND relation = ?
	`, srcID, dstID, rel).Scan(&createdAt); err != nil {
		return nil, fmt.Errorf("failed to read dependency: %w", err)
	}
	return &types.Dependency{SrcID: srcID, Relation: rel, DstID: dstID, CreatedAt: createdAt}, nil
}

// Dependencies returns every edge touching the issue, in both directions,
// annotated with endpoint statuses and the active flag. A blocks edge is
// active while its source is non-terminal, a parent edge while its child
// endpoint (the source) is, and a related edge while both endpoints are.
func (s *Store) Dependencies(ctx context.Context, id string) ([]*types.DependencyView, error) {
	key := strings.TrimSpace(id)
	if err := s.requireIssue(ctx, key); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.src_id, d.dst_id, d.relation, d.created_at, src.status, dst.status
		FROM issue_deps d
		JOIN issues src ON src.id = d.src_id
		JOIN issues dst ON dst.id = d.dst_id
		WHERE d.src_id = ? OR d.dst_id = ?
		ORDER BY d.relation ASC, d.created_at ASC, d.src_id ASC, d.dst_id ASC
	`, key, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var views []*types.DependencyView
	for rows.Next() {
		var v types.DependencyView
		if err := rows.Scan(&v.SrcID, &v.DstID, &v.Relation, &v.CreatedAt, &v.SrcStatus, &v.DstStatus); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		switch v.Relation {
		case types.RelBlocks, types.RelParent:
			v.Active = !v.SrcStatus.Terminal()
		default:
			v.Active = !v.SrcStatus.Terminal() && !v.DstStatus.Terminal()
		}
		v.Direction = "in"
		if v.SrcID == key {
			v.Direction = "out"
		}
		views = append(views, &v)
	}
	return views, rows.Err()
}
