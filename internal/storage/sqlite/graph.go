package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/dagwork/dagwork/internal/storage"
	"github.com/dagwork/dagwork/internal/types"
)

// maxDepth bounds recursive walks so a parent cycle cannot spin the
// database; the validator reports the cycle properly.
const maxDepth = 64

// ControlChildren returns the state of an issue's direct children (issues
// with a parent edge to it), with tags attached.
func (s *Store) ControlChildren(ctx context.Context, id string) ([]*storage.ChildState, error) {
	key := strings.TrimSpace(id)
	if err := s.requireIssue(ctx, key); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.status, i.outcome, i.priority, i.updated_at
		FROM issue_deps d
		JOIN issues i ON i.id = d.src_id
		WHERE d.dst_id = ? AND d.relation = 'parent'
		ORDER BY i.priority ASC, i.created_at ASC, i.id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query children of %s: %w", key, err)
	}
	defer rows.Close()

	var children []*storage.ChildState
	var ids []string
	for rows.Next() {
		var c storage.ChildState
		var outcome sql.NullString
		if err := rows.Scan(&c.ID, &c.Status, &outcome, &c.Priority, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		if outcome.Valid {
			c.Outcome = types.Outcome(outcome.String)
		}
		children = append(children, &c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	tags, err := s.tagsForIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		c.Tags = tags[c.ID]
	}
	return children, nil
}

// SiblingBlocks returns the blocks edges whose endpoints are both direct
// children of parentID. These are the ordering edges for sequence and
// fallback evaluation.
func (s *Store) SiblingBlocks(ctx context.Context, parentID string) ([]types.Dependency, error) {
	key := strings.TrimSpace(parentID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.src_id, b.dst_id, b.created_at FROM issue_deps b
		WHERE b.relation = 'blocks'
		  AND EXISTS (SELECT 1 FROM issue_deps p WHERE p.src_id = b.src_id AND p.dst_id = ? AND p.relation = 'parent')
		  AND EXISTS (SELECT 1 FROM issue_deps p WHERE p.src_id = b.dst_id AND p.dst_id = ? AND p.relation = 'parent')
		ORDER BY b.created_at ASC, b.src_id ASC
	`, key, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query sibling blocks of %s: %w", key, err)
	}
	defer rows.Close()

	var deps []types.Dependency
	for rows.Next() {
		dep := types.Dependency{Relation: types.RelBlocks}
		if err := rows.Scan(&dep.SrcID, &dep.DstID, &dep.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sibling block: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// Subtree loads the root's parent-reachable subtree in a constant number
// of queries: one recursive walk for nodes, one for in-scope parent edges,
// one for blocks edges, one for tags.
func (s *Store) Subtree(ctx context.Context, rootID string) (*storage.SubtreeSnapshot, error) {
	root := strings.TrimSpace(rootID)
	if err := s.requireIssue(ctx, root); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE walk(id, depth) AS (
			SELECT ?, 0
			UNION
			SELECT d.src_id, w.depth + 1 FROM issue_deps d
			JOIN walk w ON w.id = d.dst_id
			WHERE d.relation = 'parent' AND w.depth < ?
		)
		SELECT i.id, i.status, i.outcome, MIN(w.depth)
		FROM walk w JOIN issues i ON i.id = w.id
		GROUP BY i.id
		ORDER BY MIN(w.depth) DESC, i.id ASC
	`, root, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to walk subtree of %s: %w", root, err)
	}
	defer rows.Close()

	snap := &storage.SubtreeSnapshot{
		RootID:   root,
		Children: make(map[string][]string),
		Parents:  make(map[string][]string),
	}
	inScope := make(map[string]bool)
	var ids []string
	for rows.Next() {
		var n storage.NodeState
		var outcome sql.NullString
		if err := rows.Scan(&n.ID, &n.Status, &outcome, &n.Depth); err != nil {
			return nil, fmt.Errorf("failed to scan subtree node: %w", err)
		}
		if outcome.Valid {
			n.Outcome = types.Outcome(outcome.String)
		}
		snap.Nodes = append(snap.Nodes, n)
		inScope[n.ID] = true
		ids = append(ids, n.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tags, err := s.tagsForIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range snap.Nodes {
		snap.Nodes[i].Tags = tags[snap.Nodes[i].ID]
	}

	if err := s.loadScopedEdges(ctx, snap, inScope); err != nil {
		return nil, err
	}
	return snap, nil
}

// loadScopedEdges fills the snapshot's adjacency and blocks edges from two
// whole-table edge reads filtered in memory. Edge tables are small relative
// to issue bodies, so this keeps the query count constant without IN-list
// assembly.
func (s *Store) loadScopedEdges(ctx context.Context, snap *storage.SubtreeSnapshot, inScope map[string]bool) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT src_id, dst_id, relation, created_at FROM issue_deps
		WHERE relation IN ('parent','blocks')
		ORDER BY created_at ASC, src_id ASC, dst_id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to load edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dep types.Dependency
		if err := rows.Scan(&dep.SrcID, &dep.DstID, &dep.Relation, &dep.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan edge: %w", err)
		}
		switch dep.Relation {
		case types.RelParent:
			if inScope[dep.SrcID] && inScope[dep.DstID] {
				snap.Children[dep.DstID] = append(snap.Children[dep.DstID], dep.SrcID)
				snap.Parents[dep.SrcID] = append(snap.Parents[dep.SrcID], dep.DstID)
			}
		case types.RelBlocks:
			if inScope[dep.SrcID] || inScope[dep.DstID] {
				snap.Blocks = append(snap.Blocks, dep)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, kids := range snap.Children {
		sort.Strings(kids)
	}
	return nil
}

// AncestorChain returns the issue and its parent-ancestors ordered by
// depth, nearest first. Depth 0 is the issue itself.
func (s *Store) AncestorChain(ctx context.Context, id string) ([]*storage.AncestorLink, error) {
	key := strings.TrimSpace(id)
	if err := s.requireIssue(ctx, key); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE up(id, depth) AS (
			SELECT ?, 0
			UNION
			SELECT d.dst_id, u.depth + 1 FROM issue_deps d
			JOIN up u ON u.id = d.src_id
			WHERE d.relation = 'parent' AND u.depth < ?
		)
		SELECT id, MIN(depth) FROM up GROUP BY id ORDER BY MIN(depth) ASC, id ASC
	`, key, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to walk ancestors of %s: %w", key, err)
	}
	defer rows.Close()

	var chain []*storage.AncestorLink
	var ids []string
	for rows.Next() {
		var link storage.AncestorLink
		if err := rows.Scan(&link.ID, &link.Depth); err != nil {
			return nil, fmt.Errorf("failed to scan ancestor: %w", err)
		}
		chain = append(chain, &link)
		ids = append(ids, link.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	tags, err := s.tagsForIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, link := range chain {
		link.Tags = tags[link.ID]
	}
	return chain, nil
}

// ResolveTeam finds an issue's team: its own team tag wins, then the
// nearest tagged ancestor, then the supplied default. When a node carries
// several team tags the lexicographically first is used; the validator
// surfaces the ambiguity separately.
func (s *Store) ResolveTeam(ctx context.Context, id, defaultTeam string) (*types.TeamResolution, error) {
	chain, err := s.AncestorChain(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &types.TeamResolution{IssueID: strings.TrimSpace(id)}
	for _, link := range chain {
		res.Lineage = append(res.Lineage, link.ID)
	}
	for _, link := range chain {
		teams := types.TeamTags(link.Tags)
		if len(teams) == 0 {
			continue
		}
		sort.Strings(teams)
		res.Team = teams[0]
		res.SourceIssueID = link.ID
		res.SourceTag = types.TeamTagPrefix + teams[0]
		res.Depth = link.Depth
		if link.Depth == 0 {
			res.Source = "issue_tag"
		} else {
			res.Source = "ancestor_tag"
		}
		return res, nil
	}
	res.Team = defaultTeam
	res.Source = "default_team"
	return res, nil
}
