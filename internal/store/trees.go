package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrTreeNotFound is returned when no workflow tree matches a
// (tree_key, version) lookup.
var ErrTreeNotFound = errors.New("workflow tree not found")

// ErrAmbiguousTreeVersion is returned when a version-less lookup finds
// more than one published version for a key.
var ErrAmbiguousTreeVersion = errors.New("ambiguous workflow tree version")

func (d queries) InsertTree(ctx context.Context, t *WorkflowTree) error {
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO workflow_trees (tree_key, version, name, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.TreeKey, t.Version, t.Name, string(t.Status), now(),
	)
	if err != nil {
		return fmt.Errorf("insert tree: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	d.logger.Debug("store: insert tree", "tree_key", t.TreeKey, "version", t.Version, "id", t.ID)
	return nil
}

func (d queries) PublishTree(ctx context.Context, id int64) error {
	_, err := d.q.ExecContext(ctx,
		`UPDATE workflow_trees SET status = 'published' WHERE id = ? AND status = 'draft'`, id)
	if err != nil {
		return fmt.Errorf("publish tree: %w", err)
	}
	return nil
}

// FindTree resolves a tree by key and optional version. A nil version
// selects the single published version; more than one published
// version for the key is an error.
func (d queries) FindTree(ctx context.Context, treeKey string, version *int) (*WorkflowTree, error) {
	if version != nil {
		row := d.q.QueryRowContext(ctx,
			`SELECT id, tree_key, version, name, status, created_at
			 FROM workflow_trees WHERE tree_key = ? AND version = ? AND status = 'published'`,
			treeKey, *version)
		return scanTree(row)
	}
	rows, err := d.q.QueryContext(ctx,
		`SELECT id, tree_key, version, name, status, created_at
		 FROM workflow_trees WHERE tree_key = ? AND status = 'published'
		 ORDER BY version DESC`, treeKey)
	if err != nil {
		return nil, fmt.Errorf("find tree: %w", err)
	}
	defer rows.Close()
	var found []*WorkflowTree
	for rows.Next() {
		t, err := scanTreeRows(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find tree: %w", err)
	}
	switch len(found) {
	case 0:
		return nil, ErrTreeNotFound
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w: tree_key %q has %d published versions", ErrAmbiguousTreeVersion, treeKey, len(found))
	}
}

func (d queries) GetTree(ctx context.Context, id int64) (*WorkflowTree, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT id, tree_key, version, name, status, created_at FROM workflow_trees WHERE id = ?`, id)
	return scanTree(row)
}

func scanTree(row *sql.Row) (*WorkflowTree, error) {
	var t WorkflowTree
	var status, created string
	err := row.Scan(&t.ID, &t.TreeKey, &t.Version, &t.Name, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTreeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tree: %w", err)
	}
	t.Status = TreeStatus(status)
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func scanTreeRows(rows *sql.Rows) (*WorkflowTree, error) {
	var t WorkflowTree
	var status, created string
	if err := rows.Scan(&t.ID, &t.TreeKey, &t.Version, &t.Name, &status, &created); err != nil {
		return nil, fmt.Errorf("scan tree: %w", err)
	}
	t.Status = TreeStatus(status)
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func (d queries) InsertTreeNode(ctx context.Context, n *TreeNode) error {
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO tree_nodes
		 (tree_id, node_key, sequence_index, node_type, node_role, provider, model, prompt,
		  max_retries, max_children, error_handler_config)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.TreeID, n.NodeKey, n.SequenceIndex, string(n.NodeType), string(n.NodeRole),
		nullStr(n.Provider), nullStr(n.Model), n.Prompt,
		n.MaxRetries, n.MaxChildren, nullStr(n.ErrorHandlerConfig),
	)
	if err != nil {
		return fmt.Errorf("insert tree node: %w", err)
	}
	n.ID, _ = res.LastInsertId()
	return nil
}

// ListTreeNodes returns all nodes of a tree in deterministic order:
// (sequence_index, node_key, id).
func (d queries) ListTreeNodes(ctx context.Context, treeID int64) ([]*TreeNode, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT id, tree_id, node_key, sequence_index, node_type, node_role,
		        provider, model, prompt, max_retries, max_children, error_handler_config
		 FROM tree_nodes WHERE tree_id = ?
		 ORDER BY sequence_index, node_key, id`, treeID)
	if err != nil {
		return nil, fmt.Errorf("list tree nodes: %w", err)
	}
	defer rows.Close()
	var nodes []*TreeNode
	for rows.Next() {
		var n TreeNode
		var nodeType, nodeRole string
		var provider, model, ehc sql.NullString
		if err := rows.Scan(&n.ID, &n.TreeID, &n.NodeKey, &n.SequenceIndex, &nodeType, &nodeRole,
			&provider, &model, &n.Prompt, &n.MaxRetries, &n.MaxChildren, &ehc); err != nil {
			return nil, fmt.Errorf("scan tree node: %w", err)
		}
		n.NodeType = NodeType(nodeType)
		n.NodeRole = NodeRole(nodeRole)
		n.Provider = provider.String
		n.Model = model.String
		n.ErrorHandlerConfig = ehc.String
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (d queries) InsertTreeEdge(ctx context.Context, e *TreeEdge) error {
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO tree_edges (tree_id, source_node_id, target_node_id, route_on, priority, auto, guard_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TreeID, e.SourceNodeID, e.TargetNodeID, string(e.RouteOn), e.Priority,
		boolInt(e.Auto), nullID(e.GuardID),
	)
	if err != nil {
		return fmt.Errorf("insert tree edge: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListTreeEdges returns all edges of a tree in deterministic order:
// (source_id, route_on, priority, target_id, id). Edges whose source
// node id is unknown sort last, still deterministically.
func (d queries) ListTreeEdges(ctx context.Context, treeID int64) ([]*TreeEdge, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT e.id, e.tree_id, e.source_node_id, e.target_node_id, e.route_on, e.priority, e.auto, e.guard_id
		 FROM tree_edges e
		 LEFT JOIN tree_nodes s ON s.id = e.source_node_id
		 WHERE e.tree_id = ?
		 ORDER BY (s.id IS NULL), e.source_node_id, e.route_on, e.priority, e.target_node_id, e.id`, treeID)
	if err != nil {
		return nil, fmt.Errorf("list tree edges: %w", err)
	}
	defer rows.Close()
	var edges []*TreeEdge
	for rows.Next() {
		var e TreeEdge
		var routeOn string
		var auto int
		var guardID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TreeID, &e.SourceNodeID, &e.TargetNodeID, &routeOn, &e.Priority, &auto, &guardID); err != nil {
			return nil, fmt.Errorf("scan tree edge: %w", err)
		}
		e.RouteOn = RouteOn(routeOn)
		e.Auto = auto == 1
		e.GuardID = guardID.Int64
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

func (d queries) InsertGuard(ctx context.Context, g *GuardDefinition) error {
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO guard_definitions (guard_key, version, expression) VALUES (?, ?, ?)`,
		g.GuardKey, g.Version, g.Expression,
	)
	if err != nil {
		return fmt.Errorf("insert guard: %w", err)
	}
	g.ID, _ = res.LastInsertId()
	return nil
}

func (d queries) GetGuard(ctx context.Context, id int64) (*GuardDefinition, error) {
	var g GuardDefinition
	err := d.q.QueryRowContext(ctx,
		`SELECT id, guard_key, version, expression FROM guard_definitions WHERE id = ?`, id).
		Scan(&g.ID, &g.GuardKey, &g.Version, &g.Expression)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("guard %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get guard: %w", err)
	}
	return &g, nil
}
