package store

import (
	"context"
	"database/sql"
	"fmt"
)

const runEdgeColumns = `id, run_id, edge_kind, source_node_key, target_node_key,
	route_on, priority, auto, guard_id, selected, created_at`

func (d queries) InsertRunEdge(ctx context.Context, e *RunNodeEdge) error {
	if e.EdgeKind == "" {
		e.EdgeKind = EdgeTree
	}
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO run_node_edges
		 (run_id, edge_kind, source_node_key, target_node_key, route_on, priority, auto, guard_id, selected, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, string(e.EdgeKind), e.SourceNodeKey, e.TargetNodeKey, string(e.RouteOn),
		e.Priority, boolInt(e.Auto), nullID(e.GuardID), boolInt(e.Selected), now(),
	)
	if err != nil {
		return fmt.Errorf("insert run edge: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListRunEdges returns all runtime edges for a run in deterministic
// order (source_node_key, route_on, priority, target_node_key, id).
func (d queries) ListRunEdges(ctx context.Context, runID int64) ([]*RunNodeEdge, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+runEdgeColumns+` FROM run_node_edges WHERE run_id = ?
		 ORDER BY source_node_key, route_on, priority, target_node_key, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run edges: %w", err)
	}
	defer rows.Close()
	var edges []*RunNodeEdge
	for rows.Next() {
		e, err := scanRunEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// OutgoingEdges returns a source node's outgoing edges for one route,
// in selection order (priority, target_node_key, id).
func (d queries) OutgoingEdges(ctx context.Context, runID int64, sourceKey string, routeOn RouteOn) ([]*RunNodeEdge, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+runEdgeColumns+` FROM run_node_edges
		 WHERE run_id = ? AND source_node_key = ? AND route_on = ?
		 ORDER BY priority, target_node_key, id`, runID, sourceKey, string(routeOn))
	if err != nil {
		return nil, fmt.Errorf("outgoing edges: %w", err)
	}
	defer rows.Close()
	var edges []*RunNodeEdge
	for rows.Next() {
		e, err := scanRunEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// MarkEdgeSelected records that the scheduler routed across this edge.
func (d queries) MarkEdgeSelected(ctx context.Context, edgeID int64) error {
	_, err := d.q.ExecContext(ctx,
		`UPDATE run_node_edges SET selected = 1 WHERE id = ?`, edgeID)
	if err != nil {
		return fmt.Errorf("mark edge selected: %w", err)
	}
	return nil
}

// ClearEdgeSelections resets selection state for a source node's
// outgoing edges. Used when a node is re-queued for a fresh attempt.
func (d queries) ClearEdgeSelections(ctx context.Context, runID int64, sourceKey string) error {
	_, err := d.q.ExecContext(ctx,
		`UPDATE run_node_edges SET selected = 0 WHERE run_id = ? AND source_node_key = ?`,
		runID, sourceKey)
	if err != nil {
		return fmt.Errorf("clear edge selections: %w", err)
	}
	return nil
}

func scanRunEdge(rows *sql.Rows) (*RunNodeEdge, error) {
	var e RunNodeEdge
	var kind, routeOn, created string
	var auto, selected int
	var guardID sql.NullInt64
	err := rows.Scan(&e.ID, &e.RunID, &kind, &e.SourceNodeKey, &e.TargetNodeKey,
		&routeOn, &e.Priority, &auto, &guardID, &selected, &created)
	if err != nil {
		return nil, fmt.Errorf("scan run edge: %w", err)
	}
	e.EdgeKind = EdgeKind(kind)
	e.RouteOn = RouteOn(routeOn)
	e.Auto = auto == 1
	e.GuardID = guardID.Int64
	e.Selected = selected == 1
	e.CreatedAt = parseTime(created)
	return &e, nil
}
