package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrRunNodeNotFound is returned when a run node lookup misses.
var ErrRunNodeNotFound = errors.New("run node not found")

const runNodeColumns = `id, run_id, tree_node_id, node_key, attempt, status, sequence_index,
	node_type, node_role, provider, model, prompt, max_retries, max_children,
	error_handler_config, spawner_run_node_id, join_node_key, lineage_depth,
	sequence_path, metadata, started_at, completed_at, created_at`

func (d queries) InsertRunNode(ctx context.Context, n *RunNode) error {
	if n.Status == "" {
		n.Status = NodePending
	}
	if n.Attempt == 0 {
		n.Attempt = 1
	}
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO run_nodes
		 (run_id, tree_node_id, node_key, attempt, status, sequence_index, node_type, node_role,
		  provider, model, prompt, max_retries, max_children, error_handler_config,
		  spawner_run_node_id, join_node_key, lineage_depth, sequence_path, metadata,
		  started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		n.RunID, nullID(n.TreeNodeID), n.NodeKey, n.Attempt, string(n.Status), n.SequenceIndex,
		string(n.NodeType), string(n.NodeRole), nullStr(n.Provider), nullStr(n.Model), n.Prompt,
		n.MaxRetries, n.MaxChildren, nullStr(n.ErrorHandlerCfg),
		nullID(n.SpawnerRunNodeID), nullStr(n.JoinNodeKey), n.LineageDepth,
		nullStr(n.SequencePath), nullStr(n.Metadata), now(),
	)
	if err != nil {
		return fmt.Errorf("insert run node: %w", err)
	}
	n.ID, _ = res.LastInsertId()
	d.logger.Debug("store: insert run node", "run_id", n.RunID, "node_key", n.NodeKey, "attempt", n.Attempt)
	return nil
}

func (d queries) GetRunNode(ctx context.Context, id int64) (*RunNode, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+runNodeColumns+` FROM run_nodes WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get run node: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrRunNodeNotFound
	}
	return scanRunNode(rows)
}

// LatestAttempts returns the highest-attempt row per node_key for a
// run, ordered by (sequence_index, node_key, id).
func (d queries) LatestAttempts(ctx context.Context, runID int64) ([]*RunNode, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+runNodeColumns+` FROM run_nodes
		 WHERE run_id = ? AND (node_key, attempt) IN (
			SELECT node_key, MAX(attempt) FROM run_nodes WHERE run_id = ? GROUP BY node_key
		 )
		 ORDER BY sequence_index, node_key, id`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("latest attempts: %w", err)
	}
	defer rows.Close()
	var nodes []*RunNode
	for rows.Next() {
		n, err := scanRunNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// LatestAttempt returns the highest-attempt row for one node key.
func (d queries) LatestAttempt(ctx context.Context, runID int64, nodeKey string) (*RunNode, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+runNodeColumns+` FROM run_nodes
		 WHERE run_id = ? AND node_key = ?
		 ORDER BY attempt DESC LIMIT 1`, runID, nodeKey)
	if err != nil {
		return nil, fmt.Errorf("latest attempt: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrRunNodeNotFound
	}
	return scanRunNode(rows)
}

// GetAttempt returns one specific attempt row.
func (d queries) GetAttempt(ctx context.Context, runID int64, nodeKey string, attempt int) (*RunNode, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+runNodeColumns+` FROM run_nodes
		 WHERE run_id = ? AND node_key = ? AND attempt = ?`, runID, nodeKey, attempt)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrRunNodeNotFound
	}
	return scanRunNode(rows)
}

// ListRunNodes returns every attempt row for a run ordered by
// (sequence_index, node_key, attempt).
func (d queries) ListRunNodes(ctx context.Context, runID int64) ([]*RunNode, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+runNodeColumns+` FROM run_nodes WHERE run_id = ?
		 ORDER BY sequence_index, node_key, attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run nodes: %w", err)
	}
	defer rows.Close()
	var nodes []*RunNode
	for rows.Next() {
		n, err := scanRunNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// TransitionRunNode moves one attempt row to a new status, maintaining
// started_at/completed_at per the timestamp invariants. The trigger
// layer aborts illegal transitions.
func (d queries) TransitionRunNode(ctx context.Context, id int64, to NodeStatus) error {
	var res sql.Result
	var err error
	nowStr := now()
	switch to {
	case NodeRunning:
		res, err = d.q.ExecContext(ctx,
			`UPDATE run_nodes SET status = ?, started_at = COALESCE(started_at, ?), completed_at = NULL
			 WHERE id = ?`, string(to), nowStr, id)
	case NodeCompleted, NodeFailed:
		res, err = d.q.ExecContext(ctx,
			`UPDATE run_nodes SET status = ?, completed_at = ? WHERE id = ?`, string(to), nowStr, id)
	case NodeSkipped, NodeCancelled:
		// Terminal without ever running: completed_at marks the decision.
		res, err = d.q.ExecContext(ctx,
			`UPDATE run_nodes SET status = ?, completed_at = ? WHERE id = ?`, string(to), nowStr, id)
	case NodePending:
		// Reactivation (skipped -> pending). Timestamps reset.
		res, err = d.q.ExecContext(ctx,
			`UPDATE run_nodes SET status = ?, started_at = NULL, completed_at = NULL WHERE id = ?`,
			string(to), id)
	default:
		return fmt.Errorf("transition run node %d: unsupported target status %q", id, to)
	}
	if err != nil {
		return fmt.Errorf("transition run node %d -> %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNodeNotFound
	}
	return nil
}

// ChildrenOfSpawn returns the latest attempts of all dynamic children
// of one spawner attempt, ordered by sequence_path.
func (d queries) ChildrenOfSpawn(ctx context.Context, runID, spawnerRunNodeID int64) ([]*RunNode, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+runNodeColumns+` FROM run_nodes
		 WHERE run_id = ? AND spawner_run_node_id = ? AND (node_key, attempt) IN (
			SELECT node_key, MAX(attempt) FROM run_nodes WHERE run_id = ? GROUP BY node_key
		 )
		 ORDER BY sequence_path, node_key`, runID, spawnerRunNodeID, runID)
	if err != nil {
		return nil, fmt.Errorf("children of spawn: %w", err)
	}
	defer rows.Close()
	var nodes []*RunNode
	for rows.Next() {
		n, err := scanRunNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func scanRunNode(rows *sql.Rows) (*RunNode, error) {
	var n RunNode
	var status, nodeType, nodeRole, created string
	var treeNodeID, spawnerID sql.NullInt64
	var provider, model, ehc, joinKey, seqPath, meta, started, completed sql.NullString
	err := rows.Scan(&n.ID, &n.RunID, &treeNodeID, &n.NodeKey, &n.Attempt, &status,
		&n.SequenceIndex, &nodeType, &nodeRole, &provider, &model, &n.Prompt,
		&n.MaxRetries, &n.MaxChildren, &ehc, &spawnerID, &joinKey, &n.LineageDepth,
		&seqPath, &meta, &started, &completed, &created)
	if err != nil {
		return nil, fmt.Errorf("scan run node: %w", err)
	}
	n.TreeNodeID = treeNodeID.Int64
	n.Status = NodeStatus(status)
	n.NodeType = NodeType(nodeType)
	n.NodeRole = NodeRole(nodeRole)
	n.Provider = provider.String
	n.Model = model.String
	n.ErrorHandlerCfg = ehc.String
	n.SpawnerRunNodeID = spawnerID.Int64
	n.JoinNodeKey = joinKey.String
	n.SequencePath = seqPath.String
	n.Metadata = meta.String
	n.StartedAt = scanNullTime(started)
	n.CompletedAt = scanNullTime(completed)
	n.CreatedAt = parseTime(created)
	return &n, nil
}
