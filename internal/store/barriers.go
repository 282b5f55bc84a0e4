package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrBarrierNotFound is returned when a join barrier lookup misses.
var ErrBarrierNotFound = errors.New("join barrier not found")

const barrierColumns = `id, run_id, spawner_node_key, join_node_key, spawn_artifact_id,
	expected_children, terminal_children, completed_children, failed_children, status, created_at`

func (d queries) InsertBarrier(ctx context.Context, b *JoinBarrier) error {
	if b.Status == "" {
		b.Status = BarrierPending
	}
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO run_join_barriers
		 (run_id, spawner_node_key, join_node_key, spawn_artifact_id, expected_children,
		  terminal_children, completed_children, failed_children, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.RunID, b.SpawnerNodeKey, b.JoinNodeKey, b.SpawnArtifactID, b.ExpectedChildren,
		b.TerminalChildren, b.CompletedChildren, b.FailedChildren, string(b.Status), now(),
	)
	if err != nil {
		return fmt.Errorf("insert barrier: %w", err)
	}
	b.ID, _ = res.LastInsertId()
	d.logger.Debug("store: insert barrier", "run_id", b.RunID, "join", b.JoinNodeKey, "expected", b.ExpectedChildren)
	return nil
}

func (d queries) GetBarrier(ctx context.Context, id int64) (*JoinBarrier, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+barrierColumns+` FROM run_join_barriers WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get barrier: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrBarrierNotFound
	}
	return scanBarrier(rows)
}

// BarrierForJoin returns the most recent barrier gating a join node.
func (d queries) BarrierForJoin(ctx context.Context, runID int64, joinNodeKey string) (*JoinBarrier, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+barrierColumns+` FROM run_join_barriers
		 WHERE run_id = ? AND join_node_key = ?
		 ORDER BY id DESC LIMIT 1`, runID, joinNodeKey)
	if err != nil {
		return nil, fmt.Errorf("barrier for join: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrBarrierNotFound
	}
	return scanBarrier(rows)
}

func (d queries) ListBarriers(ctx context.Context, runID int64) ([]*JoinBarrier, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+barrierColumns+` FROM run_join_barriers WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list barriers: %w", err)
	}
	defer rows.Close()
	var out []*JoinBarrier
	for rows.Next() {
		b, err := scanBarrier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecordChildTerminal increments the barrier counters for one child
// reaching terminal status, flipping pending -> ready when the last
// expected child lands. Runs in the caller's transaction alongside the
// child transition so no two terminations can race the counters.
func (d queries) RecordChildTerminal(ctx context.Context, barrierID int64, childStatus NodeStatus) (*JoinBarrier, error) {
	completedInc, failedInc := 0, 0
	switch childStatus {
	case NodeCompleted:
		completedInc = 1
	case NodeFailed:
		failedInc = 1
	case NodeSkipped, NodeCancelled:
		// Terminal only; neither completed nor failed.
	default:
		return nil, fmt.Errorf("record child terminal: %q is not terminal", childStatus)
	}
	_, err := d.q.ExecContext(ctx,
		`UPDATE run_join_barriers
		 SET terminal_children = terminal_children + 1,
		     completed_children = completed_children + ?,
		     failed_children = failed_children + ?
		 WHERE id = ?`, completedInc, failedInc, barrierID)
	if err != nil {
		return nil, fmt.Errorf("record child terminal: %w", err)
	}
	b, err := d.GetBarrier(ctx, barrierID)
	if err != nil {
		return nil, err
	}
	if b.Status == BarrierPending && b.TerminalChildren == b.ExpectedChildren {
		if err := d.TransitionBarrier(ctx, barrierID, BarrierReady); err != nil {
			return nil, err
		}
		b.Status = BarrierReady
	}
	return b, nil
}

func (d queries) TransitionBarrier(ctx context.Context, id int64, to BarrierStatus) error {
	_, err := d.q.ExecContext(ctx,
		`UPDATE run_join_barriers SET status = ? WHERE id = ?`, string(to), id)
	if err != nil {
		return fmt.Errorf("transition barrier %d -> %s: %w", id, to, err)
	}
	return nil
}

// CancelOpenBarriers cancels every barrier of a run that has not fired.
func (d queries) CancelOpenBarriers(ctx context.Context, runID int64) error {
	_, err := d.q.ExecContext(ctx,
		`UPDATE run_join_barriers SET status = 'cancelled'
		 WHERE run_id = ? AND status IN ('pending','ready')`, runID)
	if err != nil {
		return fmt.Errorf("cancel open barriers: %w", err)
	}
	return nil
}

func scanBarrier(rows *sql.Rows) (*JoinBarrier, error) {
	var b JoinBarrier
	var status, created string
	err := rows.Scan(&b.ID, &b.RunID, &b.SpawnerNodeKey, &b.JoinNodeKey, &b.SpawnArtifactID,
		&b.ExpectedChildren, &b.TerminalChildren, &b.CompletedChildren, &b.FailedChildren,
		&status, &created)
	if err != nil {
		return nil, fmt.Errorf("scan barrier: %w", err)
	}
	b.Status = BarrierStatus(status)
	b.CreatedAt = parseTime(created)
	return &b, nil
}
