package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("workflow run not found")

func (d queries) InsertRun(ctx context.Context, r *WorkflowRun) error {
	if r.Status == "" {
		r.Status = RunPending
	}
	perms, err := marshalPermissions(r.Permissions)
	if err != nil {
		return err
	}
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO workflow_runs (tree_id, status, status_reason, max_steps, permissions, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TreeID, string(r.Status), r.StatusReason, r.MaxSteps, perms,
		nullTime(r.StartedAt), nullTime(r.CompletedAt), now(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	d.logger.Debug("store: insert run", "run_id", r.ID, "tree_id", r.TreeID, "status", r.Status)
	return nil
}

func (d queries) GetRun(ctx context.Context, id int64) (*WorkflowRun, error) {
	var r WorkflowRun
	var status string
	var perms, started, completed sql.NullString
	var created string
	err := d.q.QueryRowContext(ctx,
		`SELECT id, tree_id, status, status_reason, max_steps, permissions, started_at, completed_at, created_at
		 FROM workflow_runs WHERE id = ?`, id).
		Scan(&r.ID, &r.TreeID, &status, &r.StatusReason, &r.MaxSteps, &perms, &started, &completed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.Status = RunStatus(status)
	if perms.Valid {
		_ = json.Unmarshal([]byte(perms.String), &r.Permissions)
	}
	r.StartedAt = scanNullTime(started)
	r.CompletedAt = scanNullTime(completed)
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// TransitionRun moves a run to a new status, setting timestamps as the
// transition requires. The trigger layer aborts illegal transitions.
func (d queries) TransitionRun(ctx context.Context, id int64, to RunStatus, reason string) error {
	var started, completed any
	nowStr := now()
	switch to {
	case RunRunning:
		// Keep started_at from the first activation; clear completed_at
		// (operator retry of a failed run).
		_, err := d.q.ExecContext(ctx,
			`UPDATE workflow_runs
			 SET status = ?, status_reason = ?, started_at = COALESCE(started_at, ?), completed_at = NULL
			 WHERE id = ?`, string(to), reason, nowStr, id)
		if err != nil {
			return fmt.Errorf("transition run %d -> %s: %w", id, to, err)
		}
		return nil
	case RunCompleted, RunFailed:
		completed = nowStr
		_, err := d.q.ExecContext(ctx,
			`UPDATE workflow_runs SET status = ?, status_reason = ?, completed_at = ? WHERE id = ?`,
			string(to), reason, completed, id)
		if err != nil {
			return fmt.Errorf("transition run %d -> %s: %w", id, to, err)
		}
		return nil
	case RunCancelled:
		completed = nowStr
		_, err := d.q.ExecContext(ctx,
			`UPDATE workflow_runs SET status = ?, status_reason = ?, completed_at = ? WHERE id = ?`,
			string(to), reason, completed, id)
		if err != nil {
			return fmt.Errorf("transition run %d -> %s: %w", id, to, err)
		}
		return nil
	case RunPaused:
		_, err := d.q.ExecContext(ctx,
			`UPDATE workflow_runs SET status = ?, status_reason = ? WHERE id = ?`,
			string(to), reason, id)
		if err != nil {
			return fmt.Errorf("transition run %d -> %s: %w", id, to, err)
		}
		return nil
	default:
		_ = started
		return fmt.Errorf("transition run %d: unsupported target status %q", id, to)
	}
}

// StartRun moves a pending run straight to running with an explicit
// start time. Status and started_at land in one update so the
// timestamp trigger always sees a consistent row; a zero time means
// now, and an existing stamp is kept.
func (d queries) StartRun(ctx context.Context, id int64, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := d.q.ExecContext(ctx,
		`UPDATE workflow_runs
		 SET status = ?, started_at = COALESCE(started_at, ?)
		 WHERE id = ?`, string(RunRunning), fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

func (d queries) ListRuns(ctx context.Context, limit int) ([]*WorkflowRun, error) {
	q := `SELECT id FROM workflow_runs ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*WorkflowRun, 0, len(ids))
	for _, id := range ids {
		r, err := d.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// PurgeRun deletes a run and, through cascading foreign keys, all of
// its nodes, artifacts, decisions, diagnostics, events, barriers, and
// edges.
func (d queries) PurgeRun(ctx context.Context, id int64) error {
	_, err := d.q.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("purge run: %w", err)
	}
	return nil
}

func marshalPermissions(perms []string) (any, error) {
	if len(perms) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return nil, fmt.Errorf("marshal permissions: %w", err)
	}
	return string(b), nil
}
