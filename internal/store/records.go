package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Routing decisions, per-attempt diagnostics, and stream events share
// the same insert/list shape; they live together here.

func (d queries) InsertDecision(ctx context.Context, dec *RoutingDecision) error {
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO routing_decisions (run_id, run_node_id, decision_type, rationale, raw_output, selected_edge_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dec.RunID, dec.RunNodeID, string(dec.DecisionType), dec.Rationale, dec.RawOutput,
		nullID(dec.SelectedEdgeID), now(),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	dec.ID, _ = res.LastInsertId()
	return nil
}

// SetDecisionEdge records the selected edge after selection commits.
func (d queries) SetDecisionEdge(ctx context.Context, decisionID, edgeID int64) error {
	_, err := d.q.ExecContext(ctx,
		`UPDATE routing_decisions SET selected_edge_id = ? WHERE id = ?`, edgeID, decisionID)
	if err != nil {
		return fmt.Errorf("set decision edge: %w", err)
	}
	return nil
}

func (d queries) DecisionForRunNode(ctx context.Context, runNodeID int64) (*RoutingDecision, error) {
	var dec RoutingDecision
	var typ, created string
	var edgeID sql.NullInt64
	err := d.q.QueryRowContext(ctx,
		`SELECT id, run_id, run_node_id, decision_type, rationale, raw_output, selected_edge_id, created_at
		 FROM routing_decisions WHERE run_node_id = ?`, runNodeID).
		Scan(&dec.ID, &dec.RunID, &dec.RunNodeID, &typ, &dec.Rationale, &dec.RawOutput, &edgeID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decision for run node: %w", err)
	}
	dec.DecisionType = DecisionType(typ)
	dec.SelectedEdgeID = edgeID.Int64
	dec.CreatedAt = parseTime(created)
	return &dec, nil
}

func (d queries) UpsertDiagnostics(ctx context.Context, diag *Diagnostics) error {
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO run_node_diagnostics (run_id, run_node_id, attempt, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, run_node_id, attempt) DO UPDATE SET payload = excluded.payload`,
		diag.RunID, diag.RunNodeID, diag.Attempt, diag.Payload, now(),
	)
	if err != nil {
		return fmt.Errorf("upsert diagnostics: %w", err)
	}
	diag.ID, _ = res.LastInsertId()
	return nil
}

func (d queries) DiagnosticsForAttempt(ctx context.Context, runID, runNodeID int64, attempt int) (*Diagnostics, error) {
	var diag Diagnostics
	var created string
	err := d.q.QueryRowContext(ctx,
		`SELECT id, run_id, run_node_id, attempt, payload, created_at
		 FROM run_node_diagnostics WHERE run_id = ? AND run_node_id = ? AND attempt = ?`,
		runID, runNodeID, attempt).
		Scan(&diag.ID, &diag.RunID, &diag.RunNodeID, &diag.Attempt, &diag.Payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("diagnostics for attempt: %w", err)
	}
	diag.CreatedAt = parseTime(created)
	return &diag, nil
}

// NextEventSequence allocates the next stream-event sequence for an
// attempt. Sequences are 1..N contiguous; the unique index rejects
// duplicates if two writers ever race.
func (d queries) NextEventSequence(ctx context.Context, runID, runNodeID int64, attempt int) (int, error) {
	var maxSeq sql.NullInt64
	err := d.q.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM run_node_stream_events
		 WHERE run_id = ? AND run_node_id = ? AND attempt = ?`, runID, runNodeID, attempt).
		Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("next event sequence: %w", err)
	}
	return int(maxSeq.Int64) + 1, nil
}

func (d queries) InsertStreamEvent(ctx context.Context, ev *StreamEvent) error {
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO run_node_stream_events
		 (run_id, run_node_id, attempt, sequence, event_type, content_preview, tokens_delta, tokens_total, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.RunNodeID, ev.Attempt, ev.Sequence, string(ev.EventType),
		ev.ContentPreview, ev.TokensDelta, ev.TokensTotal, now(),
	)
	if err != nil {
		return fmt.Errorf("insert stream event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

func (d queries) ListStreamEvents(ctx context.Context, runID, runNodeID int64, attempt int) ([]*StreamEvent, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT id, run_id, run_node_id, attempt, sequence, event_type, content_preview, tokens_delta, tokens_total, created_at
		 FROM run_node_stream_events
		 WHERE run_id = ? AND run_node_id = ? AND attempt = ?
		 ORDER BY sequence`, runID, runNodeID, attempt)
	if err != nil {
		return nil, fmt.Errorf("list stream events: %w", err)
	}
	defer rows.Close()
	var out []*StreamEvent
	for rows.Next() {
		var ev StreamEvent
		var typ, created string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.RunNodeID, &ev.Attempt, &ev.Sequence,
			&typ, &ev.ContentPreview, &ev.TokensDelta, &ev.TokensTotal, &created); err != nil {
			return nil, fmt.Errorf("scan stream event: %w", err)
		}
		ev.EventType = EventType(typ)
		ev.CreatedAt = parseTime(created)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
