package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrArtifactNotFound is returned when an artifact lookup misses.
var ErrArtifactNotFound = errors.New("phase artifact not found")

const artifactColumns = `id, run_id, run_node_id, artifact_type, content_type, content, metadata, created_at`

func (d queries) InsertArtifact(ctx context.Context, a *PhaseArtifact) error {
	if a.ContentType == "" {
		a.ContentType = ContentText
	}
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO phase_artifacts (run_id, run_node_id, artifact_type, content_type, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.RunNodeID, string(a.ArtifactType), string(a.ContentType),
		a.Content, nullStr(a.Metadata), now(),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	d.logger.Debug("store: insert artifact", "run_id", a.RunID, "run_node_id", a.RunNodeID,
		"type", a.ArtifactType, "chars", len(a.Content))
	return nil
}

func (d queries) GetArtifact(ctx context.Context, id int64) (*PhaseArtifact, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM phase_artifacts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrArtifactNotFound
	}
	return scanArtifact(rows)
}

// ArtifactForRunNode returns the newest artifact of one type for a
// specific attempt row, or ErrArtifactNotFound.
func (d queries) ArtifactForRunNode(ctx context.Context, runNodeID int64, typ ArtifactType) (*PhaseArtifact, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM phase_artifacts
		 WHERE run_node_id = ? AND artifact_type = ?
		 ORDER BY id DESC LIMIT 1`, runNodeID, string(typ))
	if err != nil {
		return nil, fmt.Errorf("artifact for run node: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrArtifactNotFound
	}
	return scanArtifact(rows)
}

// LatestReport returns the newest report artifact across the completed
// attempts of one node key, or ErrArtifactNotFound.
func (d queries) LatestReport(ctx context.Context, runID int64, nodeKey string) (*PhaseArtifact, *RunNode, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+prefixedArtifactColumns("a")+`,
		        `+prefixedRunNodeColumns("n")+`
		 FROM phase_artifacts a
		 JOIN run_nodes n ON n.id = a.run_node_id
		 WHERE a.run_id = ? AND n.node_key = ? AND n.status = 'completed' AND a.artifact_type = 'report'
		 ORDER BY n.attempt DESC, a.id DESC LIMIT 1`, runID, nodeKey)
	if err != nil {
		return nil, nil, fmt.Errorf("latest report: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil, ErrArtifactNotFound
	}
	return scanArtifactWithNode(rows)
}

func (d queries) ListArtifacts(ctx context.Context, runID int64) ([]*PhaseArtifact, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM phase_artifacts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []*PhaseArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// NoteArtifactsForNode returns note artifacts across all attempts of a
// node key, newest first. Used to find retry summaries by metadata.
func (d queries) NoteArtifactsForNode(ctx context.Context, runID int64, nodeKey string) ([]*PhaseArtifact, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+prefixedArtifactColumns("a")+`
		 FROM phase_artifacts a
		 JOIN run_nodes n ON n.id = a.run_node_id
		 WHERE a.run_id = ? AND n.node_key = ? AND a.artifact_type = 'note'
		 ORDER BY a.id DESC`, runID, nodeKey)
	if err != nil {
		return nil, fmt.Errorf("note artifacts: %w", err)
	}
	defer rows.Close()
	var out []*PhaseArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(rows *sql.Rows) (*PhaseArtifact, error) {
	var a PhaseArtifact
	var typ, ct, created string
	var meta sql.NullString
	err := rows.Scan(&a.ID, &a.RunID, &a.RunNodeID, &typ, &ct, &a.Content, &meta, &created)
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.ArtifactType = ArtifactType(typ)
	a.ContentType = ContentType(ct)
	a.Metadata = meta.String
	a.CreatedAt = parseTime(created)
	return &a, nil
}

func scanArtifactWithNode(rows *sql.Rows) (*PhaseArtifact, *RunNode, error) {
	var a PhaseArtifact
	var typ, ct, created string
	var meta sql.NullString
	var n RunNode
	var status, nodeType, nodeRole, nCreated string
	var treeNodeID, spawnerID sql.NullInt64
	var provider, model, ehc, joinKey, seqPath, nMeta, started, completed sql.NullString
	err := rows.Scan(
		&a.ID, &a.RunID, &a.RunNodeID, &typ, &ct, &a.Content, &meta, &created,
		&n.ID, &n.RunID, &treeNodeID, &n.NodeKey, &n.Attempt, &status,
		&n.SequenceIndex, &nodeType, &nodeRole, &provider, &model, &n.Prompt,
		&n.MaxRetries, &n.MaxChildren, &ehc, &spawnerID, &joinKey, &n.LineageDepth,
		&seqPath, &nMeta, &started, &completed, &nCreated,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("scan artifact+node: %w", err)
	}
	a.ArtifactType = ArtifactType(typ)
	a.ContentType = ContentType(ct)
	a.Metadata = meta.String
	a.CreatedAt = parseTime(created)
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
	n.Metadata = nMeta.String
	n.StartedAt = scanNullTime(started)
	n.CompletedAt = scanNullTime(completed)
	n.CreatedAt = parseTime(nCreated)
	return &a, &n, nil
}

func prefixedArtifactColumns(alias string) string {
	return alias + ".id, " + alias + ".run_id, " + alias + ".run_node_id, " +
		alias + ".artifact_type, " + alias + ".content_type, " + alias + ".content, " +
		alias + ".metadata, " + alias + ".created_at"
}

func prefixedRunNodeColumns(alias string) string {
	return alias + ".id, " + alias + ".run_id, " + alias + ".tree_node_id, " + alias + ".node_key, " +
		alias + ".attempt, " + alias + ".status, " + alias + ".sequence_index, " +
		alias + ".node_type, " + alias + ".node_role, " + alias + ".provider, " + alias + ".model, " +
		alias + ".prompt, " + alias + ".max_retries, " + alias + ".max_children, " +
		alias + ".error_handler_config, " + alias + ".spawner_run_node_id, " + alias + ".join_node_key, " +
		alias + ".lineage_depth, " + alias + ".sequence_path, " + alias + ".metadata, " +
		alias + ".started_at, " + alias + ".completed_at, " + alias + ".created_at"
}
