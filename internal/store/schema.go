package store

import (
	"context"
	"fmt"
	"time"
)

// Schema DDL. Everything here must be safe to re-run on a populated
// database: tables and indexes are IF NOT EXISTS, column upgrades are
// best-effort ALTERs, and triggers are dropped and recreated so stale
// bodies refresh on upgrade.

var tableDDL = []string{
	`CREATE TABLE IF NOT EXISTS workflow_trees (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tree_key TEXT NOT NULL,
		version INTEGER NOT NULL CHECK (version >= 1),
		name TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('draft','published')),
		created_at TEXT NOT NULL,
		UNIQUE (tree_key, version)
	)`,
	`CREATE TABLE IF NOT EXISTS guard_definitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guard_key TEXT NOT NULL,
		version INTEGER NOT NULL CHECK (version >= 1),
		expression TEXT NOT NULL,
		UNIQUE (guard_key, version)
	)`,
	`CREATE TABLE IF NOT EXISTS tree_nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tree_id INTEGER NOT NULL REFERENCES workflow_trees(id) ON DELETE CASCADE,
		node_key TEXT NOT NULL,
		sequence_index INTEGER NOT NULL,
		node_type TEXT NOT NULL CHECK (node_type IN ('agent','human','tool')),
		node_role TEXT NOT NULL DEFAULT 'standard' CHECK (node_role IN ('standard','spawner','join')),
		provider TEXT,
		model TEXT,
		prompt TEXT NOT NULL DEFAULT '',
		max_retries INTEGER NOT NULL DEFAULT 0 CHECK (max_retries >= 0),
		max_children INTEGER NOT NULL DEFAULT 0 CHECK (max_children >= 0),
		error_handler_config TEXT,
		UNIQUE (tree_id, node_key),
		UNIQUE (tree_id, sequence_index),
		CHECK ((node_type = 'agent') = (provider IS NOT NULL AND provider <> '')),
		CHECK (node_role = 'standard' OR node_type = 'agent')
	)`,
	`CREATE TABLE IF NOT EXISTS tree_edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tree_id INTEGER NOT NULL REFERENCES workflow_trees(id) ON DELETE CASCADE,
		source_node_id INTEGER NOT NULL REFERENCES tree_nodes(id) ON DELETE CASCADE,
		target_node_id INTEGER NOT NULL REFERENCES tree_nodes(id) ON DELETE CASCADE,
		route_on TEXT NOT NULL CHECK (route_on IN ('success','failure')),
		priority INTEGER NOT NULL DEFAULT 0,
		auto INTEGER NOT NULL DEFAULT 1 CHECK (auto IN (0,1)),
		guard_id INTEGER REFERENCES guard_definitions(id),
		UNIQUE (source_node_id, route_on, priority),
		CHECK ((auto = 1 AND guard_id IS NULL) OR (auto = 0 AND guard_id IS NOT NULL)),
		CHECK (route_on = 'success' OR auto = 1)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tree_id INTEGER NOT NULL REFERENCES workflow_trees(id),
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','running','paused','completed','failed','cancelled')),
		status_reason TEXT NOT NULL DEFAULT '',
		max_steps INTEGER NOT NULL DEFAULT 0 CHECK (max_steps >= 0),
		permissions TEXT,
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		tree_node_id INTEGER REFERENCES tree_nodes(id),
		node_key TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1 CHECK (attempt >= 1),
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','running','completed','failed','skipped','cancelled')),
		sequence_index INTEGER NOT NULL DEFAULT 0,
		node_type TEXT NOT NULL DEFAULT 'agent' CHECK (node_type IN ('agent','human','tool')),
		node_role TEXT NOT NULL DEFAULT 'standard' CHECK (node_role IN ('standard','spawner','join')),
		provider TEXT,
		model TEXT,
		prompt TEXT NOT NULL DEFAULT '',
		max_retries INTEGER NOT NULL DEFAULT 0 CHECK (max_retries >= 0),
		max_children INTEGER NOT NULL DEFAULT 0 CHECK (max_children >= 0),
		error_handler_config TEXT,
		spawner_run_node_id INTEGER REFERENCES run_nodes(id),
		join_node_key TEXT,
		lineage_depth INTEGER NOT NULL DEFAULT 0 CHECK (lineage_depth >= 0),
		sequence_path TEXT,
		metadata TEXT,
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (run_id, node_key, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS run_node_edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		edge_kind TEXT NOT NULL DEFAULT 'tree'
			CHECK (edge_kind IN ('tree','dynamic_spawner_to_child','dynamic_child_to_join')),
		source_node_key TEXT NOT NULL,
		target_node_key TEXT NOT NULL,
		route_on TEXT NOT NULL CHECK (route_on IN ('success','failure')),
		priority INTEGER NOT NULL DEFAULT 0,
		auto INTEGER NOT NULL DEFAULT 1 CHECK (auto IN (0,1)),
		guard_id INTEGER REFERENCES guard_definitions(id),
		selected INTEGER NOT NULL DEFAULT 0 CHECK (selected IN (0,1)),
		created_at TEXT NOT NULL,
		UNIQUE (run_id, source_node_key, route_on, priority, target_node_key),
		CHECK ((auto = 1 AND guard_id IS NULL) OR (auto = 0 AND guard_id IS NOT NULL)),
		CHECK (route_on = 'success' OR auto = 1)
	)`,
	`CREATE TABLE IF NOT EXISTS run_join_barriers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		spawner_node_key TEXT NOT NULL,
		join_node_key TEXT NOT NULL,
		spawn_artifact_id INTEGER NOT NULL,
		expected_children INTEGER NOT NULL CHECK (expected_children >= 0),
		terminal_children INTEGER NOT NULL DEFAULT 0,
		completed_children INTEGER NOT NULL DEFAULT 0,
		failed_children INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','ready','released','cancelled')),
		created_at TEXT NOT NULL,
		UNIQUE (run_id, spawner_node_key, spawn_artifact_id),
		CHECK (terminal_children <= expected_children),
		CHECK (completed_children + failed_children <= terminal_children)
	)`,
	`CREATE TABLE IF NOT EXISTS phase_artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		run_node_id INTEGER NOT NULL REFERENCES run_nodes(id) ON DELETE CASCADE,
		artifact_type TEXT NOT NULL CHECK (artifact_type IN ('report','note','log')),
		content_type TEXT NOT NULL DEFAULT 'text'
			CHECK (content_type IN ('text','markdown','json','diff')),
		content TEXT NOT NULL,
		metadata TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS routing_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		run_node_id INTEGER NOT NULL REFERENCES run_nodes(id) ON DELETE CASCADE,
		decision_type TEXT NOT NULL
			CHECK (decision_type IN ('approved','changes_requested','blocked','retry','no_route')),
		rationale TEXT NOT NULL DEFAULT '',
		raw_output TEXT NOT NULL DEFAULT '',
		selected_edge_id INTEGER REFERENCES run_node_edges(id),
		created_at TEXT NOT NULL,
		UNIQUE (run_node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS run_node_diagnostics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		run_node_id INTEGER NOT NULL REFERENCES run_nodes(id) ON DELETE CASCADE,
		attempt INTEGER NOT NULL CHECK (attempt >= 1),
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (run_id, run_node_id, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS run_node_stream_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		run_node_id INTEGER NOT NULL REFERENCES run_nodes(id) ON DELETE CASCADE,
		attempt INTEGER NOT NULL CHECK (attempt >= 1),
		sequence INTEGER NOT NULL CHECK (sequence >= 1),
		event_type TEXT NOT NULL
			CHECK (event_type IN ('system','assistant','tool_use','tool_result','usage','result')),
		content_preview TEXT NOT NULL DEFAULT '',
		tokens_delta INTEGER NOT NULL DEFAULT 0,
		tokens_total INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (run_id, run_node_id, attempt, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		remote TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'github' CHECK (kind IN ('github','azure','local')),
		default_branch TEXT NOT NULL DEFAULT 'main',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_worktrees (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
		repository_id INTEGER NOT NULL REFERENCES repositories(id),
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		cleaned_at TEXT,
		created_at TEXT NOT NULL
	)`,
}

var indexDDL = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_trees_one_draft ON workflow_trees(tree_key) WHERE status = 'draft'`,
	`CREATE INDEX IF NOT EXISTS idx_run_nodes_run_status ON run_nodes(run_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_run_nodes_run_seq ON run_nodes(run_id, sequence_index)`,
	`CREATE INDEX IF NOT EXISTS idx_run_nodes_run_key_attempt ON run_nodes(run_id, node_key, attempt)`,
	`CREATE INDEX IF NOT EXISTS idx_run_edges_run_source ON run_node_edges(run_id, source_node_key)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_run_created ON phase_artifacts(run_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_node ON phase_artifacts(run_node_id, artifact_type)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_run_created ON routing_decisions(run_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_diagnostics_run_created ON run_node_diagnostics(run_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_created ON run_node_stream_events(run_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_barriers_run ON run_join_barriers(run_id, join_node_key)`,
	`CREATE INDEX IF NOT EXISTS idx_worktrees_run ON run_worktrees(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tree_nodes_tree ON tree_nodes(tree_id, sequence_index)`,
	`CREATE INDEX IF NOT EXISTS idx_tree_edges_source ON tree_edges(source_node_id, route_on, priority)`,
}

// Triggers enforce the transition graphs and cross-row invariants so
// that two competing writers cannot both succeed. They are recreated on
// every migration run.
var triggerDDL = map[string]string{
	"trg_runs_transition": `
		CREATE TRIGGER trg_runs_transition
		BEFORE UPDATE OF status ON workflow_runs
		FOR EACH ROW WHEN OLD.status <> NEW.status AND NOT (
			(OLD.status = 'pending' AND NEW.status IN ('running','cancelled')) OR
			(OLD.status = 'running' AND NEW.status IN ('completed','failed','cancelled','paused')) OR
			(OLD.status = 'paused'  AND NEW.status IN ('running','cancelled')) OR
			(OLD.status = 'failed'  AND NEW.status = 'running')
		)
		BEGIN
			SELECT RAISE(ABORT, 'illegal workflow_run status transition');
		END`,
	"trg_runs_timestamps": `
		CREATE TRIGGER trg_runs_timestamps
		BEFORE UPDATE ON workflow_runs
		FOR EACH ROW WHEN
			(NEW.status IN ('running','paused','completed','failed') AND NEW.started_at IS NULL) OR
			(NEW.status IN ('completed','failed','cancelled') AND NEW.completed_at IS NULL) OR
			(NEW.status = 'pending' AND NEW.started_at IS NOT NULL) OR
			(NEW.status IN ('pending','running','paused') AND NEW.completed_at IS NOT NULL)
		BEGIN
			SELECT RAISE(ABORT, 'workflow_run timestamps inconsistent with status');
		END`,
	"trg_run_nodes_insert_pending": `
		CREATE TRIGGER trg_run_nodes_insert_pending
		BEFORE INSERT ON run_nodes
		FOR EACH ROW WHEN NEW.status <> 'pending' OR NEW.started_at IS NOT NULL OR NEW.completed_at IS NOT NULL
		BEGIN
			SELECT RAISE(ABORT, 'run_node must be inserted pending with null timestamps');
		END`,
	"trg_run_nodes_key_match": `
		CREATE TRIGGER trg_run_nodes_key_match
		BEFORE INSERT ON run_nodes
		FOR EACH ROW WHEN NEW.tree_node_id IS NOT NULL AND
			NEW.node_key <> (SELECT node_key FROM tree_nodes WHERE id = NEW.tree_node_id)
		BEGIN
			SELECT RAISE(ABORT, 'run_node node_key does not match tree_node');
		END`,
	"trg_run_nodes_transition": `
		CREATE TRIGGER trg_run_nodes_transition
		BEFORE UPDATE OF status ON run_nodes
		FOR EACH ROW WHEN OLD.status <> NEW.status AND NOT (
			(OLD.status = 'pending'   AND NEW.status IN ('running','skipped','cancelled')) OR
			(OLD.status = 'running'   AND NEW.status IN ('completed','failed','cancelled')) OR
			(OLD.status = 'completed' AND NEW.status = 'pending') OR
			(OLD.status = 'failed'    AND NEW.status IN ('running','pending')) OR
			(OLD.status = 'skipped'   AND NEW.status = 'pending')
		)
		BEGIN
			SELECT RAISE(ABORT, 'illegal run_node status transition');
		END`,
	"trg_run_nodes_timestamps": `
		CREATE TRIGGER trg_run_nodes_timestamps
		BEFORE UPDATE ON run_nodes
		FOR EACH ROW WHEN
			(NEW.status IN ('running','completed','failed') AND NEW.started_at IS NULL) OR
			(NEW.status IN ('completed','failed','skipped','cancelled') AND NEW.completed_at IS NULL) OR
			(NEW.status IN ('pending','running') AND NEW.completed_at IS NOT NULL)
		BEGIN
			SELECT RAISE(ABORT, 'run_node timestamps inconsistent with status');
		END`,
	"trg_tree_edges_same_tree": `
		CREATE TRIGGER trg_tree_edges_same_tree
		BEFORE INSERT ON tree_edges
		FOR EACH ROW WHEN
			(SELECT tree_id FROM tree_nodes WHERE id = NEW.source_node_id) <> NEW.tree_id OR
			(SELECT tree_id FROM tree_nodes WHERE id = NEW.target_node_id) <> NEW.tree_id
		BEGIN
			SELECT RAISE(ABORT, 'tree_edge endpoints must belong to the edge tree');
		END`,
	"trg_trees_published_immutable": `
		CREATE TRIGGER trg_trees_published_immutable
		BEFORE UPDATE ON workflow_trees
		FOR EACH ROW WHEN OLD.status = 'published' AND (
			NEW.tree_key <> OLD.tree_key OR NEW.version <> OLD.version OR
			NEW.name <> OLD.name OR NEW.status <> 'published'
		)
		BEGIN
			SELECT RAISE(ABORT, 'published workflow_tree is immutable');
		END`,
	"trg_tree_nodes_key_referenced": `
		CREATE TRIGGER trg_tree_nodes_key_referenced
		BEFORE UPDATE OF node_key ON tree_nodes
		FOR EACH ROW WHEN NEW.node_key <> OLD.node_key AND
			EXISTS (SELECT 1 FROM run_nodes WHERE tree_node_id = OLD.id)
		BEGIN
			SELECT RAISE(ABORT, 'tree_node node_key referenced by run_nodes');
		END`,
	"trg_barriers_counters": `
		CREATE TRIGGER trg_barriers_counters
		BEFORE UPDATE ON run_join_barriers
		FOR EACH ROW WHEN
			NEW.terminal_children < OLD.terminal_children OR
			NEW.completed_children < OLD.completed_children OR
			NEW.failed_children < OLD.failed_children OR
			NEW.expected_children <> OLD.expected_children
		BEGIN
			SELECT RAISE(ABORT, 'run_join_barrier counters must be monotonic');
		END`,
	"trg_barriers_transition": `
		CREATE TRIGGER trg_barriers_transition
		BEFORE UPDATE OF status ON run_join_barriers
		FOR EACH ROW WHEN OLD.status <> NEW.status AND NOT (
			(OLD.status = 'pending' AND NEW.status IN ('ready','cancelled')) OR
			(OLD.status = 'ready'   AND NEW.status IN ('released','cancelled'))
		)
		BEGIN
			SELECT RAISE(ABORT, 'illegal run_join_barrier status transition');
		END`,
}

// Best-effort column upgrades for databases created by older builds.
// Errors (duplicate column) are ignored, matching the migration style
// of the rest of the schema.
var alterDDL = []string{
	`ALTER TABLE workflow_runs ADD COLUMN status_reason TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE workflow_runs ADD COLUMN permissions TEXT`,
	`ALTER TABLE run_nodes ADD COLUMN metadata TEXT`,
	`ALTER TABLE run_nodes ADD COLUMN sequence_path TEXT`,
	`ALTER TABLE repositories ADD COLUMN default_branch TEXT NOT NULL DEFAULT 'main'`,
}

// Migrate creates or upgrades the schema. Rerunning on a populated
// database never drops data.
func (s *Store) Migrate(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("store: migrate started")

	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	for _, ddl := range tableDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, ddl := range alterDDL {
		_, _ = s.db.ExecContext(ctx, ddl)
	}
	for _, ddl := range indexDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	for name, ddl := range triggerDDL {
		if _, err := s.db.ExecContext(ctx, `DROP TRIGGER IF EXISTS `+name); err != nil {
			return fmt.Errorf("drop trigger %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create trigger %s: %w", name, err)
		}
	}

	s.logger.Info("store: migrate completed", "duration", time.Since(start))
	return nil
}
