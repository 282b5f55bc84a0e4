package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrRepoNotFound is returned when a repository lookup misses.
var ErrRepoNotFound = errors.New("repository not found")

func (d queries) InsertRepo(ctx context.Context, r *Repository) error {
	if r.Kind == "" {
		r.Kind = "github"
	}
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO repositories (name, remote, kind, default_branch, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.Name, r.Remote, r.Kind, r.DefaultBranch, now(),
	)
	if err != nil {
		return fmt.Errorf("insert repository: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// FindRepo looks a repository up by name.
func (d queries) FindRepo(ctx context.Context, name string) (*Repository, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT id, name, remote, kind, default_branch, created_at
		 FROM repositories WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("find repository: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrRepoNotFound
	}
	return scanRepo(rows)
}

func (d queries) GetRepo(ctx context.Context, id int64) (*Repository, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT id, name, remote, kind, default_branch, created_at
		 FROM repositories WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrRepoNotFound
	}
	return scanRepo(rows)
}

func (d queries) ListRepos(ctx context.Context) ([]*Repository, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT id, name, remote, kind, default_branch, created_at
		 FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()
	var out []*Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d queries) DeleteRepo(ctx context.Context, id int64) error {
	res, err := d.q.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRepoNotFound
	}
	return nil
}

func (d queries) InsertWorktree(ctx context.Context, w *Worktree) error {
	res, err := d.q.ExecContext(ctx,
		`INSERT INTO run_worktrees (run_id, repository_id, path, branch, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		w.RunID, w.RepositoryID, w.Path, w.Branch, now(),
	)
	if err != nil {
		return fmt.Errorf("insert worktree: %w", err)
	}
	w.ID, _ = res.LastInsertId()
	d.logger.Debug("store: insert worktree", "run_id", w.RunID, "path", w.Path, "branch", w.Branch)
	return nil
}

func (d queries) ListWorktrees(ctx context.Context, runID int64) ([]*Worktree, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT id, run_id, repository_id, path, branch, cleaned_at, created_at
		 FROM run_worktrees WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer rows.Close()
	var out []*Worktree
	for rows.Next() {
		var w Worktree
		var cleaned sql.NullString
		var created string
		if err := rows.Scan(&w.ID, &w.RunID, &w.RepositoryID, &w.Path, &w.Branch, &cleaned, &created); err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		w.CleanedAt = scanNullTime(cleaned)
		w.CreatedAt = parseTime(created)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// MarkWorktreeCleaned stamps the cleanup time. Idempotent: a second
// cleanup keeps the original stamp.
func (d queries) MarkWorktreeCleaned(ctx context.Context, id int64) error {
	_, err := d.q.ExecContext(ctx,
		`UPDATE run_worktrees SET cleaned_at = COALESCE(cleaned_at, ?) WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("mark worktree cleaned: %w", err)
	}
	return nil
}

func scanRepo(rows *sql.Rows) (*Repository, error) {
	var r Repository
	var created string
	if err := rows.Scan(&r.ID, &r.Name, &r.Remote, &r.Kind, &r.DefaultBranch, &created); err != nil {
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}
