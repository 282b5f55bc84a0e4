// Package sandbox manages the on-disk working state of runs: one cached
// clone per repository and one isolated git worktree per run. Every
// path the manager touches must resolve inside its sandbox root.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/alphredhq/alphred/internal/store"
)

// ErrPathEscapesSandbox is returned when a path, after symlink
// resolution, lands outside the sandbox root.
var ErrPathEscapesSandbox = fmt.Errorf("path escapes sandbox root")

// Manager owns the sandbox directory tree:
//
//	<root>/repos/<name>         cached clone per repository
//	<root>/worktrees/run-<id>/  per-run worktrees
type Manager struct {
	root     string
	store    *store.Store
	logger   *slog.Logger
	preserve []string // doublestar globs, relative to root, exempt from cleanup
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithPreserveGlobs exempts paths matching the given doublestar globs
// (relative to the sandbox root) from cleanup.
func WithPreserveGlobs(globs ...string) Option {
	return func(m *Manager) { m.preserve = append(m.preserve, globs...) }
}

func NewManager(root string, s *store.Store, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	m := &Manager{
		root:   abs,
		store:  s,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(m)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return m, nil
}

func (m *Manager) Root() string { return m.root }

// RemoteURL expands the repository shorthand forms into fetchable URLs.
// Full URLs, scp-style remotes, and local paths pass through untouched.
func RemoteURL(repo *store.Repository) string {
	remote := repo.Remote
	switch {
	case strings.Contains(remote, "://"), strings.HasPrefix(remote, "git@"):
		return remote
	case strings.HasPrefix(remote, "github:"):
		return "https://github.com/" + strings.TrimPrefix(remote, "github:") + ".git"
	case strings.HasPrefix(remote, "azure:"):
		// azure:org/project/repo
		parts := strings.SplitN(strings.TrimPrefix(remote, "azure:"), "/", 3)
		if len(parts) == 3 {
			return fmt.Sprintf("https://dev.azure.com/%s/%s/_git/%s", parts[0], parts[1], parts[2])
		}
	}
	return remote
}

// clonePath returns the cache directory of a repository's clone.
func (m *Manager) clonePath(repo *store.Repository) (string, error) {
	return m.contained(filepath.Join(m.root, "repos", repo.Name))
}

func (m *Manager) runDir(runID int64) string {
	return filepath.Join(m.root, "worktrees", fmt.Sprintf("run-%d", runID))
}

// contained verifies that path stays inside the sandbox root, following
// symlinks on whatever prefix of the path already exists.
func (m *Manager) contained(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesSandbox, path)
	}
	// Walk up to the nearest existing ancestor and resolve its symlinks;
	// a link under the root must not point outside it.
	probe := abs
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			relResolved, err := filepath.Rel(m.root, resolved)
			if err != nil || relResolved == ".." || strings.HasPrefix(relResolved, ".."+string(filepath.Separator)) {
				if resolved != m.root {
					return "", fmt.Errorf("%w: %s resolves to %s", ErrPathEscapesSandbox, path, resolved)
				}
			}
			return abs, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return abs, nil
		}
		probe = parent
	}
}

func (m *Manager) preserved(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, glob := range m.preserve {
		if ok, err := doublestar.Match(glob, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// EnsureClone makes sure a cached clone of the repository exists and is
// up to date, returning its path.
func (m *Manager) EnsureClone(ctx context.Context, repo *store.Repository) (string, error) {
	dir, err := m.clonePath(repo)
	if err != nil {
		return "", err
	}
	if isGitRepo(ctx, dir) {
		if _, err := runGit(ctx, dir, "fetch", "origin", "--prune"); err != nil {
			m.logger.Warn("sandbox: fetch failed, using cached clone", "repo", repo.Name, "error", err)
		}
		return dir, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("create clone parent: %w", err)
	}
	if _, err := runGit(ctx, filepath.Dir(dir), "clone", RemoteURL(repo), dir); err != nil {
		return "", fmt.Errorf("clone %s: %w", repo.Name, err)
	}
	m.logger.Info("sandbox: cloned repository", "repo", repo.Name, "path", dir)
	return dir, nil
}

var branchStrip = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

// RunBranch derives the branch name for a run's worktree. The ULID
// suffix keeps retried and re-created runs from colliding.
func RunBranch(treeKey string, runID int64) string {
	key := branchStrip.ReplaceAllString(treeKey, "-")
	return fmt.Sprintf("alphred/%s/run-%d-%s", key, runID, strings.ToLower(ulid.Make().String()))
}

// CreateRunWorktree creates an isolated worktree for a run on a fresh
// branch cut from the repository's default branch (or the requested
// branch when it exists). The worktree is recorded in the store so
// CleanupRun can find it across process restarts.
func (m *Manager) CreateRunWorktree(ctx context.Context, repo *store.Repository, treeKey string, runID int64, branch string) (*store.Worktree, error) {
	cloneDir, err := m.EnsureClone(ctx, repo)
	if err != nil {
		return nil, err
	}
	base := "origin/" + repo.DefaultBranch
	if branch != "" && refExists(ctx, cloneDir, "origin/"+branch) {
		base = "origin/" + branch
	}
	if !refExists(ctx, cloneDir, base) {
		base = "HEAD"
	}

	runBranch := RunBranch(treeKey, runID)
	path, err := m.contained(filepath.Join(m.runDir(runID), repo.Name))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create worktree parent: %w", err)
	}
	if _, err := runGit(ctx, cloneDir, "branch", "--force", runBranch, base); err != nil {
		return nil, fmt.Errorf("create run branch: %w", err)
	}
	if _, err := runGit(ctx, cloneDir, "worktree", "add", path, runBranch); err != nil {
		return nil, fmt.Errorf("add worktree: %w", err)
	}

	wt := &store.Worktree{RunID: runID, RepositoryID: repo.ID, Path: path, Branch: runBranch}
	if err := m.store.InsertWorktree(ctx, wt); err != nil {
		// Keep acquisition and cleanup paired: an unrecorded worktree
		// would leak past CleanupRun.
		if _, rmErr := runGit(ctx, cloneDir, "worktree", "remove", "--force", path); rmErr != nil {
			m.logger.Warn("sandbox: orphan worktree left behind", "path", path, "error", rmErr)
		}
		return nil, err
	}
	m.logger.Info("sandbox: created worktree", "run_id", runID, "repo", repo.Name, "branch", runBranch, "path", path)
	return wt, nil
}

// CleanupRun removes all worktrees recorded for a run. Paths matching a
// preserve glob are left in place; paths that resolve outside the
// sandbox root are never touched.
func (m *Manager) CleanupRun(ctx context.Context, runID int64) error {
	wts, err := m.store.ListWorktrees(ctx, runID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, wt := range wts {
		if wt.CleanedAt != nil {
			continue
		}
		path, err := m.contained(wt.Path)
		if err != nil {
			m.logger.Warn("sandbox: refusing to clean path outside root", "path", wt.Path, "error", err)
			continue
		}
		if m.preserved(path) {
			m.logger.Info("sandbox: worktree preserved by glob", "path", path)
			continue
		}
		repo, err := m.store.GetRepo(ctx, wt.RepositoryID)
		if err != nil {
			firstErr = firstOf(firstErr, err)
			continue
		}
		cloneDir, err := m.clonePath(repo)
		if err != nil {
			firstErr = firstOf(firstErr, err)
			continue
		}
		if _, err := runGit(ctx, cloneDir, "worktree", "remove", "--force", path); err != nil {
			// The clone may be gone; fall back to deleting the directory
			// and let git prune the stale registration.
			if rmErr := os.RemoveAll(path); rmErr != nil {
				firstErr = firstOf(firstErr, err)
				continue
			}
			_, _ = runGit(ctx, cloneDir, "worktree", "prune")
		}
		if err := m.store.MarkWorktreeCleaned(ctx, wt.ID); err != nil {
			firstErr = firstOf(firstErr, err)
			continue
		}
		m.logger.Info("sandbox: removed worktree", "run_id", runID, "path", path)
	}
	// Drop the now-empty run directory; ignore failure when preserved
	// worktrees remain.
	_ = os.Remove(m.runDir(runID))
	return firstErr
}

// RemoveClone deletes the cached clone of a repository. Paths matching
// a preserve glob are left in place. Removing a repository row does not
// imply this; purging the clone is an explicit operator choice.
func (m *Manager) RemoveClone(ctx context.Context, repo *store.Repository) error {
	dir, err := m.clonePath(repo)
	if err != nil {
		return err
	}
	if m.preserved(dir) {
		m.logger.Info("sandbox: clone preserved by glob", "path", dir)
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove clone %s: %w", repo.Name, err)
	}
	m.logger.Info("sandbox: removed clone", "repo", repo.Name, "path", dir)
	return nil
}

// CheckAuth verifies that the repository's remote is reachable with the
// credentials in the environment.
func (m *Manager) CheckAuth(ctx context.Context, repo *store.Repository) error {
	if _, err := runGit(ctx, m.root, "ls-remote", "--exit-code", RemoteURL(repo), "HEAD"); err != nil {
		return fmt.Errorf("remote %s not reachable: %w", repo.Name, err)
	}
	return nil
}

func firstOf(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
