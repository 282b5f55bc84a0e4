package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphredhq/alphred/internal/config"
	"github.com/alphredhq/alphred/internal/store"
)

func buildAlphredBinary(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	// wd is .../cmd/alphred
	root := filepath.Dir(filepath.Dir(wd))
	bin := filepath.Join(t.TempDir(), "alphred")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/alphred")
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "go build: %s", out)
	return bin
}

type cliEnv struct {
	bin    string
	dbPath string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	return &cliEnv{
		bin:    buildAlphredBinary(t),
		dbPath: filepath.Join(dir, "alphred.db"),
	}
}

func (e *cliEnv) run(t *testing.T, args ...string) (int, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, e.bin, args...)
	cmd.Env = append(os.Environ(),
		config.EnvDBPath+"="+e.dbPath,
		config.EnvSandboxDir+"="+filepath.Join(filepath.Dir(e.dbPath), "sandbox"),
		config.EnvConfigPath+"=",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, ctx.Err(), "alphred timed out\n%s", out)
	if err == nil {
		return 0, string(out)
	}
	var ee *exec.ExitError
	require.True(t, errors.As(err, &ee), "alphred failed: %v\n%s", err, out)
	return ee.ExitCode(), string(out)
}

// openStore opens the CLI's database directly so tests can seed trees
// and runs the binary will then operate on.
func (e *cliEnv) openStore(t *testing.T) *store.Store {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(e.dbPath), 0o755))
	s, err := store.Open(e.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func (e *cliEnv) seedTree(t *testing.T, s *store.Store, key string) *store.WorkflowTree {
	t.Helper()
	ctx := context.Background()
	tree := &store.WorkflowTree{TreeKey: key, Version: 1, Name: key, Status: store.TreeDraft}
	require.NoError(t, s.InsertTree(ctx, tree))
	n := &store.TreeNode{
		TreeID: tree.ID, NodeKey: "work", NodeType: store.NodeTypeAgent,
		NodeRole: store.RoleStandard, Provider: "script", Prompt: "do the work",
	}
	require.NoError(t, s.InsertTreeNode(ctx, n))
	require.NoError(t, s.PublishTree(ctx, tree.ID))
	return tree
}

func TestUsageExitCodes(t *testing.T) {
	env := newCLIEnv(t)

	code, out := env.run(t)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, out, "usage:")

	code, out = env.run(t, "frobnicate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, out, "unknown command")

	code, _ = env.run(t, "help")
	assert.Equal(t, exitOK, code)

	code, _ = env.run(t, "--help")
	assert.Equal(t, exitOK, code)
}

func TestRunUsageErrors(t *testing.T) {
	env := newCLIEnv(t)

	// --tree is mandatory.
	code, _ := env.run(t, "run")
	assert.Equal(t, exitUsage, code)

	code, out := env.run(t, "run", "--tree", "flow", "--version", "zero")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, out, "--version")

	code, out = env.run(t, "run", "--tree")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, out, "requires a value")
}

func TestRunTreeNotFound(t *testing.T) {
	env := newCLIEnv(t)
	code, out := env.run(t, "run", "--tree", "missing")
	assert.Equal(t, exitNotFound, code)
	assert.Contains(t, out, "not found")
}

// A tree whose node uses the scripted provider has no outcomes queued
// in a fresh process, so the attempt fails with a non-retryable
// configuration error and the run fails.
func TestRunFailureExitCode(t *testing.T) {
	env := newCLIEnv(t)
	s := env.openStore(t)
	env.seedTree(t, s, "flow")

	code, out := env.run(t, "run", "--tree", "flow")
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, out, "run_id=")
	assert.Contains(t, out, "status=failed")
}

func TestStatusCommand(t *testing.T) {
	env := newCLIEnv(t)
	s := env.openStore(t)
	tree := env.seedTree(t, s, "flow")

	ctx := context.Background()
	run := &store.WorkflowRun{TreeID: tree.ID, MaxSteps: 10}
	require.NoError(t, s.InsertRun(ctx, run))
	n := &store.RunNode{
		RunID: run.ID, NodeKey: "work", NodeType: store.NodeTypeAgent,
		NodeRole: store.RoleStandard, Provider: "script", Prompt: "do the work",
	}
	require.NoError(t, s.InsertRunNode(ctx, n))

	code, out := env.run(t, "status", "--run", strconv.FormatInt(run.ID, 10))
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "status=pending")
	assert.Contains(t, out, "node work attempt=1 status=pending")

	code, _ = env.run(t, "status", "--run", "9000")
	assert.Equal(t, exitNotFound, code)

	code, _ = env.run(t, "status", "--run", "abc")
	assert.Equal(t, exitUsage, code)

	code, _ = env.run(t, "status")
	assert.Equal(t, exitUsage, code)
}

func TestRunControlCommands(t *testing.T) {
	env := newCLIEnv(t)
	s := env.openStore(t)
	tree := env.seedTree(t, s, "flow")

	ctx := context.Background()
	run := &store.WorkflowRun{TreeID: tree.ID, MaxSteps: 10}
	require.NoError(t, s.InsertRun(ctx, run))
	id := strconv.FormatInt(run.ID, 10)

	code, out := env.run(t, "run", "cancel", "--run", id)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "status=cancelled")

	// Cancelling a settled run is an invalid control.
	code, _ = env.run(t, "run", "cancel", "--run", id)
	assert.Equal(t, exitUsage, code)

	code, _ = env.run(t, "run", "resume", "--run", "9000")
	assert.Equal(t, exitNotFound, code)

	code, _ = env.run(t, "run", "pause")
	assert.Equal(t, exitUsage, code)
}

func TestRepoCommands(t *testing.T) {
	env := newCLIEnv(t)

	code, out := env.run(t, "repo", "add", "--name", "widgets", "--remote", "github:acme/widgets")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "repo=widgets")
	assert.Contains(t, out, "kind=github")
	assert.Contains(t, out, "default_branch=main")

	code, out = env.run(t, "repo", "list")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "widgets")
	assert.Contains(t, out, "github:acme/widgets")

	code, out = env.run(t, "repo", "show", "--name", "widgets")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "url=https://github.com/acme/widgets.git")

	code, _ = env.run(t, "repo", "show", "--name", "nope")
	assert.Equal(t, exitNotFound, code)

	code, out = env.run(t, "repo", "remove", "--name", "widgets", "--purge")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "removed=widgets")

	code, _ = env.run(t, "repo", "show", "--name", "widgets")
	assert.Equal(t, exitNotFound, code)

	// Full-URL remotes without --kind register as local; the repo row's
	// kind check only allows github, azure, and local.
	code, out = env.run(t, "repo", "add", "--name", "mirror", "--remote", "https://example.com/acme/mirror.git")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "kind=local")

	code, _ = env.run(t, "repo", "add", "--name", "half")
	assert.Equal(t, exitUsage, code)

	code, _ = env.run(t, "repo", "explode")
	assert.Equal(t, exitUsage, code)
}

func TestRemoteKind(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"github:acme/widgets", "github"},
		{"azure:acme/platform/widgets", "azure"},
		{"https://example.com/acme/widgets.git", "local"},
		{"git@example.com:acme/widgets.git", "local"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, remoteKind(tt.remote), tt.remote)
	}
}

func TestRepoNameFromRemote(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"github:acme/widgets", "widgets"},
		{"azure:acme/platform/widgets", "widgets"},
		{"https://example.com/acme/widgets.git", "widgets"},
		{"git@example.com:acme/widgets.git", "widgets"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, repoNameFromRemote(tt.remote), tt.remote)
	}
}
