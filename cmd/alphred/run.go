package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alphredhq/alphred/internal/config"
	"github.com/alphredhq/alphred/internal/engine"
	"github.com/alphredhq/alphred/internal/sandbox"
	"github.com/alphredhq/alphred/internal/store"
)

const defaultMaxSteps = 50

func cmdRun(args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "cancel", "pause", "resume", "retry":
			cmdRunControl(args[0], args[1:])
			return
		}
	}

	var treeKey string
	var versionArg string
	var repoArg string
	var branch string
	var maxStepsArg string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tree":
			treeKey = flagValue(args, &i)
		case "--version":
			versionArg = flagValue(args, &i)
		case "--repo":
			repoArg = flagValue(args, &i)
		case "--branch":
			branch = flagValue(args, &i)
		case "--max-steps":
			maxStepsArg = flagValue(args, &i)
		default:
			unknownArg(args[i])
		}
	}
	if treeKey == "" {
		usage()
		os.Exit(exitUsage)
	}

	var version *int
	if versionArg != "" {
		v, err := strconv.Atoi(versionArg)
		if err != nil || v < 1 {
			fmt.Fprintf(os.Stderr, "--version must be a positive integer, got %q\n", versionArg)
			os.Exit(exitUsage)
		}
		version = &v
	}

	ctx := context.Background()
	cfg, st := bootstrap(ctx)
	defer st.Close()
	logger := cliLogger()

	maxSteps := cfg.Run.MaxSteps
	if maxStepsArg != "" {
		v, err := strconv.Atoi(maxStepsArg)
		if err != nil || v < 1 {
			fmt.Fprintf(os.Stderr, "--max-steps must be a positive integer, got %q\n", maxStepsArg)
			os.Exit(exitUsage)
		}
		maxSteps = v
	}
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}

	planner := engine.NewPlanner(st, logger)
	out, err := planner.Materialize(ctx, treeKey, version, engine.MaterializeOptions{
		MaxSteps:    maxSteps,
		Permissions: cfg.Run.Permissions,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("run_id=%d\n", out.Run.ID)

	if repoArg != "" {
		wt, err := prepareWorktree(ctx, cfg, st, repoArg, treeKey, out.Run.ID, branch)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("worktree=%s\n", wt.Path)
		fmt.Printf("run_branch=%s\n", wt.Branch)
	}

	exec := engine.NewExecutor(st, newRegistry(), engine.WithLogger(logger))
	err = exec.ExecuteRun(ctx, out.Run.ID, 0)
	if err != nil && !errors.Is(err, engine.ErrRunBlocked) {
		fatal(err)
	}

	run, err := st.GetRun(ctx, out.Run.ID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("status=%s\n", run.Status)
	if run.StatusReason != "" {
		fmt.Printf("status_reason=%s\n", run.StatusReason)
	}
	switch run.Status {
	case store.RunCompleted, store.RunPaused:
		os.Exit(exitOK)
	}
	os.Exit(exitRuntime)
}

// prepareWorktree resolves --repo to a stored repository (registering
// shorthand remotes on first use), clones it, and records a run
// worktree.
func prepareWorktree(ctx context.Context, cfg config.Config, st *store.Store, repoArg, treeKey string, runID int64, branch string) (*store.Worktree, error) {
	repo, err := resolveRepo(ctx, st, repoArg)
	if err != nil {
		return nil, err
	}
	mgr, err := sandbox.NewManager(cfg.SandboxDir, st)
	if err != nil {
		return nil, err
	}
	if _, err := mgr.EnsureClone(ctx, repo); err != nil {
		return nil, err
	}
	return mgr.CreateRunWorktree(ctx, repo, treeKey, runID, branch)
}

// resolveRepo accepts either the name of a registered repository or a
// shorthand remote like github:owner/repo. Shorthands register an
// entry named after the last path segment.
func resolveRepo(ctx context.Context, st *store.Store, arg string) (*store.Repository, error) {
	repo, err := st.FindRepo(ctx, arg)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, store.ErrRepoNotFound) {
		return nil, err
	}
	if !strings.Contains(arg, ":") {
		return nil, fmt.Errorf("%w: %s", store.ErrRepoNotFound, arg)
	}

	name := repoNameFromRemote(arg)
	if repo, err := st.FindRepo(ctx, name); err == nil {
		return repo, nil
	} else if !errors.Is(err, store.ErrRepoNotFound) {
		return nil, err
	}
	repo = &store.Repository{Name: name, Remote: arg, Kind: remoteKind(arg)}
	if err := st.InsertRepo(ctx, repo); err != nil {
		return nil, err
	}
	return repo, nil
}

func repoNameFromRemote(remote string) string {
	s := remote
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(s, ".git")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func remoteKind(remote string) string {
	switch {
	case strings.HasPrefix(remote, "azure:"):
		return "azure"
	case strings.HasPrefix(remote, "github:"):
		return "github"
	}
	// Full URLs and scp-style remotes register as local: the store only
	// distinguishes kinds that change URL expansion.
	return "local"
}

func cmdRunControl(action string, args []string) {
	var runArg string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			runArg = flagValue(args, &i)
		default:
			unknownArg(args[i])
		}
	}
	runID, err := strconv.ParseInt(runArg, 10, 64)
	if err != nil || runID <= 0 {
		fmt.Fprintf(os.Stderr, "%s requires --run <id> with a positive integer\n", action)
		os.Exit(exitUsage)
	}

	ctx := context.Background()
	_, st := bootstrap(ctx)
	defer st.Close()

	exec := engine.NewExecutor(st, newRegistry(), engine.WithLogger(cliLogger()))
	switch action {
	case "cancel":
		err = exec.Cancel(ctx, runID)
	case "pause":
		err = exec.Pause(ctx, runID)
	case "resume":
		err = exec.Resume(ctx, runID)
	case "retry":
		err = exec.Retry(ctx, runID)
	}
	if err != nil {
		fatal(err)
	}

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("run_id=%d\naction=%s\nstatus=%s\n", runID, action, run.Status)
	os.Exit(exitOK)
}
