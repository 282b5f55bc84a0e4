package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alphredhq/alphred/internal/sandbox"
	"github.com/alphredhq/alphred/internal/store"
)

func cmdRepo(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(exitUsage)
	}
	switch args[0] {
	case "add":
		cmdRepoAdd(args[1:])
	case "list":
		cmdRepoList(args[1:])
	case "show":
		cmdRepoShow(args[1:])
	case "remove":
		cmdRepoRemove(args[1:])
	case "sync":
		cmdRepoSync(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown repo subcommand: %s\n", args[0])
		usage()
		os.Exit(exitUsage)
	}
}

func cmdRepoAdd(args []string) {
	var name, remote, kind, defaultBranch string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			name = flagValue(args, &i)
		case "--remote":
			remote = flagValue(args, &i)
		case "--kind":
			kind = flagValue(args, &i)
		case "--default-branch":
			defaultBranch = flagValue(args, &i)
		default:
			unknownArg(args[i])
		}
	}
	if name == "" || remote == "" {
		fmt.Fprintln(os.Stderr, "repo add requires --name and --remote")
		os.Exit(exitUsage)
	}
	if kind == "" {
		kind = remoteKind(remote)
	}

	ctx := context.Background()
	_, st := bootstrap(ctx)
	defer st.Close()

	repo := &store.Repository{Name: name, Remote: remote, Kind: kind, DefaultBranch: defaultBranch}
	if err := st.InsertRepo(ctx, repo); err != nil {
		fatal(err)
	}
	fmt.Printf("repo=%s\nremote=%s\nkind=%s\ndefault_branch=%s\n",
		repo.Name, repo.Remote, repo.Kind, repo.DefaultBranch)
	os.Exit(exitOK)
}

func cmdRepoList(args []string) {
	for i := 0; i < len(args); i++ {
		unknownArg(args[i])
	}
	ctx := context.Background()
	_, st := bootstrap(ctx)
	defer st.Close()

	repos, err := st.ListRepos(ctx)
	if err != nil {
		fatal(err)
	}
	for _, r := range repos {
		fmt.Printf("%s\t%s\t%s\t%s\n", r.Name, r.Remote, r.Kind, r.DefaultBranch)
	}
	os.Exit(exitOK)
}

func cmdRepoShow(args []string) {
	var name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			name = flagValue(args, &i)
		default:
			unknownArg(args[i])
		}
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "repo show requires --name")
		os.Exit(exitUsage)
	}

	ctx := context.Background()
	cfg, st := bootstrap(ctx)
	defer st.Close()

	repo, err := st.FindRepo(ctx, name)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("name=%s\n", repo.Name)
	fmt.Printf("remote=%s\n", repo.Remote)
	fmt.Printf("url=%s\n", sandbox.RemoteURL(repo))
	fmt.Printf("kind=%s\n", repo.Kind)
	fmt.Printf("default_branch=%s\n", repo.DefaultBranch)
	fmt.Printf("clone=%s\n", cfg.SandboxDir+"/repos/"+repo.Name)
	os.Exit(exitOK)
}

func cmdRepoRemove(args []string) {
	var name string
	var purge bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			name = flagValue(args, &i)
		case "--purge":
			purge = true
		default:
			unknownArg(args[i])
		}
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "repo remove requires --name")
		os.Exit(exitUsage)
	}

	ctx := context.Background()
	cfg, st := bootstrap(ctx)
	defer st.Close()

	repo, err := st.FindRepo(ctx, name)
	if err != nil {
		fatal(err)
	}
	if purge {
		mgr, err := sandbox.NewManager(cfg.SandboxDir, st, sandbox.WithLogger(cliLogger()))
		if err != nil {
			fatal(err)
		}
		if err := mgr.RemoveClone(ctx, repo); err != nil {
			fatal(err)
		}
	}
	if err := st.DeleteRepo(ctx, repo.ID); err != nil {
		fatal(err)
	}
	fmt.Printf("removed=%s\n", repo.Name)
	os.Exit(exitOK)
}

func cmdRepoSync(args []string) {
	for i := 0; i < len(args); i++ {
		unknownArg(args[i])
	}
	ctx := context.Background()
	cfg, st := bootstrap(ctx)
	defer st.Close()

	repos, err := st.ListRepos(ctx)
	if err != nil {
		fatal(err)
	}
	mgr, err := sandbox.NewManager(cfg.SandboxDir, st, sandbox.WithLogger(cliLogger()))
	if err != nil {
		fatal(err)
	}
	for _, r := range repos {
		dir, err := mgr.EnsureClone(ctx, r)
		if err != nil {
			fatal(fmt.Errorf("sync %s: %w", r.Name, err))
		}
		fmt.Printf("synced=%s clone=%s\n", r.Name, dir)
	}
	os.Exit(exitOK)
}
