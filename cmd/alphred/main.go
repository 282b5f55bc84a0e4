package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alphredhq/alphred/internal/config"
	"github.com/alphredhq/alphred/internal/engine"
	"github.com/alphredhq/alphred/internal/provider"
	"github.com/alphredhq/alphred/internal/store"
)

const (
	exitOK       = 0
	exitUsage    = 2
	exitNotFound = 3
	exitRuntime  = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "repo":
		cmdRepo(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	case "help", "--help", "-h":
		usage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  alphred run --tree <key> [--version <n>] [--repo <name|github:owner/repo|azure:org/project/repo>] [--branch <name>] [--max-steps <n>]")
	fmt.Fprintln(os.Stderr, "  alphred run <cancel|pause|resume|retry> --run <id>")
	fmt.Fprintln(os.Stderr, "  alphred status --run <id>")
	fmt.Fprintln(os.Stderr, "  alphred repo add --name <name> --remote <remote> [--kind <kind>] [--default-branch <branch>]")
	fmt.Fprintln(os.Stderr, "  alphred repo list | show --name <name> | remove --name <name> [--purge] | sync")
	fmt.Fprintln(os.Stderr, "  alphred serve [--addr <addr>]")
}

// flagValue consumes the value of a --flag, exiting with a usage error
// when it is missing.
func flagValue(args []string, i *int) string {
	name := args[*i]
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(exitUsage)
	}
	return args[*i]
}

func unknownArg(arg string) {
	fmt.Fprintf(os.Stderr, "unknown arg: %s\n", arg)
	os.Exit(exitUsage)
}

// bootstrap resolves configuration and opens the migrated store.
func bootstrap(ctx context.Context) (config.Config, *store.Store) {
	cfg, err := config.FromEnv()
	if err != nil {
		fatal(err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		fatal(err)
	}
	st, err := store.Open(cfg.DBPath, store.WithLogger(cliLogger()))
	if err != nil {
		fatal(err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		fatal(err)
	}
	return cfg, st
}

// newRegistry wires up the providers available to this process. The
// openai adapter is only registered when its credentials resolve; a
// tree that never references it does not need them.
func newRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(provider.NewScript(""))
	if p, err := provider.NewOpenAIFromEnv(); err == nil {
		reg.Register(p)
	}
	return reg
}

func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("ALPHRED_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// fatal prints the error and exits with the code its kind maps to:
// missing trees, runs, and repositories exit 3, invalid controls exit
// 2, everything else is a runtime failure.
func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	switch {
	case errors.Is(err, store.ErrTreeNotFound),
		errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, store.ErrRepoNotFound):
		os.Exit(exitNotFound)
	case errors.Is(err, engine.ErrInvalidControl):
		os.Exit(exitUsage)
	}
	os.Exit(exitRuntime)
}
