package main

import (
	"context"
	"os"

	"github.com/alphredhq/alphred/internal/engine"
	"github.com/alphredhq/alphred/internal/server"
)

const defaultServeAddr = ":8484"

func cmdServe(args []string) {
	addr := defaultServeAddr
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			addr = flagValue(args, &i)
		default:
			unknownArg(args[i])
		}
	}

	ctx := context.Background()
	_, st := bootstrap(ctx)
	defer st.Close()

	logger := cliLogger()
	exec := engine.NewExecutor(st, newRegistry(), engine.WithLogger(logger))
	srv := server.New(server.Config{Addr: addr}, st, exec, server.WithLogger(logger))
	if err := srv.ListenAndServe(); err != nil {
		fatal(err)
	}
	os.Exit(exitOK)
}
