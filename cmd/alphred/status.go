package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

func cmdStatus(args []string) {
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
		fmt.Fprintln(os.Stderr, "status requires --run <id> with a positive integer")
		os.Exit(exitUsage)
	}

	ctx := context.Background()
	_, st := bootstrap(ctx)
	defer st.Close()

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		fatal(err)
	}
	latest, err := st.LatestAttempts(ctx, runID)
	if err != nil {
		fatal(err)
	}

	fmt.Printf("run_id=%d\n", run.ID)
	fmt.Printf("tree_id=%d\n", run.TreeID)
	fmt.Printf("status=%s\n", run.Status)
	if run.StatusReason != "" {
		fmt.Printf("status_reason=%s\n", run.StatusReason)
	}
	fmt.Printf("max_steps=%d\n", run.MaxSteps)
	if run.StartedAt != nil {
		fmt.Printf("started_at=%s\n", run.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if run.CompletedAt != nil {
		fmt.Printf("completed_at=%s\n", run.CompletedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	fmt.Printf("nodes=%d\n", len(latest))
	for _, n := range latest {
		fmt.Printf("node %s attempt=%d status=%s role=%s\n", n.NodeKey, n.Attempt, n.Status, n.NodeRole)
	}
	os.Exit(exitOK)
}
