package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/alphredhq/alphred/internal/store"
)

// routingSignals are the canonical decision values a report may carry.
var routingSignals = map[string]bool{
	"approved":          true,
	"changes_requested": true,
	"blocked":           true,
	"retry":             true,
}

// ParsedDecision is the routing parser's output.
type ParsedDecision struct {
	Signal string // empty = no signal
	Source string // "metadata", "report", or ""
}

// ParseRoutingDecision extracts the decision signal from a completed
// attempt. Structured metadata wins over the report text; in the text,
// the first line of the exact form "decision: <signal>" counts, case
// insensitively, and any extra token invalidates the line.
func ParseRoutingDecision(report string, metadata map[string]any) ParsedDecision {
	if metadata != nil {
		if raw, ok := metadata["routingDecision"]; ok {
			if s, ok := raw.(string); ok {
				s = strings.ToLower(strings.TrimSpace(s))
				if routingSignals[s] {
					return ParsedDecision{Signal: s, Source: "metadata"}
				}
			}
		}
	}
	for _, line := range strings.Split(report, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if !strings.EqualFold(fields[0], "decision:") {
			continue
		}
		signal := strings.ToLower(fields[1])
		if routingSignals[signal] {
			return ParsedDecision{Signal: signal, Source: "report"}
		}
	}
	return ParsedDecision{}
}

// decisionTypeFor maps a parsed signal onto its persisted decision
// type. Unknown signals fall back to no_route.
func decisionTypeFor(signal string) store.DecisionType {
	switch signal {
	case "approved":
		return store.DecisionApproved
	case "changes_requested":
		return store.DecisionChangesRequested
	case "blocked":
		return store.DecisionBlocked
	case "retry":
		return store.DecisionRetry
	default:
		return store.DecisionNoRoute
	}
}

// RoutingAddendum renders the routing metadata contract appended to a
// node's prompt when it has at least one guarded success edge. The
// wording is part of the external contract: downstream routing depends
// on the agent following it.
func RoutingAddendum(guardSignals []string) string {
	var b strings.Builder
	b.WriteString("\n\n--- ROUTING DECISION CONTRACT ---\n")
	b.WriteString("Your final report must state a routing decision on its own line, exactly:\n")
	b.WriteString("decision: <signal>\n")
	b.WriteString("Canonical signals: approved, changes_requested, blocked, retry.\n")
	if len(guardSignals) > 0 {
		b.WriteString("Signals routed from this step: " + strings.Join(guardSignals, ", ") + ".\n")
	}
	b.WriteString("Emit exactly one decision line with no other tokens on it.\n")
	return b.String()
}

// selectSuccessEdge evaluates a completed node's success edges in
// deterministic order and returns the first match, or nil for no-route.
func selectSuccessEdge(ctx context.Context, db storeOps, runID int64, sourceKey, signal string) (*store.RunNodeEdge, error) {
	edges, err := db.OutgoingEdges(ctx, runID, sourceKey, store.RouteSuccess)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.Auto {
			return e, nil
		}
		guard, err := db.GetGuard(ctx, e.GuardID)
		if err != nil {
			return nil, err
		}
		ok, err := EvaluateGuard(guard.Expression, signal)
		if err != nil {
			return nil, fmt.Errorf("evaluate guard %s: %w", guard.GuardKey, err)
		}
		if ok {
			return e, nil
		}
	}
	return nil, nil
}

// selectFailureEdge returns the first failure edge of a failed node, or
// nil when the failure has no route. Failure edges are always auto.
func selectFailureEdge(ctx context.Context, db storeOps, runID int64, sourceKey string) (*store.RunNodeEdge, error) {
	edges, err := db.OutgoingEdges(ctx, runID, sourceKey, store.RouteFailure)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}
	return edges[0], nil
}

// activateTarget makes the target of a just-selected edge eligible to
// run: skipped targets reactivate in place, terminal targets get a
// fresh pending attempt, pending/running targets are left alone.
func activateTarget(ctx context.Context, db storeOps, runID int64, targetKey string) error {
	target, err := db.LatestAttempt(ctx, runID, targetKey)
	if err != nil {
		return fmt.Errorf("activate %s: %w", targetKey, err)
	}
	switch target.Status {
	case store.NodePending, store.NodeRunning:
		return nil
	case store.NodeSkipped:
		return db.TransitionRunNode(ctx, target.ID, store.NodePending)
	default:
		next := &store.RunNode{
			RunID:            runID,
			TreeNodeID:       target.TreeNodeID,
			NodeKey:          target.NodeKey,
			Attempt:          target.Attempt + 1,
			SequenceIndex:    target.SequenceIndex,
			NodeType:         target.NodeType,
			NodeRole:         target.NodeRole,
			Provider:         target.Provider,
			Model:            target.Model,
			Prompt:           target.Prompt,
			MaxRetries:       target.MaxRetries,
			MaxChildren:      target.MaxChildren,
			ErrorHandlerCfg:  target.ErrorHandlerCfg,
			SpawnerRunNodeID: target.SpawnerRunNodeID,
			JoinNodeKey:      target.JoinNodeKey,
			LineageDepth:     target.LineageDepth,
			SequencePath:     target.SequencePath,
			Metadata:         target.Metadata,
		}
		return db.InsertRunNode(ctx, next)
	}
}

// markUnreachableSkipped walks the run graph forward from the nodes
// that can still produce work and marks every pending node outside that
// set skipped. Completed and failed sources only propagate through
// their selected edges; live (pending/running) sources propagate
// through everything they might still take.
func markUnreachableSkipped(ctx context.Context, db storeOps, runID int64) error {
	latest, err := db.LatestAttempts(ctx, runID)
	if err != nil {
		return err
	}
	edges, err := db.ListRunEdges(ctx, runID)
	if err != nil {
		return err
	}
	byKey := make(map[string]*store.RunNode, len(latest))
	hasIncoming := map[string]bool{}
	outgoing := map[string][]*store.RunNodeEdge{}
	for _, n := range latest {
		byKey[n.NodeKey] = n
	}
	for _, e := range edges {
		outgoing[e.SourceNodeKey] = append(outgoing[e.SourceNodeKey], e)
		hasIncoming[e.TargetNodeKey] = true
	}

	reachable := map[string]bool{}
	var stack []string
	for _, n := range latest {
		if !hasIncoming[n.NodeKey] {
			stack = append(stack, n.NodeKey)
		}
	}
	for _, e := range edges {
		if e.Selected {
			stack = append(stack, e.TargetNodeKey)
		}
	}
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[key] {
			continue
		}
		reachable[key] = true
		n, ok := byKey[key]
		if !ok {
			continue
		}
		for _, e := range outgoing[key] {
			switch n.Status {
			case store.NodePending, store.NodeRunning:
				// Any edge may still fire.
				stack = append(stack, e.TargetNodeKey)
			default:
				if e.Selected {
					stack = append(stack, e.TargetNodeKey)
				}
			}
		}
	}

	for _, n := range latest {
		if n.Status != store.NodePending || reachable[n.NodeKey] {
			continue
		}
		if err := db.TransitionRunNode(ctx, n.ID, store.NodeSkipped); err != nil {
			return fmt.Errorf("skip %s: %w", n.NodeKey, err)
		}
	}
	return nil
}
