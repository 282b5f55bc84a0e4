package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphredhq/alphred/internal/store"
)

// Planner materializes runs from published workflow trees.
type Planner struct {
	store  *store.Store
	logger *slog.Logger
}

func NewPlanner(s *store.Store, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Planner{store: s, logger: logger}
}

// MaterializeOptions tunes run creation.
type MaterializeOptions struct {
	MaxSteps    int
	Permissions []string
	// StartRunning materializes the run directly into running with
	// started_at stamped (StartedAt when set, else now).
	StartRunning bool
	StartedAt    time.Time
}

// MaterializedRun is the planner's result: the run plus the node keys
// that are runnable before any edge has been selected.
type MaterializedRun struct {
	Run                 *store.WorkflowRun
	NodeKeys            []string
	InitialRunnableKeys []string
}

// Materialize creates a run from a tree in one transaction: one pending
// attempt-1 run_node per tree node in deterministic order, and one
// tree-kind runtime edge per tree edge so the scheduler reads only
// run_node_edges from then on.
//
// Version nil resolves to the single published version of the key;
// several published versions make the lookup ambiguous.
func (p *Planner) Materialize(ctx context.Context, treeKey string, version *int, opts MaterializeOptions) (*MaterializedRun, error) {
	tree, err := p.store.FindTree(ctx, treeKey, version)
	if err != nil {
		return nil, err
	}
	nodes, err := p.store.ListTreeNodes(ctx, tree.ID)
	if err != nil {
		return nil, err
	}
	edges, err := p.store.ListTreeEdges(ctx, tree.ID)
	if err != nil {
		return nil, err
	}
	nodeByID := make(map[int64]*store.TreeNode, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
	}

	out := &MaterializedRun{}
	err = p.store.InTx(ctx, func(tx *store.Tx) error {
		run := &store.WorkflowRun{
			TreeID:      tree.ID,
			MaxSteps:    opts.MaxSteps,
			Permissions: opts.Permissions,
		}
		if err := tx.InsertRun(ctx, run); err != nil {
			return err
		}
		for _, n := range nodes {
			rn := &store.RunNode{
				RunID:           run.ID,
				TreeNodeID:      n.ID,
				NodeKey:         n.NodeKey,
				SequenceIndex:   n.SequenceIndex,
				NodeType:        n.NodeType,
				NodeRole:        n.NodeRole,
				Provider:        n.Provider,
				Model:           n.Model,
				Prompt:          n.Prompt,
				MaxRetries:      n.MaxRetries,
				MaxChildren:     n.MaxChildren,
				ErrorHandlerCfg: n.ErrorHandlerConfig,
			}
			if err := tx.InsertRunNode(ctx, rn); err != nil {
				return fmt.Errorf("materialize node %s: %w", n.NodeKey, err)
			}
			out.NodeKeys = append(out.NodeKeys, n.NodeKey)
		}
		for _, e := range edges {
			src, okSrc := nodeByID[e.SourceNodeID]
			dst, okDst := nodeByID[e.TargetNodeID]
			if !okSrc || !okDst {
				// Dangling edges carry no scheduling meaning; the tree
				// trigger layer should have prevented them.
				continue
			}
			re := &store.RunNodeEdge{
				RunID:         run.ID,
				EdgeKind:      store.EdgeTree,
				SourceNodeKey: src.NodeKey,
				TargetNodeKey: dst.NodeKey,
				RouteOn:       e.RouteOn,
				Priority:      e.Priority,
				Auto:          e.Auto,
				GuardID:       e.GuardID,
			}
			if err := tx.InsertRunEdge(ctx, re); err != nil {
				return fmt.Errorf("materialize edge %s->%s: %w", src.NodeKey, dst.NodeKey, err)
			}
		}
		if opts.StartRunning {
			if err := tx.StartRun(ctx, run.ID, opts.StartedAt); err != nil {
				return err
			}
		}
		out.Run = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Re-read through the store so returned state reflects what
	// committed, including trigger-maintained fields.
	out.Run, err = p.store.GetRun(ctx, out.Run.ID)
	if err != nil {
		return nil, err
	}
	out.InitialRunnableKeys = initialRunnable(nodes, edges, nodeByID)
	p.logger.Info("planner: materialized run",
		"run_id", out.Run.ID, "tree_key", tree.TreeKey, "version", tree.Version,
		"nodes", len(nodes), "initial_runnable", out.InitialRunnableKeys)
	return out, nil
}

// initialRunnable computes the node keys with no incoming edges that
// are reachable. Cyclic trees have no edge-free node inside the cycle,
// so they yield an empty set and the run never starts.
func initialRunnable(nodes []*store.TreeNode, edges []*store.TreeEdge, byID map[int64]*store.TreeNode) []string {
	hasIncoming := map[int64]bool{}
	for _, e := range edges {
		if _, ok := byID[e.TargetNodeID]; ok {
			hasIncoming[e.TargetNodeID] = true
		}
	}
	var keys []string
	for _, n := range nodes {
		if !hasIncoming[n.ID] {
			keys = append(keys, n.NodeKey)
		}
	}
	return keys
}
