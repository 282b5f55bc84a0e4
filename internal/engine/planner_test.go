package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphredhq/alphred/internal/store"
)

func TestMaterializeRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "materialize",
		[]nodeSpec{{key: "a", seq: 0}, {key: "b", seq: 1}, {key: "c", seq: 2}},
		[]edgeSpec{{source: "a", target: "b"}, {source: "b", target: "c"}},
	)

	ctx := context.Background()
	out, err := h.planner.Materialize(ctx, "materialize", nil, MaterializeOptions{
		MaxSteps:    25,
		Permissions: []string{"read"},
	})
	require.NoError(t, err)

	assert.Equal(t, store.RunPending, out.Run.Status)
	assert.Equal(t, 25, out.Run.MaxSteps)
	assert.Equal(t, []string{"read"}, out.Run.Permissions)
	assert.Equal(t, []string{"a", "b", "c"}, out.NodeKeys)
	assert.Equal(t, []string{"a"}, out.InitialRunnableKeys)

	// One pending attempt-1 row per tree node.
	latest, err := h.store.LatestAttempts(ctx, out.Run.ID)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	for _, n := range latest {
		assert.Equal(t, 1, n.Attempt)
		assert.Equal(t, store.NodePending, n.Status)
		assert.NotZero(t, n.TreeNodeID)
	}

	// Tree edges become tree-kind runtime edges; the scheduler never
	// reads tree_edges again.
	edges, err := h.store.ListRunEdges(ctx, out.Run.ID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, store.EdgeTree, e.EdgeKind)
		assert.False(t, e.Selected)
	}
}

func TestMaterializeStartRunning(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "hot-start", []nodeSpec{{key: "a", seq: 0}}, nil)

	startedAt := time.Date(2026, 5, 2, 15, 4, 5, 0, time.UTC)
	out, err := h.planner.Materialize(context.Background(), "hot-start", nil, MaterializeOptions{
		StartRunning: true,
		StartedAt:    startedAt,
	})
	require.NoError(t, err)

	assert.Equal(t, store.RunRunning, out.Run.Status)
	require.NotNil(t, out.Run.StartedAt)
	assert.True(t, out.Run.StartedAt.Equal(startedAt))
}

func TestMaterializeUnknownTree(t *testing.T) {
	h := newHarness(t)
	_, err := h.planner.Materialize(context.Background(), "nope", nil, MaterializeOptions{})
	assert.ErrorIs(t, err, store.ErrTreeNotFound)
}

func TestMaterializeVersionSelection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for v := 1; v <= 2; v++ {
		tree := &store.WorkflowTree{TreeKey: "versioned", Version: v, Name: "versioned", Status: store.TreeDraft}
		require.NoError(t, h.store.InsertTree(ctx, tree))
		n := &store.TreeNode{
			TreeID: tree.ID, NodeKey: "only", NodeType: store.NodeTypeAgent,
			NodeRole: store.RoleStandard, Provider: "script", Prompt: "work",
		}
		require.NoError(t, h.store.InsertTreeNode(ctx, n))
		require.NoError(t, h.store.PublishTree(ctx, tree.ID))
	}

	// Two published versions make a version-less materialize ambiguous.
	_, err := h.planner.Materialize(ctx, "versioned", nil, MaterializeOptions{})
	assert.ErrorIs(t, err, store.ErrAmbiguousTreeVersion)

	v := 1
	out, err := h.planner.Materialize(ctx, "versioned", &v, MaterializeOptions{})
	require.NoError(t, err)
	tree, err := h.store.GetTree(ctx, out.Run.TreeID)
	require.NoError(t, err)
	assert.Equal(t, 1, tree.Version)
}
