package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphredhq/alphred/internal/store"
)

func TestHeadTail(t *testing.T) {
	body, truncated := headTail("short", 100)
	assert.Equal(t, "short", body)
	assert.False(t, truncated)

	src := "abcdefghijklmnopqrstuvwxy" // 25 chars
	body, truncated = headTail(src, 10)
	assert.True(t, truncated)
	assert.Len(t, body, 10)
	assert.Equal(t, "abcde", body[:5])
	assert.Equal(t, "uvwxy", body[5:])

	// An odd limit puts the extra character in the tail.
	body, _ = headTail(src, 7)
	assert.Equal(t, "abc", body[:3])
	assert.Equal(t, "vwxy", body[3:])
}

func TestRenderUpstreamEnvelopeDeterministic(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	p := predecessorReport{
		artifact: &store.PhaseArtifact{
			ID: 7, ArtifactType: store.ArtifactReport, ContentType: store.ContentText,
			Content: "the findings", CreatedAt: created,
		},
		node: &store.RunNode{ID: 3, NodeKey: "analyze", Attempt: 1},
	}

	first := renderUpstreamEnvelope(12, "report", p, "the findings", false)
	second := renderUpstreamEnvelope(12, "report", p, "the findings", false)
	assert.Equal(t, first, second)

	assert.True(t, strings.HasPrefix(first, "ALPHRED_UPSTREAM_ARTIFACT v1\n"))
	assert.Contains(t, first, "policy_version: 1\n")
	assert.Contains(t, first, "untrusted_data: true\n")
	assert.Contains(t, first, "workflow_run_id: 12\n")
	assert.Contains(t, first, "target_node_key: report\n")
	assert.Contains(t, first, "source_node_key: analyze\n")
	assert.Contains(t, first, "sha256: "+sha256Hex("the findings")+"\n")
	assert.Contains(t, first, "truncated: false\n")
	assert.Contains(t, first, "truncation_method: head_tail\n")
	assert.Contains(t, first, "<<<BEGIN>>>\nthe findings\n<<<END>>>\n")

	// The hash always covers the original content, not the truncated
	// body.
	cut, _ := headTail("the findings", 8)
	truncatedEnv := renderUpstreamEnvelope(12, "report", p, cut, true)
	assert.Contains(t, truncatedEnv, "sha256: "+sha256Hex("the findings")+"\n")
	assert.Contains(t, truncatedEnv, "truncated: true\n")
	assert.Contains(t, truncatedEnv, "original_chars: 12\n")
	assert.Contains(t, truncatedEnv, "included_chars: 8\n")
}

// completeWithReport drives a node attempt through running to completed
// and attaches a report artifact.
func (h *harness) completeWithReport(t *testing.T, runID int64, key, content string) *store.RunNode {
	t.Helper()
	ctx := context.Background()
	n := h.latestNode(t, runID, key)
	require.NoError(t, h.store.TransitionRunNode(ctx, n.ID, store.NodeRunning))
	require.NoError(t, h.store.InsertArtifact(ctx, &store.PhaseArtifact{
		RunID: runID, RunNodeID: n.ID,
		ArtifactType: store.ArtifactReport, ContentType: store.ContentText, Content: content,
	}))
	require.NoError(t, h.store.TransitionRunNode(ctx, n.ID, store.NodeCompleted))
	return n
}

func TestAssembleContextTruncatesOversizedUpstream(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "ctx-trunc",
		[]nodeSpec{{key: "producer", seq: 0}, {key: "consumer", seq: 1}},
		[]edgeSpec{{source: "producer", target: "consumer"}},
	)
	run := h.materialize(t, "ctx-trunc")

	ctx := context.Background()
	big := strings.Repeat("x", maxCharsPerArtifact+5_000)
	h.completeWithReport(t, run.ID, "producer", big)

	edges, err := h.store.OutgoingEdges(ctx, run.ID, "producer", store.RouteSuccess)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.NoError(t, h.store.MarkEdgeSelected(ctx, edges[0].ID))

	consumer := h.latestNode(t, run.ID, "consumer")
	assembled, err := AssembleContext(ctx, h.store, h.runStatus(t, run.ID), consumer)
	require.NoError(t, err)

	require.Len(t, assembled.Entries, 1)
	assert.Equal(t, 1, assembled.Manifest.UpstreamCount)
	assert.Equal(t, 1, assembled.Manifest.TruncatedCount)
	assert.Contains(t, assembled.Entries[0], "truncated: true")
	assert.Contains(t, assembled.Entries[0], "sha256: "+sha256Hex(big))
}

func TestAssembleContextCapsUpstreamCount(t *testing.T) {
	h := newHarness(t)
	nodes := []nodeSpec{
		{key: "p1", seq: 0}, {key: "p2", seq: 1}, {key: "p3", seq: 2},
		{key: "p4", seq: 3}, {key: "p5", seq: 4}, {key: "sink", seq: 5},
	}
	edges := []edgeSpec{
		{source: "p1", target: "sink"}, {source: "p2", target: "sink"},
		{source: "p3", target: "sink"}, {source: "p4", target: "sink"},
		{source: "p5", target: "sink"},
	}
	h.buildTree(t, "ctx-cap", nodes, edges)
	run := h.materialize(t, "ctx-cap")

	ctx := context.Background()
	for _, key := range []string{"p1", "p2", "p3", "p4", "p5"} {
		h.completeWithReport(t, run.ID, key, "report from "+key)
		out, err := h.store.OutgoingEdges(ctx, run.ID, key, store.RouteSuccess)
		require.NoError(t, err)
		require.NoError(t, h.store.MarkEdgeSelected(ctx, out[0].ID))
	}

	sink := h.latestNode(t, run.ID, "sink")
	assembled, err := AssembleContext(ctx, h.store, h.runStatus(t, run.ID), sink)
	require.NoError(t, err)

	// Only the first four predecessors in (sequence_index, node_key)
	// order fit; the fifth is simply not included.
	assert.Equal(t, maxUpstreamArtifacts, assembled.Manifest.UpstreamCount)
	joined := assembled.Joined()
	assert.Contains(t, joined, "report from p1")
	assert.Contains(t, joined, "report from p4")
	assert.NotContains(t, joined, "report from p5")
}

func TestAssembleContextMissingUpstream(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "ctx-missing",
		[]nodeSpec{{key: "producer", seq: 0}, {key: "consumer", seq: 1}},
		[]edgeSpec{{source: "producer", target: "consumer"}},
	)
	run := h.materialize(t, "ctx-missing")

	// Select the edge without ever producing a report.
	ctx := context.Background()
	edges, err := h.store.OutgoingEdges(ctx, run.ID, "producer", store.RouteSuccess)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkEdgeSelected(ctx, edges[0].ID))

	consumer := h.latestNode(t, run.ID, "consumer")
	assembled, err := AssembleContext(ctx, h.store, h.runStatus(t, run.ID), consumer)
	require.NoError(t, err)

	assert.Empty(t, assembled.Entries)
	assert.Equal(t, []string{"producer"}, assembled.Manifest.MissingUpstreamKeys)
	assert.Equal(t, 0, assembled.Manifest.UpstreamCount)
}
