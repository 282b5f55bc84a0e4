package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphredhq/alphred/internal/provider"
	"github.com/alphredhq/alphred/internal/store"
)

// harness bundles a file-backed store, a scripted provider, and the
// engine components under test.
type harness struct {
	store   *store.Store
	script  *provider.ScriptProvider
	exec    *Executor
	planner *Planner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	script := provider.NewScript("script")
	reg := provider.NewRegistry()
	reg.Register(script)
	return &harness{
		store:   s,
		script:  script,
		exec:    NewExecutor(s, reg),
		planner: NewPlanner(s, nil),
	}
}

type nodeSpec struct {
	key         string
	seq         int
	role        store.NodeRole
	maxRetries  int
	maxChildren int
	handlerCfg  string
}

type edgeSpec struct {
	source, target string
	routeOn        store.RouteOn
	priority       int
	guard          string // guard expression; empty = auto edge
}

// buildTree publishes a tree where every node runs on the scripted
// provider.
func (h *harness) buildTree(t *testing.T, key string, nodes []nodeSpec, edges []edgeSpec) {
	t.Helper()
	ctx := context.Background()
	tree := &store.WorkflowTree{TreeKey: key, Version: 1, Name: key, Status: store.TreeDraft}
	require.NoError(t, h.store.InsertTree(ctx, tree))

	ids := map[string]int64{}
	for _, ns := range nodes {
		role := ns.role
		if role == "" {
			role = store.RoleStandard
		}
		n := &store.TreeNode{
			TreeID:             tree.ID,
			NodeKey:            ns.key,
			SequenceIndex:      ns.seq,
			NodeType:           store.NodeTypeAgent,
			NodeRole:           role,
			Provider:           "script",
			Model:              "scripted",
			Prompt:             "work on " + ns.key,
			MaxRetries:         ns.maxRetries,
			MaxChildren:        ns.maxChildren,
			ErrorHandlerConfig: ns.handlerCfg,
		}
		require.NoError(t, h.store.InsertTreeNode(ctx, n))
		ids[ns.key] = n.ID
	}
	for _, es := range edges {
		routeOn := es.routeOn
		if routeOn == "" {
			routeOn = store.RouteSuccess
		}
		e := &store.TreeEdge{
			TreeID:       tree.ID,
			SourceNodeID: ids[es.source],
			TargetNodeID: ids[es.target],
			RouteOn:      routeOn,
			Priority:     es.priority,
			Auto:         es.guard == "",
		}
		if es.guard != "" {
			g := &store.GuardDefinition{
				GuardKey:   es.source + "->" + es.target,
				Version:    1,
				Expression: es.guard,
			}
			require.NoError(t, h.store.InsertGuard(ctx, g))
			e.GuardID = g.ID
		}
		require.NoError(t, h.store.InsertTreeEdge(ctx, e))
	}
	require.NoError(t, h.store.PublishTree(ctx, tree.ID))
}

func (h *harness) materialize(t *testing.T, treeKey string) *store.WorkflowRun {
	t.Helper()
	out, err := h.planner.Materialize(context.Background(), treeKey, nil, MaterializeOptions{MaxSteps: 50})
	require.NoError(t, err)
	return out.Run
}

func (h *harness) run(t *testing.T, runID int64) {
	t.Helper()
	require.NoError(t, h.exec.ExecuteRun(context.Background(), runID, 0))
}

func (h *harness) runStatus(t *testing.T, runID int64) *store.WorkflowRun {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func (h *harness) latestNode(t *testing.T, runID int64, key string) *store.RunNode {
	t.Helper()
	n, err := h.store.LatestAttempt(context.Background(), runID, key)
	require.NoError(t, err)
	return n
}

// promptFor returns the prompt of the nth invocation observed for a
// node key (0-based).
func (h *harness) promptFor(t *testing.T, key string, nth int) string {
	t.Helper()
	var prompts []string
	for _, c := range h.script.Calls() {
		if c.Key == key {
			prompts = append(prompts, c.Prompt)
		}
	}
	require.Greater(t, len(prompts), nth, "no call %d observed for %s", nth, key)
	return prompts[nth]
}

func guardEquals(signal string) string {
	return `{"field":"routingDecision","equals":"` + signal + `"}`
}

func TestLinearPipeline(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "pipeline",
		[]nodeSpec{{key: "plan", seq: 0}, {key: "build", seq: 1}, {key: "verify", seq: 2}},
		[]edgeSpec{{source: "plan", target: "build"}, {source: "build", target: "verify"}},
	)
	h.script.Succeed("plan", "plan report body", nil)
	h.script.Succeed("build", "build report body", nil)
	h.script.Succeed("verify", "verify report body", nil)

	run := h.materialize(t, "pipeline")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	for _, key := range []string{"plan", "build", "verify"} {
		assert.Equal(t, store.NodeCompleted, h.latestNode(t, run.ID, key).Status)
	}

	// Each downstream node sees its predecessor's report in an exact
	// envelope.
	buildPrompt := h.promptFor(t, "build", 0)
	assert.Contains(t, buildPrompt, "ALPHRED_UPSTREAM_ARTIFACT v1")
	assert.Contains(t, buildPrompt, "source_node_key: plan")
	assert.Contains(t, buildPrompt, "plan report body")
	assert.Contains(t, buildPrompt, "untrusted_data: true")

	// Reports carry the context manifest as metadata.
	build := h.latestNode(t, run.ID, "build")
	art, err := h.store.ArtifactForRunNode(context.Background(), build.ID, store.ArtifactReport)
	require.NoError(t, err)
	var manifest ContextManifest
	require.NoError(t, json.Unmarshal([]byte(art.Metadata), &manifest))
	assert.Equal(t, 1, manifest.UpstreamCount)
	assert.Equal(t, contextPolicyVersion, manifest.ContextPolicyVersion)
}

func TestGuardedRouting(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "review-flow",
		[]nodeSpec{
			{key: "intake", seq: 0},
			{key: "review", seq: 1},
			{key: "ship", seq: 2},
			{key: "revise", seq: 3},
		},
		[]edgeSpec{
			{source: "intake", target: "review"},
			{source: "review", target: "ship", guard: guardEquals("approved")},
			{source: "review", target: "revise", priority: 1, guard: guardEquals("changes_requested")},
		},
	)
	h.script.Succeed("intake", "intake done", nil)
	h.script.Succeed("review", "decision: approved\n\nlooks good", nil)
	h.script.Succeed("ship", "shipped", nil)

	run := h.materialize(t, "review-flow")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	assert.Equal(t, store.NodeCompleted, h.latestNode(t, run.ID, "ship").Status)
	assert.Equal(t, store.NodeSkipped, h.latestNode(t, run.ID, "revise").Status)

	// The review prompt carries the routing contract because its success
	// edges are guarded.
	reviewPrompt := h.promptFor(t, "review", 0)
	assert.Contains(t, reviewPrompt, "--- ROUTING DECISION CONTRACT ---")
	assert.Contains(t, reviewPrompt, "approved, changes_requested")

	review := h.latestNode(t, run.ID, "review")
	dec, err := h.store.DecisionForRunNode(context.Background(), review.ID)
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, store.DecisionApproved, dec.DecisionType)
	assert.NotZero(t, dec.SelectedEdgeID)
}

func TestRoutingMetadataWins(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "meta-flow",
		[]nodeSpec{{key: "review", seq: 0}, {key: "ship", seq: 1}, {key: "revise", seq: 2}},
		[]edgeSpec{
			{source: "review", target: "ship", guard: guardEquals("approved")},
			{source: "review", target: "revise", priority: 1, guard: guardEquals("changes_requested")},
		},
	)
	// The report text says approved, but structured metadata overrides.
	h.script.Succeed("review", "decision: approved\nfine", map[string]any{"routingDecision": "changes_requested"})
	h.script.Succeed("revise", "revised", nil)

	run := h.materialize(t, "meta-flow")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	assert.Equal(t, store.NodeCompleted, h.latestNode(t, run.ID, "revise").Status)
	assert.Equal(t, store.NodeSkipped, h.latestNode(t, run.ID, "ship").Status)
}

func TestNoRouteSkipsDownstream(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "no-route",
		[]nodeSpec{{key: "review", seq: 0}, {key: "ship", seq: 1}},
		[]edgeSpec{{source: "review", target: "ship", guard: guardEquals("approved")}},
	)
	h.script.Succeed("review", "no decision line here", nil)

	run := h.materialize(t, "no-route")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	assert.Equal(t, store.NodeSkipped, h.latestNode(t, run.ID, "ship").Status)

	review := h.latestNode(t, run.ID, "review")
	dec, err := h.store.DecisionForRunNode(context.Background(), review.ID)
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, store.DecisionNoRoute, dec.DecisionType)
	assert.Zero(t, dec.SelectedEdgeID)
}

func TestSignalWithoutMatchingGuardIsNoRoute(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "guard-mismatch",
		[]nodeSpec{{key: "review", seq: 0}, {key: "revise", seq: 1}},
		[]edgeSpec{{source: "review", target: "revise", guard: guardEquals("changes_requested")}},
	)
	// The report carries a valid signal, but no guard accepts it.
	h.script.Succeed("review", "decision: approved\nship it", nil)

	run := h.materialize(t, "guard-mismatch")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	assert.Equal(t, store.NodeSkipped, h.latestNode(t, run.ID, "revise").Status)

	review := h.latestNode(t, run.ID, "review")
	dec, err := h.store.DecisionForRunNode(context.Background(), review.ID)
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, store.DecisionNoRoute, dec.DecisionType)
	assert.Zero(t, dec.SelectedEdgeID)
}

func TestAutoEdgeWithoutSignalRecordsApproved(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "auto-route",
		[]nodeSpec{{key: "a", seq: 0}, {key: "b", seq: 1}},
		[]edgeSpec{{source: "a", target: "b"}},
	)
	h.script.Succeed("a", "plain report, no decision line", nil)
	h.script.Succeed("b", "done", nil)

	run := h.materialize(t, "auto-route")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)

	a := h.latestNode(t, run.ID, "a")
	dec, err := h.store.DecisionForRunNode(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, store.DecisionApproved, dec.DecisionType)
	assert.NotZero(t, dec.SelectedEdgeID)
}

func spawnJSON(t *testing.T, subtasks []SubtaskSpec) string {
	t.Helper()
	if subtasks == nil {
		subtasks = []SubtaskSpec{}
	}
	b, err := json.Marshal(map[string]any{"schemaVersion": 1, "subtasks": subtasks})
	require.NoError(t, err)
	return string(b)
}

func TestFanOutAndJoin(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "fanout",
		[]nodeSpec{
			{key: "breakdown", seq: 0, role: store.RoleSpawner, maxChildren: 5},
			{key: "synth", seq: 1, role: store.RoleJoin},
		},
		[]edgeSpec{{source: "breakdown", target: "synth"}},
	)
	h.script.Succeed("breakdown", spawnJSON(t, []SubtaskSpec{
		{Title: "Part A", Prompt: "do part a"},
		{Title: "Part B", Prompt: "do part b"},
		{Title: "Part C", Prompt: "do part c"},
	}), nil)
	h.script.Succeed("breakdown__1", "part a done", nil)
	h.script.Succeed("breakdown__2", "part b done", nil)
	h.script.Succeed("breakdown__3", "part c done", nil)
	h.script.Succeed("synth", "synthesis done", nil)

	run := h.materialize(t, "fanout")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)

	barrier, err := h.store.BarrierForJoin(context.Background(), run.ID, "synth")
	require.NoError(t, err)
	assert.Equal(t, 3, barrier.ExpectedChildren)
	assert.Equal(t, 3, barrier.TerminalChildren)
	assert.Equal(t, 3, barrier.CompletedChildren)
	assert.Equal(t, 0, barrier.FailedChildren)
	assert.Equal(t, store.BarrierReleased, barrier.Status)

	child := h.latestNode(t, run.ID, "breakdown__1")
	assert.Equal(t, store.NodeCompleted, child.Status)
	assert.Equal(t, 1, child.LineageDepth)
	assert.Equal(t, "0.1", child.SequencePath)
	assert.Equal(t, "script", child.Provider)

	synthPrompt := h.promptFor(t, "synth", 0)
	assert.Contains(t, synthPrompt, "ALPHRED_JOIN_SUBTASKS v1")
	assert.Contains(t, synthPrompt, "expected_children: 3")
	assert.Contains(t, synthPrompt, "part a done")
}

func TestFanOutEmpty(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "fanout-empty",
		[]nodeSpec{
			{key: "breakdown", seq: 0, role: store.RoleSpawner, maxChildren: 5},
			{key: "synth", seq: 1, role: store.RoleJoin},
		},
		[]edgeSpec{{source: "breakdown", target: "synth"}},
	)
	h.script.Succeed("breakdown", spawnJSON(t, nil), nil)
	h.script.Succeed("synth", "nothing to merge", nil)

	run := h.materialize(t, "fanout-empty")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	barrier, err := h.store.BarrierForJoin(context.Background(), run.ID, "synth")
	require.NoError(t, err)
	assert.Equal(t, 0, barrier.ExpectedChildren)
	assert.Equal(t, store.BarrierReleased, barrier.Status)

	synthPrompt := h.promptFor(t, "synth", 0)
	assert.Contains(t, synthPrompt, "expected_children: 0")
}

func TestChildRetryWithErrorHandler(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "fanout-retry",
		[]nodeSpec{
			{key: "parallel", seq: 0, role: store.RoleSpawner, maxChildren: 5, maxRetries: 1},
			{key: "merge", seq: 1, role: store.RoleJoin},
		},
		[]edgeSpec{{source: "parallel", target: "merge"}},
	)
	h.script.Succeed("parallel", spawnJSON(t, []SubtaskSpec{
		{Title: "Left", Prompt: "do left"},
		{Title: "Right", Prompt: "do right"},
	}), nil)
	h.script.Fail("parallel__1", provider.ClassTransport, "connection reset")
	h.script.Succeed("parallel__1", "left done on retry", nil)
	h.script.Succeed("parallel__1#error-handler", "retry hint: reconnect first", nil)
	h.script.Succeed("parallel__2", "right done", nil)
	h.script.Succeed("merge", "merged", nil)

	run := h.materialize(t, "fanout-retry")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)

	// The retry never double-counts the child at the barrier.
	barrier, err := h.store.BarrierForJoin(context.Background(), run.ID, "merge")
	require.NoError(t, err)
	assert.Equal(t, 2, barrier.ExpectedChildren)
	assert.Equal(t, 2, barrier.TerminalChildren)
	assert.Equal(t, 2, barrier.CompletedChildren)
	assert.Equal(t, 0, barrier.FailedChildren)
	assert.Equal(t, store.BarrierReleased, barrier.Status)

	child := h.latestNode(t, run.ID, "parallel__1")
	assert.Equal(t, 2, child.Attempt)
	assert.Equal(t, store.NodeCompleted, child.Status)

	// The handler summary is a note artifact tied to both attempts.
	notes, err := h.store.NoteArtifactsForNode(context.Background(), run.ID, "parallel__1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	var meta struct {
		Kind          string `json:"kind"`
		SourceAttempt int    `json:"source_attempt"`
		TargetAttempt int    `json:"target_attempt"`
	}
	require.NoError(t, json.Unmarshal([]byte(notes[0].Metadata), &meta))
	assert.Equal(t, "error_handler_summary_v1", meta.Kind)
	assert.Equal(t, 1, meta.SourceAttempt)
	assert.Equal(t, 2, meta.TargetAttempt)

	// Attempt 2 sees the summary in the retry envelope.
	retryPrompt := h.promptFor(t, "parallel__1", 1)
	assert.Contains(t, retryPrompt, "ALPHRED_RETRY_FAILURE_SUMMARY v1")
	assert.Contains(t, retryPrompt, "retry hint: reconnect first")
}

func TestFailureRoute(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "failure-route",
		[]nodeSpec{{key: "deploy", seq: 0}, {key: "announce", seq: 1}, {key: "rollback", seq: 2}},
		[]edgeSpec{
			{source: "deploy", target: "announce"},
			{source: "deploy", target: "rollback", routeOn: store.RouteFailure},
		},
	)
	h.script.Fail("deploy", provider.ClassTransport, "target unreachable")
	h.script.Succeed("rollback", "rolled back", nil)

	run := h.materialize(t, "failure-route")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	assert.Equal(t, store.NodeFailed, h.latestNode(t, run.ID, "deploy").Status)
	assert.Equal(t, store.NodeCompleted, h.latestNode(t, run.ID, "rollback").Status)
	assert.Equal(t, store.NodeSkipped, h.latestNode(t, run.ID, "announce").Status)

	rollbackPrompt := h.promptFor(t, "rollback", 0)
	assert.Contains(t, rollbackPrompt, "ALPHRED_FAILURE_ROUTE_CONTEXT v1")
	assert.Contains(t, rollbackPrompt, "target unreachable")

	deploy := h.latestNode(t, run.ID, "deploy")
	diag, err := h.store.DiagnosticsForAttempt(context.Background(), run.ID, deploy.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, diag)
	var payload diagnosticsPayload
	require.NoError(t, json.Unmarshal([]byte(diag.Payload), &payload))
	require.NotNil(t, payload.FailureRoute)
	assert.Equal(t, "selected", payload.FailureRoute.Status)
	assert.Equal(t, "rollback", payload.FailureRoute.TargetKey)
}

func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "flaky-flow",
		[]nodeSpec{{key: "flaky", seq: 0, maxRetries: 1}},
		nil,
	)
	h.script.Fail("flaky", provider.ClassRateLimit, "429 slow down")
	h.script.Succeed("flaky", "made it", nil)
	h.script.Succeed("flaky#error-handler", "back off before retrying", nil)

	run := h.materialize(t, "flaky-flow")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	flaky := h.latestNode(t, run.ID, "flaky")
	assert.Equal(t, 2, flaky.Attempt)
	assert.Equal(t, store.NodeCompleted, flaky.Status)

	// Attempt 1 diagnostics record the failure and the handler outcome.
	first, err := h.store.GetAttempt(context.Background(), run.ID, "flaky", 1)
	require.NoError(t, err)
	diag, err := h.store.DiagnosticsForAttempt(context.Background(), run.ID, first.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, diag)
	var payload diagnosticsPayload
	require.NoError(t, json.Unmarshal([]byte(diag.Payload), &payload))
	require.NotNil(t, payload.Error)
	assert.Equal(t, "rate_limit", payload.Error.Class)
	assert.True(t, payload.Error.Retryable)
	require.NotNil(t, payload.ErrorHandler)
	assert.Equal(t, "completed", payload.ErrorHandler.Status)
	assert.NotZero(t, payload.ErrorHandler.SummaryArtifactID)
}

func TestDisabledErrorHandler(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "no-handler",
		[]nodeSpec{{key: "flaky", seq: 0, maxRetries: 1, handlerCfg: `{"mode":"disabled"}`}},
		nil,
	)
	h.script.Fail("flaky", provider.ClassTransport, "boom")
	h.script.Succeed("flaky", "fine now", nil)

	run := h.materialize(t, "no-handler")
	h.run(t, run.ID)

	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	notes, err := h.store.NoteArtifactsForNode(context.Background(), run.ID, "flaky")
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestRunFailsWithoutRouteAndOperatorRetry(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "fragile-flow",
		[]nodeSpec{{key: "fragile", seq: 0}, {key: "after", seq: 1}},
		[]edgeSpec{{source: "fragile", target: "after"}},
	)
	h.script.Fail("fragile", provider.ClassTransport, "dead end")

	run := h.materialize(t, "fragile-flow")
	h.run(t, run.ID)

	got := h.runStatus(t, run.ID)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Contains(t, got.StatusReason, "fragile")

	// Operator retry re-queues the failed node without the error handler.
	h.script.Succeed("fragile", "recovered", nil)
	h.script.Succeed("after", "done", nil)
	require.NoError(t, h.exec.Retry(context.Background(), run.ID))
	assert.Equal(t, store.RunRunning, h.runStatus(t, run.ID).Status)
	assert.Equal(t, 2, h.latestNode(t, run.ID, "fragile").Attempt)

	h.run(t, run.ID)
	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	notes, err := h.store.NoteArtifactsForNode(context.Background(), run.ID, "fragile")
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestOperatorRetryClearsStaleSelections(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "rework-loop",
		[]nodeSpec{{key: "start", seq: 0}, {key: "build", seq: 1}, {key: "verify", seq: 2}},
		[]edgeSpec{
			{source: "start", target: "build"},
			{source: "build", target: "verify"},
			{source: "verify", target: "build", routeOn: store.RouteFailure},
		},
	)
	// verify fails across to build, whose rework attempt then fails
	// without a route of its own.
	h.script.Succeed("start", "ready", nil)
	h.script.Succeed("build", "built", nil)
	h.script.Fail("verify", provider.ClassTransport, "flaked")
	h.script.Fail("build", provider.ClassAuth, "token expired")

	run := h.materialize(t, "rework-loop")
	h.run(t, run.ID)
	require.Equal(t, store.RunFailed, h.runStatus(t, run.ID).Status)

	edgeSelected := func(source, target string) bool {
		t.Helper()
		edges, err := h.store.ListRunEdges(context.Background(), run.ID)
		require.NoError(t, err)
		for _, e := range edges {
			if e.SourceNodeKey == source && e.TargetNodeKey == target {
				return e.Selected
			}
		}
		t.Fatalf("edge %s->%s not found", source, target)
		return false
	}
	require.True(t, edgeSelected("build", "verify"))
	require.True(t, edgeSelected("verify", "build"))

	h.script.Succeed("build", "built clean", nil)
	h.script.Succeed("verify", "verified", nil)
	require.NoError(t, h.exec.Retry(context.Background(), run.ID))

	// Only the re-queued node's outgoing selections reset; the handled
	// failure route keeps its history.
	assert.False(t, edgeSelected("build", "verify"))
	assert.True(t, edgeSelected("verify", "build"))
	assert.Equal(t, 3, h.latestNode(t, run.ID, "build").Attempt)

	h.run(t, run.ID)
	assert.Equal(t, store.RunCompleted, h.runStatus(t, run.ID).Status)
	assert.Equal(t, store.NodeCompleted, h.latestNode(t, run.ID, "verify").Status)
}

func TestSpawnerInvalidOutputFailsRun(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "bad-spawn",
		[]nodeSpec{
			{key: "breakdown", seq: 0, role: store.RoleSpawner, maxChildren: 1},
			{key: "synth", seq: 1, role: store.RoleJoin},
		},
		[]edgeSpec{{source: "breakdown", target: "synth"}},
	)
	// Two subtasks against max_children 1.
	h.script.Succeed("breakdown", spawnJSON(t, []SubtaskSpec{
		{Title: "A", Prompt: "a"},
		{Title: "B", Prompt: "b"},
	}), nil)

	run := h.materialize(t, "bad-spawn")
	h.run(t, run.ID)

	got := h.runStatus(t, run.ID)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Equal(t, store.NodeFailed, h.latestNode(t, run.ID, "breakdown").Status)

	breakdown := h.latestNode(t, run.ID, "breakdown")
	diag, err := h.store.DiagnosticsForAttempt(context.Background(), run.ID, breakdown.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, diag)
	assert.Contains(t, diag.Payload, ReasonSpawnerOutputInvalid)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "pausable",
		[]nodeSpec{{key: "a", seq: 0}, {key: "b", seq: 1}},
		[]edgeSpec{{source: "a", target: "b"}},
	)
	h.script.Succeed("a", "a done", nil)
	h.script.Succeed("b", "b done", nil)

	ctx := context.Background()
	out, err := h.planner.Materialize(ctx, "pausable", nil, MaterializeOptions{MaxSteps: 50, StartRunning: true})
	require.NoError(t, err)
	runID := out.Run.ID

	require.NoError(t, h.exec.Pause(ctx, runID))
	assert.ErrorIs(t, h.exec.ExecuteRun(ctx, runID, 0), ErrRunBlocked)
	assert.Equal(t, store.NodePending, h.latestNode(t, runID, "a").Status)

	require.NoError(t, h.exec.Resume(ctx, runID))
	h.run(t, runID)
	assert.Equal(t, store.RunCompleted, h.runStatus(t, runID).Status)
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "cancellable",
		[]nodeSpec{{key: "a", seq: 0}, {key: "b", seq: 1}},
		[]edgeSpec{{source: "a", target: "b"}},
	)

	ctx := context.Background()
	run := h.materialize(t, "cancellable")
	require.NoError(t, h.exec.Cancel(ctx, run.ID))

	got := h.runStatus(t, run.ID)
	assert.Equal(t, store.RunCancelled, got.Status)
	assert.Equal(t, store.NodeCancelled, h.latestNode(t, run.ID, "a").Status)
	assert.Equal(t, store.NodeCancelled, h.latestNode(t, run.ID, "b").Status)

	// Terminal runs reject further controls; the loop exits cleanly.
	assert.ErrorIs(t, h.exec.Cancel(ctx, run.ID), ErrInvalidControl)
	require.NoError(t, h.exec.ExecuteRun(ctx, run.ID, 0))
}

func TestInvalidControls(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "controls", []nodeSpec{{key: "a", seq: 0}}, nil)

	ctx := context.Background()
	out, err := h.planner.Materialize(ctx, "controls", nil, MaterializeOptions{StartRunning: true})
	require.NoError(t, err)

	assert.ErrorIs(t, h.exec.Resume(ctx, out.Run.ID), ErrInvalidControl)
	assert.ErrorIs(t, h.exec.Retry(ctx, out.Run.ID), ErrInvalidControl)
}

func TestMaxStepsExhausted(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "capped",
		[]nodeSpec{{key: "a", seq: 0}, {key: "b", seq: 1}, {key: "c", seq: 2}},
		[]edgeSpec{{source: "a", target: "b"}, {source: "b", target: "c"}},
	)
	h.script.Succeed("a", "a done", nil)
	h.script.Succeed("b", "b done", nil)
	h.script.Succeed("c", "c done", nil)

	run := h.materialize(t, "capped")
	require.NoError(t, h.exec.ExecuteRun(context.Background(), run.ID, 1))

	got := h.runStatus(t, run.ID)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Contains(t, got.StatusReason, ReasonMaxStepsExhausted)
}

func TestExecuteSingleNode(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "stepwise",
		[]nodeSpec{{key: "a", seq: 0}, {key: "b", seq: 1}},
		[]edgeSpec{{source: "a", target: "b"}},
	)
	h.script.Succeed("a", "a done", nil)

	ctx := context.Background()
	run := h.materialize(t, "stepwise")
	require.NoError(t, h.exec.ExecuteSingleNode(ctx, run.ID, "a"))

	assert.Equal(t, store.NodeCompleted, h.latestNode(t, run.ID, "a").Status)
	assert.Equal(t, store.NodePending, h.latestNode(t, run.ID, "b").Status)
	assert.Equal(t, store.RunRunning, h.runStatus(t, run.ID).Status)

	// Single-node mode never retries.
	h.script.Fail("b", provider.ClassTransport, "nope")
	require.NoError(t, h.exec.ExecuteSingleNode(ctx, run.ID, "b"))
	b := h.latestNode(t, run.ID, "b")
	assert.Equal(t, store.NodeFailed, b.Status)
	assert.Equal(t, 1, b.Attempt)
}

func TestStreamEventsPersistedInOrder(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "events", []nodeSpec{{key: "a", seq: 0}}, nil)
	h.script.On("a", provider.Outcome{Events: []provider.Event{
		{Kind: provider.EventSystem, Content: "session start"},
		{Kind: provider.EventAssistant, Content: "thinking"},
		{Kind: provider.EventToolUse, Content: "ls"},
		{Kind: provider.EventToolResult, Content: "files"},
		{Kind: provider.EventUsage, TokensDelta: 42, TokensTotal: 42},
		{Kind: provider.EventResult, Content: "all done", TokensTotal: 42},
	}})

	run := h.materialize(t, "events")
	h.run(t, run.ID)

	a := h.latestNode(t, run.ID, "a")
	events, err := h.store.ListStreamEvents(context.Background(), run.ID, a.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 6)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Sequence)
	}
	assert.Equal(t, store.EventResult, events[5].EventType)
	assert.Equal(t, int64(42), events[5].TokensTotal)

	diag, err := h.store.DiagnosticsForAttempt(context.Background(), run.ID, a.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, diag)
	var payload diagnosticsPayload
	require.NoError(t, json.Unmarshal([]byte(diag.Payload), &payload))
	assert.Equal(t, 6, payload.EventCount)
	assert.Equal(t, int64(42), payload.TokensUsed)
}

func TestMissingResultEventFailsAttempt(t *testing.T) {
	h := newHarness(t)
	h.buildTree(t, "truncated-stream", []nodeSpec{{key: "a", seq: 0}}, nil)
	// The stream ends cleanly but never emits a result event.
	h.script.On("a", provider.Outcome{Events: []provider.Event{
		{Kind: provider.EventAssistant, Content: "partial work"},
	}})

	run := h.materialize(t, "truncated-stream")
	h.run(t, run.ID)

	got := h.runStatus(t, run.ID)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Equal(t, store.NodeFailed, h.latestNode(t, run.ID, "a").Status)

	a := h.latestNode(t, run.ID, "a")
	art, err := h.store.ArtifactForRunNode(context.Background(), a.ID, store.ArtifactLog)
	require.NoError(t, err)
	assert.Contains(t, art.Content, ReasonMissingResult)
	assert.Contains(t, art.Content, "partial work")
}

func TestPermissionsMerged(t *testing.T) {
	h := newHarness(t)

	ctx := context.Background()
	tree := &store.WorkflowTree{TreeKey: "perms", Version: 1, Name: "perms", Status: store.TreeDraft}
	require.NoError(t, h.store.InsertTree(ctx, tree))
	n := &store.TreeNode{
		TreeID: tree.ID, NodeKey: "a", NodeType: store.NodeTypeAgent,
		NodeRole: store.RoleStandard, Provider: "script", Prompt: "work",
	}
	require.NoError(t, h.store.InsertTreeNode(ctx, n))
	require.NoError(t, h.store.PublishTree(ctx, tree.ID))

	out, err := h.planner.Materialize(ctx, "perms", nil, MaterializeOptions{
		Permissions: []string{"read", "write"},
	})
	require.NoError(t, err)

	h.script.Succeed("a", "done", nil)
	h.run(t, out.Run.ID)

	calls := h.script.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"read", "write"}, calls[0].Opts.Permissions)
}
