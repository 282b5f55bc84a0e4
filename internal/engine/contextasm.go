package engine

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alphredhq/alphred/internal/store"
)

// Context assembly budgets. The envelopes below are part of the
// external contract: downstream agent behavior depends on their exact
// textual shape, so rendering must be byte-deterministic for identical
// persisted inputs.
const (
	contextPolicyVersion = 1

	maxUpstreamArtifacts = 4
	maxContextCharsTotal = 32_000
	maxCharsPerArtifact  = 12_000
	minArtifactChars     = 1_000

	retryReservedChars   = 4_000
	failureReservedChars = 6_000
	joinReservedChars    = 8_000

	maxJoinFullReports = 4
)

// ContextManifest records what the assembler included for one attempt.
// It is persisted as JSON onto the attempt's outcome artifact metadata.
type ContextManifest struct {
	ContextPolicyVersion   int      `json:"context_policy_version"`
	IncludedArtifactIDs    []int64  `json:"included_artifact_ids"`
	UpstreamCount          int      `json:"upstream_count"`
	TruncatedCount         int      `json:"truncated_count"`
	SkippedArtifactIDs     []int64  `json:"skipped_artifact_ids,omitempty"`
	MissingUpstreamKeys    []string `json:"missing_upstream_keys,omitempty"`
	RetrySummaryIncluded   bool     `json:"retry_summary_included"`
	FailureContextIncluded bool     `json:"failure_context_included"`
	JoinSummaryIncluded    bool     `json:"join_summary_included"`
	AssembledAt            string   `json:"assembled_at"`
}

// AssembledContext is the assembler's output: ordered envelope texts
// plus the manifest describing them.
type AssembledContext struct {
	Entries  []string
	Manifest ContextManifest
}

// Joined renders the entries as one block for the provider options.
func (a *AssembledContext) Joined() string {
	return strings.Join(a.Entries, "\n")
}

// AssembleContext builds the bounded upstream context for an attempt
// about to execute.
func AssembleContext(ctx context.Context, db storeOps, run *store.WorkflowRun, node *store.RunNode) (*AssembledContext, error) {
	out := &AssembledContext{
		Manifest: ContextManifest{
			ContextPolicyVersion: contextPolicyVersion,
			AssembledAt:          time.Now().UTC().Format(time.RFC3339Nano),
		},
	}

	edges, err := db.ListRunEdges(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	retrySummary, err := retrySummaryArtifact(ctx, db, run.ID, node)
	if err != nil {
		return nil, err
	}
	failureEdge := selectedIncomingFailureEdge(edges, node.NodeKey)
	isJoin := node.NodeRole == store.RoleJoin

	budget := maxContextCharsTotal
	if retrySummary != nil {
		budget -= retryReservedChars
	}
	if failureEdge != nil {
		budget -= failureReservedChars
	}
	if isJoin {
		budget -= joinReservedChars
	}

	// Upstream reports from selected direct predecessors, ordered by
	// (sequence_index, node_key, run_node_id). All direct predecessors
	// share graph distance 1.
	preds, missing, err := selectedPredecessorReports(ctx, db, run.ID, node.NodeKey, edges)
	if err != nil {
		return nil, err
	}
	out.Manifest.MissingUpstreamKeys = missing
	for _, p := range preds {
		if len(out.Manifest.IncludedArtifactIDs) >= maxUpstreamArtifacts {
			break
		}
		limit := maxCharsPerArtifact
		if budget < limit {
			limit = budget
		}
		if limit < minArtifactChars {
			out.Manifest.SkippedArtifactIDs = append(out.Manifest.SkippedArtifactIDs, p.artifact.ID)
			continue
		}
		body, truncated := headTail(p.artifact.Content, limit)
		out.Entries = append(out.Entries, renderUpstreamEnvelope(run.ID, node.NodeKey, p, body, truncated))
		out.Manifest.IncludedArtifactIDs = append(out.Manifest.IncludedArtifactIDs, p.artifact.ID)
		if truncated {
			out.Manifest.TruncatedCount++
		}
		budget -= len(body)
	}
	out.Manifest.UpstreamCount = len(out.Manifest.IncludedArtifactIDs)

	if retrySummary != nil {
		body, truncated := headTail(retrySummary.Content, retryReservedChars)
		out.Entries = append(out.Entries, renderRetryEnvelope(run.ID, node, retrySummary, body, truncated))
		out.Manifest.RetrySummaryIncluded = true
		if truncated {
			out.Manifest.TruncatedCount++
		}
	}
	if failureEdge != nil {
		env, err := renderFailureRouteEnvelope(ctx, db, run.ID, node.NodeKey, failureEdge)
		if err != nil {
			return nil, err
		}
		if env != "" {
			out.Entries = append(out.Entries, env)
			out.Manifest.FailureContextIncluded = true
		}
	}
	if isJoin {
		env, err := renderJoinEnvelope(ctx, db, run.ID, node)
		if err != nil {
			return nil, err
		}
		if env != "" {
			out.Entries = append(out.Entries, env)
			out.Manifest.JoinSummaryIncluded = true
		}
	}
	return out, nil
}

// MarshalManifest renders the manifest for artifact metadata.
func MarshalManifest(m ContextManifest) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

type predecessorReport struct {
	artifact *store.PhaseArtifact
	node     *store.RunNode
}

// selectedPredecessorReports finds the latest successful report of each
// predecessor whose selected edge targets nodeKey.
func selectedPredecessorReports(ctx context.Context, db storeOps, runID int64, nodeKey string, edges []*store.RunNodeEdge) ([]predecessorReport, []string, error) {
	seen := map[string]bool{}
	var sourceKeys []string
	for _, e := range edges {
		if !e.Selected || e.TargetNodeKey != nodeKey || seen[e.SourceNodeKey] {
			continue
		}
		seen[e.SourceNodeKey] = true
		sourceKeys = append(sourceKeys, e.SourceNodeKey)
	}
	var preds []predecessorReport
	var missing []string
	for _, key := range sourceKeys {
		art, src, err := db.LatestReport(ctx, runID, key)
		if errors.Is(err, store.ErrArtifactNotFound) {
			missing = append(missing, key)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		preds = append(preds, predecessorReport{artifact: art, node: src})
	}
	sort.Slice(preds, func(i, j int) bool {
		a, b := preds[i].node, preds[j].node
		if a.SequenceIndex != b.SequenceIndex {
			return a.SequenceIndex < b.SequenceIndex
		}
		if a.NodeKey != b.NodeKey {
			return a.NodeKey < b.NodeKey
		}
		return a.ID < b.ID
	})
	sort.Strings(missing)
	return preds, missing, nil
}

// retrySummaryArtifact finds the error-handler summary feeding this
// attempt, if one exists.
func retrySummaryArtifact(ctx context.Context, db storeOps, runID int64, node *store.RunNode) (*store.PhaseArtifact, error) {
	if node.Attempt <= 1 {
		return nil, nil
	}
	notes, err := db.NoteArtifactsForNode(ctx, runID, node.NodeKey)
	if err != nil {
		return nil, err
	}
	for _, n := range notes {
		var meta struct {
			Kind          string `json:"kind"`
			SourceAttempt int    `json:"source_attempt"`
			TargetAttempt int    `json:"target_attempt"`
		}
		if json.Unmarshal([]byte(n.Metadata), &meta) != nil {
			continue
		}
		if meta.Kind == errorHandlerSummaryKind && meta.TargetAttempt == node.Attempt {
			return n, nil
		}
	}
	return nil, nil
}

func selectedIncomingFailureEdge(edges []*store.RunNodeEdge, nodeKey string) *store.RunNodeEdge {
	for _, e := range edges {
		if e.Selected && e.TargetNodeKey == nodeKey && e.RouteOn == store.RouteFailure {
			return e
		}
	}
	return nil
}

// headTail truncates s to limit characters keeping the first half and
// the last half, the deterministic middle cut.
func headTail(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	head := limit / 2
	tail := limit - head
	return s[:head] + s[len(s)-tail:], true
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)
}

func renderUpstreamEnvelope(runID int64, targetKey string, p predecessorReport, body string, truncated bool) string {
	a, src := p.artifact, p.node
	var b strings.Builder
	b.WriteString("ALPHRED_UPSTREAM_ARTIFACT v1\n")
	fmt.Fprintf(&b, "policy_version: %d\n", contextPolicyVersion)
	b.WriteString("untrusted_data: true\n")
	fmt.Fprintf(&b, "workflow_run_id: %d\n", runID)
	fmt.Fprintf(&b, "target_node_key: %s\n", targetKey)
	fmt.Fprintf(&b, "source_node_key: %s\n", src.NodeKey)
	fmt.Fprintf(&b, "source_run_node_id: %d\n", src.ID)
	fmt.Fprintf(&b, "source_attempt: %d\n", src.Attempt)
	fmt.Fprintf(&b, "artifact_id: %d\n", a.ID)
	fmt.Fprintf(&b, "artifact_type: %s\n", a.ArtifactType)
	fmt.Fprintf(&b, "content_type: %s\n", a.ContentType)
	fmt.Fprintf(&b, "created_at: %s\n", a.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "sha256: %s\n", sha256Hex(a.Content))
	writeTruncationBlock(&b, len(a.Content), len(body), truncated)
	writeDelimited(&b, body)
	return b.String()
}

func renderRetryEnvelope(runID int64, node *store.RunNode, summary *store.PhaseArtifact, body string, truncated bool) string {
	var b strings.Builder
	b.WriteString("ALPHRED_RETRY_FAILURE_SUMMARY v1\n")
	fmt.Fprintf(&b, "policy_version: %d\n", contextPolicyVersion)
	fmt.Fprintf(&b, "workflow_run_id: %d\n", runID)
	fmt.Fprintf(&b, "node_key: %s\n", node.NodeKey)
	fmt.Fprintf(&b, "source_attempt: %d\n", node.Attempt-1)
	fmt.Fprintf(&b, "target_attempt: %d\n", node.Attempt)
	fmt.Fprintf(&b, "summary_artifact_id: %d\n", summary.ID)
	fmt.Fprintf(&b, "sha256: %s\n", sha256Hex(summary.Content))
	writeTruncationBlock(&b, len(summary.Content), len(body), truncated)
	writeDelimited(&b, body)
	return b.String()
}

func renderFailureRouteEnvelope(ctx context.Context, db storeOps, runID int64, targetKey string, edge *store.RunNodeEdge) (string, error) {
	src, err := db.LatestAttempt(ctx, runID, edge.SourceNodeKey)
	if err != nil {
		return "", err
	}
	art, err := db.ArtifactForRunNode(ctx, src.ID, store.ArtifactLog)
	if errors.Is(err, store.ErrArtifactNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	body, truncated := headTail(art.Content, failureReservedChars)
	var b strings.Builder
	b.WriteString("ALPHRED_FAILURE_ROUTE_CONTEXT v1\n")
	fmt.Fprintf(&b, "policy_version: %d\n", contextPolicyVersion)
	fmt.Fprintf(&b, "workflow_run_id: %d\n", runID)
	fmt.Fprintf(&b, "target_node_key: %s\n", targetKey)
	fmt.Fprintf(&b, "source_node_key: %s\n", src.NodeKey)
	fmt.Fprintf(&b, "source_run_node_id: %d\n", src.ID)
	fmt.Fprintf(&b, "source_attempt: %d\n", src.Attempt)
	fmt.Fprintf(&b, "failure_artifact_id: %d\n", art.ID)
	fmt.Fprintf(&b, "sha256: %s\n", sha256Hex(art.Content))
	writeTruncationBlock(&b, len(art.Content), len(body), truncated)
	writeDelimited(&b, body)
	return b.String(), nil
}

func renderJoinEnvelope(ctx context.Context, db storeOps, runID int64, join *store.RunNode) (string, error) {
	barrier, err := db.BarrierForJoin(ctx, runID, join.NodeKey)
	if errors.Is(err, store.ErrBarrierNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	spawnArtifact, err := db.GetArtifact(ctx, barrier.SpawnArtifactID)
	if err != nil {
		return "", err
	}
	children, err := db.ChildrenOfSpawn(ctx, runID, spawnArtifact.RunNodeID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("ALPHRED_JOIN_SUBTASKS v1\n")
	fmt.Fprintf(&b, "policy_version: %d\n", contextPolicyVersion)
	fmt.Fprintf(&b, "workflow_run_id: %d\n", runID)
	fmt.Fprintf(&b, "join_node_key: %s\n", join.NodeKey)
	fmt.Fprintf(&b, "spawner_node_key: %s\n", barrier.SpawnerNodeKey)
	fmt.Fprintf(&b, "expected_children: %d\n", barrier.ExpectedChildren)
	fmt.Fprintf(&b, "terminal_children: %d\n", barrier.TerminalChildren)
	fmt.Fprintf(&b, "completed_children: %d\n", barrier.CompletedChildren)
	fmt.Fprintf(&b, "failed_children: %d\n", barrier.FailedChildren)
	for _, c := range children {
		fmt.Fprintf(&b, "- %s status=%s attempt=%d\n", c.NodeKey, c.Status, c.Attempt)
	}

	// Full reports for at most four children: failed first, then the
	// most recently completed.
	var failed, completed []*store.RunNode
	for _, c := range children {
		switch c.Status {
		case store.NodeFailed:
			failed = append(failed, c)
		case store.NodeCompleted:
			completed = append(completed, c)
		}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].ID > completed[j].ID })
	chosen := append(failed, completed...)
	if len(chosen) > maxJoinFullReports {
		chosen = chosen[:maxJoinFullReports]
	}

	budget := joinReservedChars - b.Len()
	for _, c := range chosen {
		if budget < minArtifactChars {
			break
		}
		var art *store.PhaseArtifact
		if c.Status == store.NodeFailed {
			art, err = db.ArtifactForRunNode(ctx, c.ID, store.ArtifactLog)
		} else {
			art, err = db.ArtifactForRunNode(ctx, c.ID, store.ArtifactReport)
		}
		if errors.Is(err, store.ErrArtifactNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		body, truncated := headTail(art.Content, budget)
		fmt.Fprintf(&b, "subtask_report: %s attempt=%d artifact_id=%d truncated=%t\n", c.NodeKey, c.Attempt, art.ID, truncated)
		writeDelimited(&b, body)
		budget -= len(body)
	}
	return b.String(), nil
}

func writeTruncationBlock(b *strings.Builder, original, included int, truncated bool) {
	fmt.Fprintf(b, "truncated: %t\n", truncated)
	b.WriteString("truncation_method: head_tail\n")
	fmt.Fprintf(b, "original_chars: %d\n", original)
	fmt.Fprintf(b, "included_chars: %d\n", included)
}

func writeDelimited(b *strings.Builder, body string) {
	b.WriteString("<<<BEGIN>>>\n")
	b.WriteString(body)
	b.WriteString("\n<<<END>>>\n")
}
