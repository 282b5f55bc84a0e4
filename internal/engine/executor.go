package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/alphredhq/alphred/internal/provider"
	"github.com/alphredhq/alphred/internal/store"
)

// Executor drives runs through their lifecycle: claim the next runnable
// node, stream its provider events, persist the outcome, route, and
// repeat. One logical executor per run; at most one node runs at a
// time within a run.
type Executor struct {
	store          *store.Store
	providers      *provider.Registry
	logger         *slog.Logger
	attemptTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithAttemptTimeout bounds each provider invocation. Exceeding it is a
// retryable provider failure.
func WithAttemptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.attemptTimeout = d }
}

func NewExecutor(s *store.Store, providers *provider.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:     s,
		providers: providers,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExecuteRun runs the scheduler loop until the run settles or blocks.
// maxSteps 0 defers to the run's own ceiling; both 0 means unbounded.
func (e *Executor) ExecuteRun(ctx context.Context, runID int64, maxSteps int) error {
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		switch run.Status {
		case store.RunCompleted, store.RunCancelled, store.RunFailed:
			return nil
		case store.RunPaused:
			return ErrRunBlocked
		case store.RunPending:
			if err := e.store.TransitionRun(ctx, runID, store.RunRunning, ""); err != nil {
				return err
			}
			run.Status = store.RunRunning
		}

		ceiling := maxSteps
		if ceiling == 0 {
			ceiling = run.MaxSteps
		}
		if ceiling > 0 && steps >= ceiling {
			return e.store.TransitionRun(ctx, runID, store.RunFailed, ReasonMaxStepsExhausted)
		}

		node, err := e.selectRunnable(ctx, runID)
		if err != nil {
			return err
		}
		if node == nil {
			return e.finishRun(ctx, runID)
		}
		steps++
		blocked, err := e.step(ctx, run, node, stepModeNormal)
		if err != nil {
			return err
		}
		if blocked {
			return ErrRunBlocked
		}
	}
}

// ExecuteSingleNode performs exactly one attempt of one node with
// retries disabled. The node's latest attempt must be pending.
func (e *Executor) ExecuteSingleNode(ctx context.Context, runID int64, nodeKey string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.RunPending {
		if err := e.store.TransitionRun(ctx, runID, store.RunRunning, ""); err != nil {
			return err
		}
		run.Status = store.RunRunning
	}
	node, err := e.store.LatestAttempt(ctx, runID, nodeKey)
	if err != nil {
		return err
	}
	if node.Status != store.NodePending {
		return fmt.Errorf("node %s latest attempt is %s, not pending", nodeKey, node.Status)
	}
	_, err = e.step(ctx, run, node, stepModeSingle)
	return err
}

type stepMode int

const (
	stepModeNormal stepMode = iota
	stepModeSingle // one attempt, retries disabled
)

// selectRunnable returns the next claimable node: the first latest
// pending attempt, in (sequence_index, node_key, id) order, whose
// incoming edges are satisfied and, for joins, whose barrier is ready.
func (e *Executor) selectRunnable(ctx context.Context, runID int64) (*store.RunNode, error) {
	latest, err := e.store.LatestAttempts(ctx, runID)
	if err != nil {
		return nil, err
	}
	edges, err := e.store.ListRunEdges(ctx, runID)
	if err != nil {
		return nil, err
	}
	incoming := map[string][]*store.RunNodeEdge{}
	for _, edge := range edges {
		incoming[edge.TargetNodeKey] = append(incoming[edge.TargetNodeKey], edge)
	}
	for _, n := range latest {
		if n.Status != store.NodePending {
			continue
		}
		inc := incoming[n.NodeKey]
		if len(inc) > 0 {
			selected := false
			for _, edge := range inc {
				if edge.Selected {
					selected = true
					break
				}
			}
			if !selected {
				continue
			}
		}
		if n.NodeRole == store.RoleJoin {
			barrier, err := e.store.BarrierForJoin(ctx, runID, n.NodeKey)
			if errors.Is(err, store.ErrBarrierNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if barrier.Status != store.BarrierReady {
				continue
			}
		}
		return n, nil
	}
	return nil, nil
}

// finishRun resolves the terminal status once no node is runnable.
func (e *Executor) finishRun(ctx context.Context, runID int64) error {
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		return resolveRunStatus(ctx, tx, runID, true)
	})
}

// resolveRunStatus transitions the run when all work has settled.
// strand=true also fails runs whose remaining pending nodes can never
// run (cyclic topologies, barriers that will never fire).
func resolveRunStatus(ctx context.Context, db storeOps, runID int64, strand bool) error {
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunRunning {
		return nil
	}
	latest, err := db.LatestAttempts(ctx, runID)
	if err != nil {
		return err
	}
	edges, err := db.ListRunEdges(ctx, runID)
	if err != nil {
		return err
	}
	active := false
	for _, n := range latest {
		if n.Status == store.NodePending || n.Status == store.NodeRunning {
			active = true
			break
		}
	}
	if active {
		if strand {
			return db.TransitionRun(ctx, runID, store.RunFailed, "no runnable node remains")
		}
		return nil
	}
	for _, n := range latest {
		if n.Status != store.NodeFailed {
			continue
		}
		if failureHandled(edges, n) {
			continue
		}
		return db.TransitionRun(ctx, runID, store.RunFailed, fmt.Sprintf("node %s failed", n.NodeKey))
	}
	return db.TransitionRun(ctx, runID, store.RunCompleted, "")
}

// failureHandled reports whether a failed node's failure was absorbed:
// a selected failure route, or membership in a fan-out whose barrier
// accounts for it.
func failureHandled(edges []*store.RunNodeEdge, n *store.RunNode) bool {
	if n.JoinNodeKey != "" {
		return true
	}
	for _, edge := range edges {
		if edge.Selected && edge.SourceNodeKey == n.NodeKey && edge.RouteOn == store.RouteFailure {
			return true
		}
	}
	return false
}

// attemptResult is the raw outcome of streaming one provider attempt.
type attemptResult struct {
	events     []provider.Event
	result     *provider.Event
	tokens     int64
	eventCount int
	err        error
}

// step executes one claimed attempt end to end. It returns blocked=true
// when a deferred retry was queued behind a pause.
func (e *Executor) step(ctx context.Context, run *store.WorkflowRun, node *store.RunNode, mode stepMode) (blocked bool, err error) {
	if err := e.store.TransitionRunNode(ctx, node.ID, store.NodeRunning); err != nil {
		return false, err
	}
	e.logger.Info("engine: claimed node", "run_id", run.ID, "node_key", node.NodeKey, "attempt", node.Attempt)

	assembled, err := AssembleContext(ctx, e.store, run, node)
	if err != nil {
		return false, err
	}
	prompt, err := e.composePrompt(ctx, run.ID, node)
	if err != nil {
		return false, err
	}
	perms := mergePermissions(run, node)

	res := e.streamAttempt(ctx, run, node, prompt, assembled, perms)

	// The run may have been paused or cancelled while streaming.
	run, err = e.store.GetRun(ctx, run.ID)
	if err != nil {
		return false, err
	}
	if run.Status == store.RunCancelled {
		return false, nil
	}

	if res.err == nil && res.result != nil {
		return false, e.handleSuccess(ctx, run, node, assembled, res)
	}
	return e.handleFailure(ctx, run, node, assembled, res, mode)
}

// streamAttempt invokes the provider and persists every event before
// observing it. Stream errors and a missing result event both surface
// in the returned attemptResult.
func (e *Executor) streamAttempt(ctx context.Context, run *store.WorkflowRun, node *store.RunNode, prompt string, assembled *AssembledContext, perms []string) attemptResult {
	var res attemptResult
	prov, err := e.providers.Resolve(node.Provider)
	if err != nil {
		res.err = err
		return res
	}
	if e.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}
	opts := provider.Options{
		Model:       node.Model,
		Timeout:     e.attemptTimeout,
		Permissions: perms,
		Context:     map[string]string{"node_key": node.NodeKey},
	}
	if ctxBlock := assembled.Joined(); ctxBlock != "" {
		prompt = ctxBlock + "\n" + prompt
	}
	stream, err := prov.Run(ctx, prompt, opts)
	if err != nil {
		res.err = err
		return res
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.err = err
			return res
		}
		if perr := e.persistEvent(ctx, run.ID, node, ev); perr != nil {
			res.err = perr
			return res
		}
		res.events = append(res.events, ev)
		res.eventCount++
		if ev.TokensTotal > res.tokens {
			res.tokens = ev.TokensTotal
		}
		if ev.Kind == provider.EventResult {
			last := ev
			res.result = &last
		}
	}
	if res.result == nil {
		res.err = &provider.Error{
			ProviderName: node.Provider,
			Class:        provider.ClassTransport,
			Message:      ReasonMissingResult,
		}
	}
	return res
}

// persistEvent writes one stream event with the next sequence. The
// write completes before the executor acts on the event.
func (e *Executor) persistEvent(ctx context.Context, runID int64, node *store.RunNode, ev provider.Event) error {
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		seq, err := tx.NextEventSequence(ctx, runID, node.ID, node.Attempt)
		if err != nil {
			return err
		}
		return tx.InsertStreamEvent(ctx, &store.StreamEvent{
			RunID:          runID,
			RunNodeID:      node.ID,
			Attempt:        node.Attempt,
			Sequence:       seq,
			EventType:      store.EventType(ev.Kind),
			ContentPreview: preview(ev.Content),
			TokensDelta:    ev.TokensDelta,
			TokensTotal:    ev.TokensTotal,
		})
	})
}

const previewChars = 500

func preview(s string) string {
	if len(s) <= previewChars {
		return s
	}
	return s[:previewChars]
}

// composePrompt appends the routing contract addendum when the node has
// guarded success edges.
func (e *Executor) composePrompt(ctx context.Context, runID int64, node *store.RunNode) (string, error) {
	edges, err := e.store.OutgoingEdges(ctx, runID, node.NodeKey, store.RouteSuccess)
	if err != nil {
		return "", err
	}
	signals := map[string]bool{}
	guarded := false
	for _, edge := range edges {
		if edge.Auto {
			continue
		}
		guarded = true
		guard, err := e.store.GetGuard(ctx, edge.GuardID)
		if err != nil {
			return "", err
		}
		refs, err := GuardSignals(guard.Expression)
		if err != nil {
			return "", err
		}
		for _, s := range refs {
			signals[s] = true
		}
	}
	if !guarded {
		return node.Prompt, nil
	}
	list := make([]string, 0, len(signals))
	for s := range signals {
		list = append(list, s)
	}
	sort.Strings(list)
	return node.Prompt + RoutingAddendum(list), nil
}

// mergePermissions unions run-level permissions with any node-level
// permissions carried in the node metadata.
func mergePermissions(run *store.WorkflowRun, node *store.RunNode) []string {
	seen := map[string]bool{}
	var out []string
	add := func(perms []string) {
		for _, p := range perms {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	add(run.Permissions)
	if node.Metadata != "" {
		var meta struct {
			Permissions []string `json:"permissions"`
		}
		if json.Unmarshal([]byte(node.Metadata), &meta) == nil {
			add(meta.Permissions)
		}
	}
	sort.Strings(out)
	return out
}

// handleSuccess persists the report, routes, updates barriers, and
// resolves the run, all in one transaction. A spawner whose payload is
// invalid re-enters the failure path instead.
func (e *Executor) handleSuccess(ctx context.Context, run *store.WorkflowRun, node *store.RunNode, assembled *AssembledContext, res attemptResult) error {
	report := res.result.Content
	parsed := ParseRoutingDecision(report, res.result.Metadata)

	var subtasks []SubtaskSpec
	var joinKey string
	if node.NodeRole == store.RoleSpawner {
		var spawnErr error
		subtasks, joinKey, spawnErr = e.prepareSpawn(ctx, run, node, report)
		if spawnErr != nil {
			failed := res
			failed.err = spawnErr
			_, err := e.handleFailure(ctx, run, node, assembled, failed, stepModeNormal)
			return err
		}
	}

	return e.store.InTx(ctx, func(tx *store.Tx) error {
		artifact := &store.PhaseArtifact{
			RunID:        run.ID,
			RunNodeID:    node.ID,
			ArtifactType: store.ArtifactReport,
			ContentType:  store.ContentText,
			Content:      report,
			Metadata:     MarshalManifest(assembled.Manifest),
		}
		if err := tx.InsertArtifact(ctx, artifact); err != nil {
			return err
		}

		successEdges, err := tx.OutgoingEdges(ctx, run.ID, node.NodeKey, store.RouteSuccess)
		if err != nil {
			return err
		}
		if node.NodeRole == store.RoleSpawner {
			if _, err := materializeSpawn(ctx, tx, run, node, joinKey, artifact.ID, subtasks); err != nil {
				return err
			}
		}

		var edge *store.RunNodeEdge
		if node.NodeRole == store.RoleSpawner {
			// A spawner always routes across its static edge to the join;
			// the dynamic child edges are already selected.
			for _, se := range successEdges {
				if se.EdgeKind == store.EdgeTree && se.TargetNodeKey == joinKey {
					edge = se
					break
				}
			}
		} else {
			edge, err = selectSuccessEdge(ctx, tx, run.ID, node.NodeKey, parsed.Signal)
			if err != nil {
				return err
			}
		}

		// The decision type records the selection outcome, not just the
		// parsed signal: a signal that matches no guard is no_route, and
		// an auto edge taken without any signal is not.
		var decision *store.RoutingDecision
		if parsed.Signal != "" || len(successEdges) > 0 {
			var decType store.DecisionType
			switch {
			case edge == nil && len(successEdges) > 0:
				decType = store.DecisionNoRoute
			case parsed.Signal != "":
				decType = decisionTypeFor(parsed.Signal)
			default:
				decType = store.DecisionApproved
			}
			decision = &store.RoutingDecision{
				RunID:        run.ID,
				RunNodeID:    node.ID,
				DecisionType: decType,
				Rationale:    parsed.Source,
				RawOutput:    preview(report),
			}
			if err := tx.InsertDecision(ctx, decision); err != nil {
				return err
			}
		}

		if edge != nil {
			if err := tx.MarkEdgeSelected(ctx, edge.ID); err != nil {
				return err
			}
			if decision != nil {
				if err := tx.SetDecisionEdge(ctx, decision.ID, edge.ID); err != nil {
					return err
				}
			}
			if err := activateTarget(ctx, tx, run.ID, edge.TargetNodeKey); err != nil {
				return err
			}
		}

		if err := tx.TransitionRunNode(ctx, node.ID, store.NodeCompleted); err != nil {
			return err
		}
		if err := e.recordChildTerminal(ctx, tx, run.ID, node, store.NodeCompleted); err != nil {
			return err
		}
		if node.NodeRole == store.RoleJoin {
			if err := releaseBarrier(ctx, tx, run.ID, node.NodeKey); err != nil {
				return err
			}
		}
		if err := markUnreachableSkipped(ctx, tx, run.ID); err != nil {
			return err
		}

		payload := diagnosticsPayload{
			Status:          string(store.NodeCompleted),
			Provider:        node.Provider,
			Model:           node.Model,
			EventCount:      res.eventCount,
			TokensUsed:      res.tokens,
			RoutingSignal:   parsed.Signal,
			RoutingSource:   parsed.Source,
			ContextManifest: &assembled.Manifest,
		}
		if err := persistDiagnostics(ctx, tx, run.ID, node, payload); err != nil {
			return err
		}
		return resolveRunStatus(ctx, tx, run.ID, false)
	})
}

// prepareSpawn validates the spawner payload and locates its join.
func (e *Executor) prepareSpawn(ctx context.Context, run *store.WorkflowRun, node *store.RunNode, report string) ([]SubtaskSpec, string, error) {
	if node.LineageDepth+1 > 1 {
		return nil, "", &SpawnError{
			Reason:  ReasonSpawnerDepthExceeded,
			Message: fmt.Sprintf("spawner %s at lineage depth %d cannot spawn", node.NodeKey, node.LineageDepth),
		}
	}
	latest, err := e.store.LatestAttempts(ctx, run.ID)
	if err != nil {
		return nil, "", err
	}
	existing := map[string]bool{}
	roleByKey := map[string]store.NodeRole{}
	for _, n := range latest {
		existing[n.NodeKey] = true
		roleByKey[n.NodeKey] = n.NodeRole
	}
	subtasks, err := parseSpawnPayload(report, node.NodeKey, node.MaxChildren, existing)
	if err != nil {
		return nil, "", err
	}
	edges, err := e.store.OutgoingEdges(ctx, run.ID, node.NodeKey, store.RouteSuccess)
	if err != nil {
		return nil, "", err
	}
	for _, edge := range edges {
		if roleByKey[edge.TargetNodeKey] == store.RoleJoin {
			return subtasks, edge.TargetNodeKey, nil
		}
	}
	return nil, "", fmt.Errorf("spawner %s has no join successor", node.NodeKey)
}

// recordChildTerminal updates the barrier when a dynamic child reaches
// terminal status, in the caller's transaction.
func (e *Executor) recordChildTerminal(ctx context.Context, db storeOps, runID int64, node *store.RunNode, status store.NodeStatus) error {
	if node.JoinNodeKey == "" || node.SpawnerRunNodeID == 0 {
		return nil
	}
	barrier, err := db.BarrierForJoin(ctx, runID, node.JoinNodeKey)
	if err != nil {
		return err
	}
	_, err = db.RecordChildTerminal(ctx, barrier.ID, status)
	return err
}

func releaseBarrier(ctx context.Context, db storeOps, runID int64, joinKey string) error {
	barrier, err := db.BarrierForJoin(ctx, runID, joinKey)
	if errors.Is(err, store.ErrBarrierNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if barrier.Status == store.BarrierReady {
		return db.TransitionBarrier(ctx, barrier.ID, store.BarrierReleased)
	}
	return nil
}

// handleFailure persists the failure, then retries, routes the failure,
// or fails the run.
func (e *Executor) handleFailure(ctx context.Context, run *store.WorkflowRun, node *store.RunNode, assembled *AssembledContext, res attemptResult, mode stepMode) (blocked bool, err error) {
	class := provider.Classify(res.err)
	errMsg := res.err.Error()
	e.logger.Warn("engine: node failed",
		"run_id", run.ID, "node_key", node.NodeKey, "attempt", node.Attempt,
		"class", class, "error", errMsg)

	meta, _ := json.Marshal(map[string]any{
		"error_class": string(class),
		"error":       errMsg,
		"retryable":   class.Retryable(),
	})
	failureArtifact := &store.PhaseArtifact{
		RunID:        run.ID,
		RunNodeID:    node.ID,
		ArtifactType: store.ArtifactLog,
		ContentType:  store.ContentText,
		Content:      failureLog(errMsg, res.events),
		Metadata:     string(meta),
	}
	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertArtifact(ctx, failureArtifact); err != nil {
			return err
		}
		return tx.TransitionRunNode(ctx, node.ID, store.NodeFailed)
	})
	if err != nil {
		return false, err
	}

	payload := diagnosticsPayload{
		Status:          string(store.NodeFailed),
		Provider:        node.Provider,
		Model:           node.Model,
		EventCount:      res.eventCount,
		TokensUsed:      res.tokens,
		ContextManifest: &assembled.Manifest,
		Error:           &attemptError{Class: string(class), Message: errMsg, Retryable: class.Retryable()},
	}

	if mode == stepModeNormal && retryEligible(run, node) {
		handler := e.runErrorHandler(ctx, run, node, failureArtifact, errMsg, res.events)
		payload.ErrorHandler = &handler
		deferred := run.Status == store.RunPaused
		err = e.store.InTx(ctx, func(tx *store.Tx) error {
			if err := activateTarget(ctx, tx, run.ID, node.NodeKey); err != nil {
				return err
			}
			return persistDiagnostics(ctx, tx, run.ID, node, payload)
		})
		if err != nil {
			return false, err
		}
		return deferred, nil
	}

	edge, err := selectFailureEdge(ctx, e.store, run.ID, node.NodeKey)
	if err != nil {
		return false, err
	}
	return false, e.store.InTx(ctx, func(tx *store.Tx) error {
		// The failure is final for this child: a retried attempt would
		// have returned above, so the barrier may count it now.
		if err := e.recordChildTerminal(ctx, tx, run.ID, node, store.NodeFailed); err != nil {
			return err
		}
		switch {
		case edge != nil:
			payload.FailureRoute = &failureRouteInfo{Status: "selected", TargetKey: edge.TargetNodeKey, EdgeID: edge.ID}
			if err := tx.MarkEdgeSelected(ctx, edge.ID); err != nil {
				return err
			}
			if err := activateTarget(ctx, tx, run.ID, edge.TargetNodeKey); err != nil {
				return err
			}
			if err := markUnreachableSkipped(ctx, tx, run.ID); err != nil {
				return err
			}
		case node.JoinNodeKey != "":
			// A dynamic child's failure is absorbed by its barrier.
			payload.FailureRoute = &failureRouteInfo{Status: "absorbed_by_barrier"}
		default:
			payload.FailureRoute = &failureRouteInfo{Status: "none"}
			if err := tx.TransitionRun(ctx, run.ID, store.RunFailed, fmt.Sprintf("node %s failed: %s", node.NodeKey, errMsg)); err != nil {
				return err
			}
		}
		if err := persistDiagnostics(ctx, tx, run.ID, node, payload); err != nil {
			return err
		}
		return resolveRunStatus(ctx, tx, run.ID, false)
	})
}

func failureLog(errMsg string, events []provider.Event) string {
	out := "error: " + errMsg + "\npartial_output:\n" + partialOutput(events)
	return out
}

// Cancel transitions a run to cancelled from any non-terminal status,
// cancelling open barriers and active nodes with it.
func (e *Executor) Cancel(ctx context.Context, runID int64) error {
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Settled() {
			return fmt.Errorf("%w: cancel on %s run", ErrInvalidControl, run.Status)
		}
		if err := tx.TransitionRun(ctx, runID, store.RunCancelled, "operator cancel"); err != nil {
			return err
		}
		if err := tx.CancelOpenBarriers(ctx, runID); err != nil {
			return err
		}
		latest, err := tx.LatestAttempts(ctx, runID)
		if err != nil {
			return err
		}
		for _, n := range latest {
			if n.Status == store.NodePending || n.Status == store.NodeRunning {
				if err := tx.TransitionRunNode(ctx, n.ID, store.NodeCancelled); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Pause blocks the next claim; the in-flight attempt finishes on its
// own.
func (e *Executor) Pause(ctx context.Context, runID int64) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunRunning {
		return fmt.Errorf("%w: pause on %s run", ErrInvalidControl, run.Status)
	}
	return e.store.TransitionRun(ctx, runID, store.RunPaused, "operator pause")
}

func (e *Executor) Resume(ctx context.Context, runID int64) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunPaused {
		return fmt.Errorf("%w: resume on %s run", ErrInvalidControl, run.Status)
	}
	return e.store.TransitionRun(ctx, runID, store.RunRunning, "")
}

// Retry re-opens a failed run and queues fresh attempts for its failed
// latest nodes. The error handler is not re-run for operator retries.
func (e *Executor) Retry(ctx context.Context, runID int64) error {
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != store.RunFailed {
			return fmt.Errorf("%w: retry on %s run", ErrInvalidControl, run.Status)
		}
		if err := tx.TransitionRun(ctx, runID, store.RunRunning, "operator retry"); err != nil {
			return err
		}
		latest, err := tx.LatestAttempts(ctx, runID)
		if err != nil {
			return err
		}
		edges, err := tx.ListRunEdges(ctx, runID)
		if err != nil {
			return err
		}
		for _, n := range latest {
			if n.Status != store.NodeFailed || failureHandled(edges, n) {
				continue
			}
			// The fresh attempt routes again, so selections left by the
			// attempt that failed must not keep steering the graph.
			if err := tx.ClearEdgeSelections(ctx, runID, n.NodeKey); err != nil {
				return err
			}
			if err := activateTarget(ctx, tx, runID, n.NodeKey); err != nil {
				return err
			}
		}
		return nil
	})
}
