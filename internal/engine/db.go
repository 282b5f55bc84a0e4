package engine

import (
	"context"
	"time"

	"github.com/alphredhq/alphred/internal/store"
)

// storeOps is the store surface the engine reads and writes. Both
// *store.Store and *store.Tx satisfy it, so the same routing and
// scheduling helpers run inside and outside a step transaction.
type storeOps interface {
	GetRun(ctx context.Context, id int64) (*store.WorkflowRun, error)
	TransitionRun(ctx context.Context, id int64, to store.RunStatus, reason string) error
	StartRun(ctx context.Context, id int64, at time.Time) error

	InsertRunNode(ctx context.Context, n *store.RunNode) error
	GetRunNode(ctx context.Context, id int64) (*store.RunNode, error)
	LatestAttempts(ctx context.Context, runID int64) ([]*store.RunNode, error)
	LatestAttempt(ctx context.Context, runID int64, nodeKey string) (*store.RunNode, error)
	GetAttempt(ctx context.Context, runID int64, nodeKey string, attempt int) (*store.RunNode, error)
	TransitionRunNode(ctx context.Context, id int64, to store.NodeStatus) error
	ChildrenOfSpawn(ctx context.Context, runID, spawnerRunNodeID int64) ([]*store.RunNode, error)

	InsertRunEdge(ctx context.Context, e *store.RunNodeEdge) error
	ListRunEdges(ctx context.Context, runID int64) ([]*store.RunNodeEdge, error)
	OutgoingEdges(ctx context.Context, runID int64, sourceKey string, routeOn store.RouteOn) ([]*store.RunNodeEdge, error)
	MarkEdgeSelected(ctx context.Context, edgeID int64) error
	GetGuard(ctx context.Context, id int64) (*store.GuardDefinition, error)

	InsertBarrier(ctx context.Context, b *store.JoinBarrier) error
	GetBarrier(ctx context.Context, id int64) (*store.JoinBarrier, error)
	BarrierForJoin(ctx context.Context, runID int64, joinNodeKey string) (*store.JoinBarrier, error)
	RecordChildTerminal(ctx context.Context, barrierID int64, childStatus store.NodeStatus) (*store.JoinBarrier, error)
	TransitionBarrier(ctx context.Context, id int64, to store.BarrierStatus) error
	CancelOpenBarriers(ctx context.Context, runID int64) error

	InsertArtifact(ctx context.Context, a *store.PhaseArtifact) error
	GetArtifact(ctx context.Context, id int64) (*store.PhaseArtifact, error)
	ArtifactForRunNode(ctx context.Context, runNodeID int64, typ store.ArtifactType) (*store.PhaseArtifact, error)
	LatestReport(ctx context.Context, runID int64, nodeKey string) (*store.PhaseArtifact, *store.RunNode, error)
	NoteArtifactsForNode(ctx context.Context, runID int64, nodeKey string) ([]*store.PhaseArtifact, error)

	InsertDecision(ctx context.Context, dec *store.RoutingDecision) error
	SetDecisionEdge(ctx context.Context, decisionID, edgeID int64) error
	UpsertDiagnostics(ctx context.Context, diag *store.Diagnostics) error
	NextEventSequence(ctx context.Context, runID, runNodeID int64, attempt int) (int, error)
	InsertStreamEvent(ctx context.Context, ev *store.StreamEvent) error
}
