package engine

import (
	"context"
	"encoding/json"

	"github.com/alphredhq/alphred/internal/store"
)

// failureRouteInfo records how a failed attempt was (or was not)
// routed.
type failureRouteInfo struct {
	Status    string `json:"status"` // selected, none, absorbed_by_barrier
	TargetKey string `json:"targetNodeKey,omitempty"`
	EdgeID    int64  `json:"edgeId,omitempty"`
}

// diagnosticsPayload is the full per-attempt diagnostic record.
type diagnosticsPayload struct {
	NodeKey       string `json:"nodeKey"`
	Attempt       int    `json:"attempt"`
	Status        string `json:"status"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	EventCount    int    `json:"eventCount"`
	TokensUsed    int64  `json:"tokensUsed"`
	RoutingSignal string `json:"routingSignal,omitempty"`
	RoutingSource string `json:"routingSource,omitempty"`

	Error           *attemptError        `json:"error,omitempty"`
	ErrorHandler    *errorHandlerOutcome `json:"errorHandler,omitempty"`
	FailureRoute    *failureRouteInfo    `json:"failureRoute,omitempty"`
	ContextManifest *ContextManifest     `json:"contextManifest,omitempty"`
}

type attemptError struct {
	Class     string `json:"class"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// persistDiagnostics serializes and upserts the payload for an attempt.
func persistDiagnostics(ctx context.Context, db storeOps, runID int64, node *store.RunNode, payload diagnosticsPayload) error {
	payload.NodeKey = node.NodeKey
	payload.Attempt = node.Attempt
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return db.UpsertDiagnostics(ctx, &store.Diagnostics{
		RunID:     runID,
		RunNodeID: node.ID,
		Attempt:   node.Attempt,
		Payload:   string(b),
	})
}
