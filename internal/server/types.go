package server

import "time"

// errorBody is the uniform error envelope:
// {"error":{"code":"...","message":"..."}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeInvalidRequest = "invalid_request"
	codeNotFound       = "not_found"
	codeInternalError  = "internal_error"
)

// RunDetail is the run inspection payload.
type RunDetail struct {
	ID           int64         `json:"id"`
	TreeID       int64         `json:"treeId"`
	Status       string        `json:"status"`
	StatusReason string        `json:"statusReason,omitempty"`
	MaxSteps     int           `json:"maxSteps"`
	Permissions  []string      `json:"permissions,omitempty"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	Nodes        []NodeSummary `json:"nodes"`
}

// NodeSummary is the latest attempt of one node.
type NodeSummary struct {
	NodeKey       string     `json:"nodeKey"`
	Attempt       int        `json:"attempt"`
	Status        string     `json:"status"`
	Role          string     `json:"role"`
	SequenceIndex int        `json:"sequenceIndex"`
	Provider      string     `json:"provider,omitempty"`
	Model         string     `json:"model,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// WorktreeInfo describes one recorded run worktree.
type WorktreeInfo struct {
	ID           int64      `json:"id"`
	RepositoryID int64      `json:"repositoryId"`
	Path         string     `json:"path"`
	Branch       string     `json:"branch"`
	CleanedAt    *time.Time `json:"cleanedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// ControlRequest is the operator control payload.
type ControlRequest struct {
	Action string `json:"action"` // cancel, pause, resume, retry
}

// ControlResponse reports the run status after the control applied.
type ControlResponse struct {
	RunID  int64  `json:"runId"`
	Action string `json:"action"`
	Status string `json:"status"`
}
