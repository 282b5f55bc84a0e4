package store

import "time"

type TreeStatus string

const (
	TreeDraft     TreeStatus = "draft"
	TreePublished TreeStatus = "published"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further run transitions are possible.
// A failed run is not terminal: the operator may retry it.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// Settled reports whether the run has reached a resting status (the
// executor loop has nothing to do until an operator intervenes).
func (s RunStatus) Settled() bool {
	return s == RunCompleted || s == RunCancelled || s == RunFailed
}

type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

type NodeType string

const (
	NodeTypeAgent NodeType = "agent"
	NodeTypeHuman NodeType = "human"
	NodeTypeTool  NodeType = "tool"
)

type NodeRole string

const (
	RoleStandard NodeRole = "standard"
	RoleSpawner  NodeRole = "spawner"
	RoleJoin     NodeRole = "join"
)

type RouteOn string

const (
	RouteSuccess RouteOn = "success"
	RouteFailure RouteOn = "failure"
)

type EdgeKind string

const (
	EdgeTree           EdgeKind = "tree"
	EdgeSpawnerToChild EdgeKind = "dynamic_spawner_to_child"
	EdgeChildToJoin    EdgeKind = "dynamic_child_to_join"
)

type BarrierStatus string

const (
	BarrierPending   BarrierStatus = "pending"
	BarrierReady     BarrierStatus = "ready"
	BarrierReleased  BarrierStatus = "released"
	BarrierCancelled BarrierStatus = "cancelled"
)

type ArtifactType string

const (
	ArtifactReport ArtifactType = "report"
	ArtifactNote   ArtifactType = "note"
	ArtifactLog    ArtifactType = "log"
)

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentMarkdown ContentType = "markdown"
	ContentJSON     ContentType = "json"
	ContentDiff     ContentType = "diff"
)

type DecisionType string

const (
	DecisionApproved         DecisionType = "approved"
	DecisionChangesRequested DecisionType = "changes_requested"
	DecisionBlocked          DecisionType = "blocked"
	DecisionRetry            DecisionType = "retry"
	DecisionNoRoute          DecisionType = "no_route"
)

type EventType string

const (
	EventSystem     EventType = "system"
	EventAssistant  EventType = "assistant"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventUsage      EventType = "usage"
	EventResult     EventType = "result"
)

type WorkflowTree struct {
	ID        int64
	TreeKey   string
	Version   int
	Name      string
	Status    TreeStatus
	CreatedAt time.Time
}

type TreeNode struct {
	ID                 int64
	TreeID             int64
	NodeKey            string
	SequenceIndex      int
	NodeType           NodeType
	NodeRole           NodeRole
	Provider           string
	Model              string
	Prompt             string
	MaxRetries         int
	MaxChildren        int
	ErrorHandlerConfig string // JSON; empty = default-enabled
}

type TreeEdge struct {
	ID           int64
	TreeID       int64
	SourceNodeID int64
	TargetNodeID int64
	RouteOn      RouteOn
	Priority     int
	Auto         bool
	GuardID      int64 // 0 = none
}

type GuardDefinition struct {
	ID         int64
	GuardKey   string
	Version    int
	Expression string // JSON
}

type WorkflowRun struct {
	ID           int64
	TreeID       int64
	Status       RunStatus
	StatusReason string
	MaxSteps     int
	Permissions  []string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
}

type RunNode struct {
	ID               int64
	RunID            int64
	TreeNodeID       int64 // 0 = dynamic node
	NodeKey          string
	Attempt          int
	Status           NodeStatus
	SequenceIndex    int
	NodeType         NodeType
	NodeRole         NodeRole
	Provider         string
	Model            string
	Prompt           string
	MaxRetries       int
	MaxChildren      int
	ErrorHandlerCfg  string
	SpawnerRunNodeID int64 // 0 = static node
	JoinNodeKey      string
	LineageDepth     int
	SequencePath     string
	Metadata         string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
}

type RunNodeEdge struct {
	ID            int64
	RunID         int64
	EdgeKind      EdgeKind
	SourceNodeKey string
	TargetNodeKey string
	RouteOn       RouteOn
	Priority      int
	Auto          bool
	GuardID       int64
	Selected      bool
	CreatedAt     time.Time
}

type JoinBarrier struct {
	ID                int64
	RunID             int64
	SpawnerNodeKey    string
	JoinNodeKey       string
	SpawnArtifactID   int64
	ExpectedChildren  int
	TerminalChildren  int
	CompletedChildren int
	FailedChildren    int
	Status            BarrierStatus
	CreatedAt         time.Time
}

type PhaseArtifact struct {
	ID           int64
	RunID        int64
	RunNodeID    int64
	ArtifactType ArtifactType
	ContentType  ContentType
	Content      string
	Metadata     string // JSON
	CreatedAt    time.Time
}

type RoutingDecision struct {
	ID             int64
	RunID          int64
	RunNodeID      int64
	DecisionType   DecisionType
	Rationale      string
	RawOutput      string
	SelectedEdgeID int64 // 0 = none
	CreatedAt      time.Time
}

type Diagnostics struct {
	ID        int64
	RunID     int64
	RunNodeID int64
	Attempt   int
	Payload   string // JSON
	CreatedAt time.Time
}

type StreamEvent struct {
	ID             int64
	RunID          int64
	RunNodeID      int64
	Attempt        int
	Sequence       int
	EventType      EventType
	ContentPreview string
	TokensDelta    int64
	TokensTotal    int64
	CreatedAt      time.Time
}

type Repository struct {
	ID            int64
	Name          string
	Remote        string
	Kind          string
	DefaultBranch string
	CreatedAt     time.Time
}

type Worktree struct {
	ID           int64
	RunID        int64
	RepositoryID int64
	Path         string
	Branch       string
	CleanedAt    *time.Time
	CreatedAt    time.Time
}
