package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/alphredhq/alphred/internal/store"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// spawnPayloadSchema validates the structural shape of a spawner's
// report. Semantic rules (child count, key uniqueness, depth) are
// checked separately so their messages name the violated rule.
const spawnPayloadSchema = `{
	"type": "object",
	"required": ["schemaVersion", "subtasks"],
	"additionalProperties": false,
	"properties": {
		"schemaVersion": {"const": 1},
		"subtasks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["title", "prompt"],
				"additionalProperties": false,
				"properties": {
					"title": {"type": "string", "minLength": 1},
					"prompt": {"type": "string", "minLength": 1},
					"nodeKey": {"type": "string"},
					"provider": {"type": "string"},
					"model": {"type": "string"},
					"metadata": {"type": "object"}
				}
			}
		}
	}
}`

var compiledSpawnSchema = jsonschema.MustCompileString("spawn_payload.json", spawnPayloadSchema)

// SpawnError marks a spawner output or depth violation. It is treated
// as a normal node failure: retries and the error handler apply.
type SpawnError struct {
	Reason  string // ReasonSpawnerOutputInvalid or ReasonSpawnerDepthExceeded
	Message string
}

func (e *SpawnError) Error() string { return e.Reason + ": " + e.Message }

// SubtaskSpec is one validated child definition.
type SubtaskSpec struct {
	Title    string         `json:"title"`
	Prompt   string         `json:"prompt"`
	NodeKey  string         `json:"nodeKey,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type spawnPayload struct {
	SchemaVersion int           `json:"schemaVersion"`
	Subtasks      []SubtaskSpec `json:"subtasks"`
}

var slugStrip = regexp.MustCompile(`[^a-z0-9_-]+`)

// slugifyKey normalizes a caller-supplied node key.
func slugifyKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// parseSpawnPayload validates a spawner report and returns the subtask
// specs with node keys resolved. existingKeys are the run's current
// node keys; a collision fails the spawn rather than auto-suffixing.
func parseSpawnPayload(report string, spawnerKey string, maxChildren int, existingKeys map[string]bool) ([]SubtaskSpec, error) {
	var generic any
	if err := json.Unmarshal([]byte(report), &generic); err != nil {
		return nil, &SpawnError{Reason: ReasonSpawnerOutputInvalid, Message: "report is not valid JSON: " + err.Error()}
	}
	if err := compiledSpawnSchema.Validate(generic); err != nil {
		return nil, &SpawnError{Reason: ReasonSpawnerOutputInvalid, Message: err.Error()}
	}
	var payload spawnPayload
	if err := json.Unmarshal([]byte(report), &payload); err != nil {
		return nil, &SpawnError{Reason: ReasonSpawnerOutputInvalid, Message: err.Error()}
	}
	if len(payload.Subtasks) > maxChildren {
		return nil, &SpawnError{
			Reason:  ReasonSpawnerOutputInvalid,
			Message: fmt.Sprintf("%d subtasks exceed max_children %d", len(payload.Subtasks), maxChildren),
		}
	}

	seen := map[string]bool{}
	for i := range payload.Subtasks {
		st := &payload.Subtasks[i]
		key := st.NodeKey
		if key == "" {
			key = spawnerKey + "__" + strconv.Itoa(i+1)
		} else {
			key = slugifyKey(key)
			if key == "" {
				return nil, &SpawnError{Reason: ReasonSpawnerOutputInvalid, Message: fmt.Sprintf("subtask %d nodeKey normalizes to empty", i+1)}
			}
		}
		if seen[key] {
			return nil, &SpawnError{Reason: ReasonSpawnerOutputInvalid, Message: "duplicate subtask nodeKey " + key}
		}
		if existingKeys[key] {
			return nil, &SpawnError{Reason: ReasonSpawnerOutputInvalid, Message: "subtask nodeKey collides with existing node " + key}
		}
		seen[key] = true
		st.NodeKey = key
	}
	return payload.Subtasks, nil
}

// materializeSpawn creates the dynamic children, edges, and barrier for
// a valid spawn, in the caller's transaction (the same one completing
// the spawner).
func materializeSpawn(ctx context.Context, db storeOps, run *store.WorkflowRun, spawner *store.RunNode, joinKey string, spawnArtifactID int64, subtasks []SubtaskSpec) (*store.JoinBarrier, error) {
	if spawner.LineageDepth+1 > 1 {
		return nil, &SpawnError{
			Reason:  ReasonSpawnerDepthExceeded,
			Message: fmt.Sprintf("spawner %s at lineage depth %d cannot spawn", spawner.NodeKey, spawner.LineageDepth),
		}
	}
	basePath := spawner.SequencePath
	if basePath == "" {
		basePath = strconv.Itoa(spawner.SequenceIndex)
	}

	for i, st := range subtasks {
		prov := st.Provider
		if prov == "" {
			prov = spawner.Provider
		}
		model := st.Model
		if model == "" {
			model = spawner.Model
		}
		var meta string
		if st.Metadata != nil {
			b, err := json.Marshal(st.Metadata)
			if err != nil {
				return nil, &SpawnError{Reason: ReasonSpawnerOutputInvalid, Message: "subtask metadata: " + err.Error()}
			}
			meta = string(b)
		}
		child := &store.RunNode{
			RunID:            run.ID,
			NodeKey:          st.NodeKey,
			SequenceIndex:    spawner.SequenceIndex,
			NodeType:         store.NodeTypeAgent,
			NodeRole:         store.RoleStandard,
			Provider:         prov,
			Model:            model,
			Prompt:           st.Title + "\n\n" + st.Prompt,
			MaxRetries:       spawner.MaxRetries,
			SpawnerRunNodeID: spawner.ID,
			JoinNodeKey:      joinKey,
			LineageDepth:     spawner.LineageDepth + 1,
			SequencePath:     basePath + "." + strconv.Itoa(i+1),
			Metadata:         meta,
		}
		if err := db.InsertRunNode(ctx, child); err != nil {
			return nil, fmt.Errorf("insert child %s: %w", st.NodeKey, err)
		}
		// The spawner has already completed, so its edge to each child
		// is born selected; the child-to-join edge is selected when the
		// child routes on completion.
		toChild := &store.RunNodeEdge{
			RunID:         run.ID,
			EdgeKind:      store.EdgeSpawnerToChild,
			SourceNodeKey: spawner.NodeKey,
			TargetNodeKey: st.NodeKey,
			RouteOn:       store.RouteSuccess,
			Priority:      i,
			Auto:          true,
			Selected:      true,
		}
		if err := db.InsertRunEdge(ctx, toChild); err != nil {
			return nil, fmt.Errorf("insert spawner edge for %s: %w", st.NodeKey, err)
		}
		toJoin := &store.RunNodeEdge{
			RunID:         run.ID,
			EdgeKind:      store.EdgeChildToJoin,
			SourceNodeKey: st.NodeKey,
			TargetNodeKey: joinKey,
			RouteOn:       store.RouteSuccess,
			Priority:      0,
			Auto:          true,
		}
		if err := db.InsertRunEdge(ctx, toJoin); err != nil {
			return nil, fmt.Errorf("insert join edge for %s: %w", st.NodeKey, err)
		}
	}

	barrier := &store.JoinBarrier{
		RunID:            run.ID,
		SpawnerNodeKey:   spawner.NodeKey,
		JoinNodeKey:      joinKey,
		SpawnArtifactID:  spawnArtifactID,
		ExpectedChildren: len(subtasks),
	}
	if len(subtasks) == 0 {
		barrier.Status = store.BarrierReady
	}
	if err := db.InsertBarrier(ctx, barrier); err != nil {
		return nil, err
	}
	return barrier, nil
}
