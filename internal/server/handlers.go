package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/alphredhq/alphred/internal/engine"
	"github.com/alphredhq/alphred/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// parseRunID extracts and validates the runId path segment. Run ids
// are positive integers; anything else is an invalid request.
func parseRunID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("runId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "runId must be a positive integer")
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("server: get run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "failed to load run")
		return
	}
	latest, err := s.store.LatestAttempts(r.Context(), runID)
	if err != nil {
		s.logger.Error("server: list run nodes", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "failed to load run nodes")
		return
	}

	detail := RunDetail{
		ID:           run.ID,
		TreeID:       run.TreeID,
		Status:       string(run.Status),
		StatusReason: run.StatusReason,
		MaxSteps:     run.MaxSteps,
		Permissions:  run.Permissions,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		CreatedAt:    run.CreatedAt,
		Nodes:        make([]NodeSummary, 0, len(latest)),
	}
	for _, n := range latest {
		detail.Nodes = append(detail.Nodes, NodeSummary{
			NodeKey:       n.NodeKey,
			Attempt:       n.Attempt,
			Status:        string(n.Status),
			Role:          string(n.NodeRole),
			SequenceIndex: n.SequenceIndex,
			Provider:      n.Provider,
			Model:         n.Model,
			StartedAt:     n.StartedAt,
			CompletedAt:   n.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleGetWorktrees(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "runId must be a positive integer")
		return
	}
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "run not found")
			return
		}
		s.logger.Error("server: get run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "failed to load run")
		return
	}
	wts, err := s.store.ListWorktrees(r.Context(), runID)
	if err != nil {
		s.logger.Error("server: list worktrees", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "failed to load worktrees")
		return
	}
	out := make([]WorktreeInfo, 0, len(wts))
	for _, wt := range wts {
		out = append(out, WorktreeInfo{
			ID:           wt.ID,
			RepositoryID: wt.RepositoryID,
			Path:         wt.Path,
			Branch:       wt.Branch,
			CleanedAt:    wt.CleanedAt,
			CreatedAt:    wt.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"worktrees": out})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "runId must be a positive integer")
		return
	}
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	ctx := r.Context()
	var err error
	switch req.Action {
	case "cancel":
		err = s.exec.Cancel(ctx, runID)
	case "pause":
		err = s.exec.Pause(ctx, runID)
	case "resume":
		err = s.exec.Resume(ctx, runID)
	case "retry":
		err = s.exec.Retry(ctx, runID)
	default:
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "action must be one of cancel, pause, resume, retry")
		return
	}
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "run not found")
		return
	case errors.Is(err, engine.ErrInvalidControl):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("server: control failed", "run_id", runID, "action", req.Action, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "control failed")
		return
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error("server: reload run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "failed to reload run")
		return
	}
	s.logger.Info("server: control applied", "run_id", runID, "action", req.Action, "status", run.Status)
	writeJSON(w, http.StatusOK, ControlResponse{RunID: runID, Action: req.Action, Status: string(run.Status)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
