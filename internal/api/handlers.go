package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bidworks/bidflow/internal/engine"
	"github.com/bidworks/bidflow/internal/store"
	"github.com/bidworks/bidflow/pkg/schema"
)

const maxBodyBytes = 1 << 20

// handleStartExecution creates and starts a new execution.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "read request body")
		return
	}
	if err := s.deps.Validator.ValidateStartRequest(body); err != nil {
		s.writeEngineError(w, err)
		return
	}

	var req engine.StartRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	snap, err := s.deps.Engine.Start(ctx, req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// handleListExecutions lists executions, optionally filtered by project and status.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}

	execs, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// handleGetExecution returns the execution snapshot: aggregate, tasks, open gate.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Engine.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleListEvents returns the execution's event log, optionally after an offset.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(queryInt(r, "since", 0))
	events, err := s.deps.Store.Events(r.Context(), r.PathValue("id"), since)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleSubmitDecision routes a human decision to the execution's open gate
// or failed stage.
func (s *Server) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "read request body")
		return
	}
	if err := s.deps.Validator.ValidateDecision(body); err != nil {
		s.writeEngineError(w, err)
		return
	}

	var decision schema.Decision
	if err := json.Unmarshal(body, &decision); err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	snap, err := s.deps.Engine.SubmitDecision(ctx, executionID, decision)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleReset re-enters the pipeline at an earlier stage.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := r.PathValue("id")

	var body struct {
		TargetStage schema.StageType `json:"target_stage"`
		Reason      string           `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.TargetStage == "" {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "target_stage is required")
		return
	}

	snap, err := s.deps.Engine.ResetTo(ctx, executionID, body.TargetStage, body.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCancel terminates the execution.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	snap, err := s.deps.Engine.Cancel(ctx, executionID, body.Reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
