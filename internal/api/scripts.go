package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/event"
)

// runRequest is the optional body of POST /scripts/{id}/run.
type runRequest struct {
	Variables map[string]any `json:"variables"`
}

// runResponse is returned when a run is accepted.
type runResponse struct {
	RunID         string `json:"run_id"`
	ScriptID      string `json:"script_id"`
	CorrelationID string `json:"correlation_id"`
}

// handleListScripts returns every loaded script and automation.
func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	list := s.engine.List()

	kind := automation.Kind(r.URL.Query().Get("kind"))
	if kind != "" {
		filtered := list[:0]
		for _, st := range list {
			if st.Kind == kind {
				filtered = append(filtered, st)
			}
		}
		list = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scripts": list,
		"count":   len(list),
	})
}

// handleGetScript returns the live status of one script or automation.
func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.engine.Status(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleRunScript starts a run. It answers as soon as the run is admitted;
// progress is reported over the WebSocket and the run history.
func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body exceeds 1 MB")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	origin := event.NewContext(userIDFromContext(r.Context()))
	runID, err := s.engine.Run(r.Context(), id, req.Variables, origin)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	s.logger.Info("run requested via API",
		"script_id", id,
		"run_id", runID,
		"user_id", origin.UserID,
		"request_id", requestIDOf(r),
	)
	writeJSON(w, http.StatusAccepted, runResponse{
		RunID:         runID,
		ScriptID:      id,
		CorrelationID: origin.ID,
	})
}

// handleStopScript stops every run of a script and waits for them.
func (s *Server) handleStopScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Stop(r.Context(), id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "script_id": id})
}

func (s *Server) handleEnableScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Enable(r.Context(), id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"script_id": id, "enabled": true})
}

func (s *Server) handleDisableScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Disable(id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"script_id": id, "enabled": false})
}

// handleStopRun stops a single run or routine.
func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.engine.StopRun(r.Context(), runID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "run_id": runID})
}

// handleListRuns returns recent run history for a script, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, r, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.engine.Status(id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing runs", "script_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []automation.RunRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun returns one recorded run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, r, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}
	rec, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGraph previews the dependency graph the scheduler would build.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	nodes, err := s.engine.Graph(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"script_id": id,
		"nodes":     nodes,
	})
}
