package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/tunnelhq/tunnel/internal/workflow/engine"
	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

// validRunID matches ULIDs, UUIDs, and other safe identifiers.
// Only alphanumeric, dashes, and underscores are allowed.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   len(s.registry.List()),
	})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	instruction := strings.TrimSpace(req.Instruction)
	targetURL := strings.TrimSpace(req.TargetURL)
	if instruction == "" {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}
	if targetURL == "" {
		writeError(w, http.StatusBadRequest, "target_url is required")
		return
	}
	if s.config.NewEngine == nil {
		writeError(w, http.StatusInternalServerError, "server has no engine factory")
		return
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = engine.NewRunID()
	}
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	ctx, cancel := context.WithCancelCause(s.baseCtx)
	handle := NewRunHandle(runID, cancel)

	if err := s.registry.Register(runID, handle); err != nil {
		cancel(nil)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	eng, err := s.config.NewEngine(runID, handle.Broadcaster.Send)
	if err != nil {
		cancel(nil)
		handle.SetResult(nil, err)
		handle.Broadcaster.Close()
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("build engine: %v", err))
		return
	}

	rs := runtime.NewRunState(runID, instruction, targetURL, s.config.Browser)

	go func() {
		defer handle.Broadcaster.Close()
		defer cancel(nil)

		rep, runErr := eng.Run(ctx, rs)
		if runErr != nil {
			s.logger.Printf("run %s: %v", runID, runErr)
		}
		handle.SetResult(rep, runErr)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"run_id": runID,
		"status": "accepted",
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Status())
}

// handleRunReport blocks until the run terminates, then returns its report.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	rep, err := h.Await(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away while waiting; nothing sensible to write.
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rep == nil {
		writeError(w, http.StatusInternalServerError, "run finished without a report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	WriteSSE(w, r, h.Broadcaster)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	h.Cancel(fmt.Errorf("canceled via HTTP API"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*RunHandle, bool) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return nil, false
	}
	h, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return nil, false
	}
	return h, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
