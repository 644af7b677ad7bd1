package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SSWConsulting/yakshaver/internal/agent"
	"github.com/SSWConsulting/yakshaver/internal/approval"
	"github.com/SSWConsulting/yakshaver/internal/settings"
	"github.com/SSWConsulting/yakshaver/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"request_id": getRequestID(r),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    version.Version,
		"commit":     version.Commit,
		"request_id": getRequestID(r),
	})
}

type startRunRequest struct {
	Goal       string            `json:"goal"`
	RunID      string            `json:"run_id"`
	Transcript string            `json:"transcript"`
	VideoURL   string            `json:"video_url"`
	Metadata   map[string]string `json:"metadata"`
}

// handleStartRun starts a run in the background; progress is streamed on /ws/events.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if s.deps.Orchestrator == nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "orchestrator is not configured")
		return
	}

	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "goal is required")
		return
	}
	rc := agent.RunContext{Transcript: req.Transcript, VideoURL: req.VideoURL, Metadata: req.Metadata}
	runID, done, err := s.deps.Orchestrator.Start(s.runCtx, goal, rc, agent.RunOptions{RunID: strings.TrimSpace(req.RunID)})
	if errors.Is(err, agent.ErrRunInProgress) {
		msg := "another run is still in progress"
		if active, ok := s.deps.Orchestrator.Current(); ok {
			msg = "run " + active.RunID + " is still in progress"
		}
		writeError(w, requestID, http.StatusConflict, "run_in_progress", msg)
		return
	}
	if err != nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	go func() {
		out := <-done
		rec := &runRecord{Result: out.Result, Finished: time.Now().UTC()}
		if out.Err != nil {
			rec.Error = out.Err.Error()
			slog.Error("gateway run failed", "run_id", runID, "error", out.Err)
		}
		s.mu.Lock()
		s.last = rec
		s.mu.Unlock()
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":     runID,
		"request_id": requestID,
	})
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	resp := map[string]any{"active": false, "request_id": requestID}
	if s.deps.Orchestrator != nil {
		if status, ok := s.deps.Orchestrator.Current(); ok {
			resp["active"] = true
			resp["run"] = status
		}
	}
	s.mu.Lock()
	if s.last != nil {
		resp["last"] = *s.last
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := []approval.Request{}
	if s.deps.Orchestrator != nil {
		pending = append(pending, s.deps.Orchestrator.PendingApprovals()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals":  pending,
		"request_id": getRequestID(r),
	})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	id := chi.URLParam(r, "id")

	var d approval.Decision
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	d.Auto = false
	if err := d.Validate(); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if s.deps.Orchestrator == nil || !s.deps.Orchestrator.ResolveApproval(id, d) {
		writeError(w, requestID, http.StatusNotFound, "not_found", "approval request not found or already resolved")
		return
	}
	slog.Info("approval resolved via gateway", "approval_id", id, "kind", d.Kind, "request_id", requestID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         id,
		"kind":       d.Kind,
		"request_id": requestID,
	})
}

func (s *Server) handleCancelApprovals(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
			return
		}
	}
	cancelled := 0
	if s.deps.Orchestrator != nil {
		cancelled = len(s.deps.Orchestrator.PendingApprovals())
		s.deps.Orchestrator.CancelAllPending(strings.TrimSpace(req.Reason))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled":  cancelled,
		"request_id": requestID,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	st, err := s.deps.Settings.Load(r.Context())
	if err != nil {
		slog.Error("load settings failed", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to load settings")
		return
	}
	if st.Whitelist == nil {
		st.Whitelist = []settings.WhitelistEntry{}
	}
	resp := map[string]any{
		"approval_mode": st.Mode,
		"whitelist":     st.Whitelist,
		"request_id":    requestID,
	}
	if s.deps.Orchestrator != nil {
		resp["auto_approve_delay_seconds"] = int(s.deps.Orchestrator.AutoApproveDelay().Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	mode, err := settings.ParseMode(req.Mode)
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.deps.Settings.SetMode(r.Context(), mode); err != nil {
		slog.Error("set approval mode failed", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to save approval mode")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approval_mode": mode,
		"request_id":    requestID,
	})
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	var req struct {
		ServerName string `json:"server_name"`
		ToolName   string `json:"tool_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	if strings.TrimSpace(req.ToolName) == "" {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "tool_name is required")
		return
	}
	entry, err := s.deps.Settings.AddWhitelistEntry(r.Context(), req.ServerName, req.ToolName)
	if err != nil {
		slog.Error("add whitelist entry failed", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to save whitelist entry")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	id := chi.URLParam(r, "id")
	err := s.deps.Settings.RemoveWhitelistEntry(r.Context(), id)
	switch {
	case errors.Is(err, settings.ErrEntryNotFound):
		writeError(w, requestID, http.StatusNotFound, "not_found", "whitelist entry not found")
	case err != nil:
		slog.Error("remove whitelist entry failed", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to remove whitelist entry")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
