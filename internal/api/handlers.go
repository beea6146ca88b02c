package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/edgecmd/internal/history"
)

// maxHistoryLimit caps GET /history?limit.
const maxHistoryLimit = 1000

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.bus != nil {
		resp.BusConnected = s.bus.Connected()
		if !resp.BusConnected {
			resp.Status = "degraded"
		}
	}
	if s.stats != nil {
		st := s.stats.Stats()
		resp.MessagesProcessed = st.Processed
		resp.MessagesDropped = st.Dropped
		if !st.LastMessageAt.IsZero() {
			last := st.LastMessageAt
			resp.LastMessageAt = &last
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleListHistory handles GET /history?limit=N.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	respondJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

// handleGetHistory handles GET /history/{id}.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	entry, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "history entry not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read history entry", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	respondJSON(w, http.StatusOK, entry)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
