package apihttp

import (
	"errors"
	"net/http"
	"strings"

	"trackstream/internal/domain"
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "listening history not configured")
		return
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	if limit <= 0 {
		limit = 20
	}

	positions, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list listening history")
		return
	}
	if positions == nil {
		positions = []domain.ListeningPosition{}
	}

	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleHistoryByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "listening history not configured")
		return
	}

	itemID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/history/"))
	if itemID == "" || strings.Contains(itemID, "/") {
		http.NotFound(w, r)
		return
	}

	pos, err := s.history.Get(r.Context(), itemID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no listening position found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get listening position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
