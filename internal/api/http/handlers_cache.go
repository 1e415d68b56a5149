package apihttp

import (
	"net/http"
	"strings"

	"trackstream/internal/domain"
)

type prefetchRequest struct {
	Locator string `json:"locator"`
	Length  int64  `json:"length"`
}

type cacheStatusResponse struct {
	Locator string             `json:"locator"`
	Status  domain.CacheStatus `json:"status"`
}

type cacheStatusesResponse struct {
	Statuses      map[string]domain.CacheStatus `json:"statuses"`
	ActiveTasks   int                           `json:"activeTasks"`
	PrecacheBytes int64                         `json:"precacheBytes"`
}

type verifyResponse struct {
	Locator string             `json:"locator"`
	Cached  bool               `json:"cached"`
	Status  domain.CacheStatus `json:"status"`
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "cache not configured")
		return
	}

	var body prefetchRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	locator := strings.TrimSpace(body.Locator)
	if locator == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "locator is required")
		return
	}
	if body.Length < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "length must be >= 0")
		return
	}

	s.cache.RequestPrefetch(locator, body.Length)
	writeJSON(w, http.StatusAccepted, cacheStatusResponse{Locator: locator, Status: s.cache.Status(locator)})
}

func (s *Server) handlePrefetchTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.prefetchTracks == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "track prefetch not configured")
		return
	}

	var tracks []domain.Track
	if err := decodeJSON(r, &tracks); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	result := s.prefetchTracks.Execute(r.Context(), tracks)
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "cache not configured")
		return
	}

	if locator := strings.TrimSpace(r.URL.Query().Get("locator")); locator != "" {
		writeJSON(w, http.StatusOK, cacheStatusResponse{Locator: locator, Status: s.cache.Status(locator)})
		return
	}

	writeJSON(w, http.StatusOK, cacheStatusesResponse{
		Statuses:      s.cache.Statuses().All(),
		ActiveTasks:   s.cache.ActiveTasks(),
		PrecacheBytes: s.cache.PrecacheBytes(),
	})
}

func (s *Server) handleCacheVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "cache not configured")
		return
	}

	query := r.URL.Query()
	locator := strings.TrimSpace(query.Get("locator"))
	if locator == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "locator is required")
		return
	}
	length, err := parseOptionalInt64(query.Get("length"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid length")
		return
	}

	cached := s.cache.Verify(locator, length)
	writeJSON(w, http.StatusOK, verifyResponse{Locator: locator, Cached: cached, Status: s.cache.Status(locator)})
}
