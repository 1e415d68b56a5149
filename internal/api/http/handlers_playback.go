package apihttp

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"trackstream/internal/domain"
	"trackstream/internal/services/playback"
)

type playbackStateResponse struct {
	Connection playback.ConnState      `json:"connection"`
	Snapshot   domain.PlaybackSnapshot `json:"snapshot"`
}

type seekRequest struct {
	PositionMs *int64 `json:"positionMs"`
}

type trackRequest struct {
	Track domain.Track `json:"track"`
	// UseCache routes the player through this server's /stream endpoint so
	// playback reads prefetched bytes.
	UseCache bool `json:"useCache"`
}

func (s *Server) playbackState() playbackStateResponse {
	return playbackStateResponse{
		Connection: s.playback.ConnectionState(),
		Snapshot:   s.playback.Snapshot(),
	}
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	if s.playback == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "playback not configured")
		return
	}

	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/playback/"), "/")
	if action == "state" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.playbackState())
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "connect":
		s.playback.Connect()
	case "release":
		s.playback.Release()
	case "play":
		s.playback.Play()
	case "pause":
		s.playback.Pause()
	case "next":
		s.playback.SkipNext()
	case "previous":
		s.playback.SkipPrevious()
	case "seek":
		var body seekRequest
		if err := decodeJSON(r, &body); err != nil || body.PositionMs == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "positionMs is required")
			return
		}
		s.playback.SeekTo(*body.PositionMs)
	case "track", "queue":
		item, ok := s.decodeMediaItem(w, r)
		if !ok {
			return
		}
		if action == "track" {
			s.playback.SetTrack(item)
		} else {
			s.playback.AddTrack(item)
		}
	default:
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusAccepted, s.playbackState())
}

func (s *Server) decodeMediaItem(w http.ResponseWriter, r *http.Request) (domain.MediaItem, bool) {
	var body trackRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return domain.MediaItem{}, false
	}
	item, err := domain.NewMediaItem(body.Track)
	if err != nil {
		if errors.Is(err, domain.ErrNoStreamURL) {
			writeError(w, http.StatusBadRequest, "no_stream_url", "track has no stream url")
			return domain.MediaItem{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return domain.MediaItem{}, false
	}
	if body.UseCache && s.streamBaseURL != "" && s.stream != nil {
		item.StreamURL = s.streamBaseURL + "/stream?locator=" + url.QueryEscape(item.StreamURL)
	}
	return item, true
}
