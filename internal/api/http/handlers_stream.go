package apihttp

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// handleStream serves a resource through the read-through cache. Bytes the
// coordinator already prefetched are served locally; the rest is fetched
// from the origin and written back.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.stream == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "stream not configured")
		return
	}
	locator := strings.TrimSpace(r.URL.Query().Get("locator"))
	if locator == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "locator is required")
		return
	}

	size, err := s.stream.Probe(r.Context(), locator)
	if err != nil {
		s.logger.Warn("stream probe failed",
			slog.String("locator", locator),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "upstream_error", "origin unavailable")
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(locator))

	// Without a known size ranges cannot be answered; stream everything.
	if size < 0 {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		s.copyStream(w, r, locator, 0, 0, http.StatusOK)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	start, end := int64(0), size-1
	status := http.StatusOK
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, err = parseByteRange(rangeHeader, size)
		if err != nil {
			if errors.Is(err, errRangeNotSatisfiable) {
				w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
				writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", "range not satisfiable")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid range")
			return
		}
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+
			strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(size, 10))
	}

	length := end - start + 1
	if size == 0 {
		length = 0
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if r.Method == http.MethodHead || length == 0 {
		w.WriteHeader(status)
		return
	}
	s.copyStream(w, r, locator, start, length, status)
}

func (s *Server) copyStream(w http.ResponseWriter, r *http.Request, locator string, off, length int64, status int) {
	reader, err := s.stream.Open(r.Context(), locator, off, length)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", "open stream failed")
		return
	}
	defer reader.Close()

	w.WriteHeader(status)
	n, err := io.Copy(w, reader)
	if err != nil && r.Context().Err() == nil {
		// Headers are already out; all that is left is to log and cut the body.
		s.logger.Warn("stream copy failed",
			slog.String("locator", locator),
			slog.Int64("offset", off),
			slog.Int64("written", n),
			slog.String("error", err.Error()))
	}
}
