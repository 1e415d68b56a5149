package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"trackstream/internal/domain"
	"trackstream/internal/services/cache"
	"trackstream/internal/services/playback"
	"trackstream/internal/storage/memory"
	"trackstream/internal/usecase"
)

type prefetchCall struct {
	locator string
	length  int64
}

type fakeCache struct {
	mu       sync.Mutex
	table    domain.StatusTable
	calls    []prefetchCall
	verified map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{verified: make(map[string]bool)}
}

func (f *fakeCache) RequestPrefetch(locator string, length int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prefetchCall{locator, length})
	f.table = f.table.With(locator, domain.CacheCaching)
}

func (f *fakeCache) Verify(locator string, length int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verified[locator] {
		return true
	}
	f.table = f.table.With(locator, domain.CacheNotCached)
	return false
}

func (f *fakeCache) Statuses() domain.StatusTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table
}

func (f *fakeCache) Status(locator string) domain.CacheStatus {
	return f.Statuses().Get(locator)
}

func (f *fakeCache) ActiveTasks() int     { return 1 }
func (f *fakeCache) PrecacheBytes() int64 { return 512 << 10 }

type fakeBridge struct {
	mu    sync.Mutex
	calls []string
	seek  int64
	items []domain.MediaItem
	conn  playback.ConnState
	snap  domain.PlaybackSnapshot
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{conn: playback.Disconnected, snap: domain.DefaultSnapshot()}
}

func (f *fakeBridge) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeBridge) Connect() {
	f.record("connect")
	f.mu.Lock()
	f.conn = playback.Connecting
	f.mu.Unlock()
}
func (f *fakeBridge) Release()      { f.record("release") }
func (f *fakeBridge) Play()         { f.record("play") }
func (f *fakeBridge) Pause()        { f.record("pause") }
func (f *fakeBridge) SkipNext()     { f.record("next") }
func (f *fakeBridge) SkipPrevious() { f.record("previous") }
func (f *fakeBridge) SeekTo(positionMs int64) {
	f.record("seek")
	f.mu.Lock()
	f.seek = positionMs
	f.mu.Unlock()
}
func (f *fakeBridge) SetTrack(item domain.MediaItem) {
	f.record("track")
	f.mu.Lock()
	f.items = []domain.MediaItem{item}
	f.mu.Unlock()
}
func (f *fakeBridge) AddTrack(item domain.MediaItem) {
	f.record("queue")
	f.mu.Lock()
	f.items = append(f.items, item)
	f.mu.Unlock()
}
func (f *fakeBridge) Snapshot() domain.PlaybackSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}
func (f *fakeBridge) ConnectionState() playback.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakeBridge) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

// originFetcher serves in-memory resources honouring the requested range.
type originFetcher struct {
	data     map[string][]byte
	hideSize bool
	err      error
}

func (f *originFetcher) Fetch(_ context.Context, locator string, r domain.Range) (io.ReadCloser, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	data, ok := f.data[locator]
	if !ok {
		return nil, 0, domain.ErrNotFound
	}
	total := int64(len(data))
	off := r.Off
	if off > total {
		off = total
	}
	end := total
	if r.Length > 0 && off+r.Length < end {
		end = off + r.Length
	}
	if f.hideSize {
		total = -1
	}
	return io.NopCloser(bytes.NewReader(data[off:end])), total, nil
}

func newStreamSource(f *originFetcher) *cache.ReadThrough {
	return cache.NewReadThrough(cache.NewSizeTracker(f), memory.NewStore())
}

func doRequest(s *Server, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v (body %q)", err, rec.Body.String())
	}
}

// ---- cache ----

func TestPrefetchEndpoint(t *testing.T) {
	fc := newFakeCache()
	s := NewServer(fc)
	defer s.Close()

	rec := doRequest(s, http.MethodPost, "/cache/prefetch", `{"locator":" https://cdn/a.mp3 ","length":1024}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp cacheStatusResponse
	decodeBody(t, rec, &resp)
	if resp.Locator != "https://cdn/a.mp3" || resp.Status != domain.CacheCaching {
		t.Fatalf("response = %+v", resp)
	}
	if len(fc.calls) != 1 || fc.calls[0] != (prefetchCall{"https://cdn/a.mp3", 1024}) {
		t.Fatalf("calls = %+v", fc.calls)
	}
}

func TestPrefetchEndpointValidation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"missing locator", http.MethodPost, `{"length":10}`, http.StatusBadRequest},
		{"negative length", http.MethodPost, `{"locator":"u","length":-1}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, `{`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeCache()
			s := NewServer(fc)
			defer s.Close()
			rec := doRequest(s, tc.method, "/cache/prefetch", tc.body, nil)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if len(fc.calls) != 0 {
				t.Fatalf("unexpected prefetch calls %+v", fc.calls)
			}
		})
	}
}

func TestPrefetchTracksEndpoint(t *testing.T) {
	fc := newFakeCache()
	s := NewServer(fc, WithPrefetchTracks(usecase.PrefetchTracks{Cache: fc}))
	defer s.Close()

	body := `[{"id":"t1","streamUrl":"https://cdn/1.mp3"},{"id":"t2"},{"id":"t3","streamUrl":"https://cdn/3.mp3"}]`
	rec := doRequest(s, http.MethodPost, "/cache/prefetch/tracks", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp usecase.PrefetchTracksResult
	decodeBody(t, rec, &resp)
	if resp.Requested != 2 || len(resp.Skipped) != 1 || resp.Skipped[0] != "t2" {
		t.Fatalf("result = %+v", resp)
	}
	if len(fc.calls) != 2 || fc.calls[1].length != 0 {
		t.Fatalf("calls = %+v", fc.calls)
	}
}

func TestPrefetchTracksNotConfigured(t *testing.T) {
	s := NewServer(newFakeCache())
	defer s.Close()
	if rec := doRequest(s, http.MethodPost, "/cache/prefetch/tracks", `[]`, nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestCacheStatusEndpoint(t *testing.T) {
	fc := newFakeCache()
	fc.RequestPrefetch("u1", 0)
	s := NewServer(fc)
	defer s.Close()

	rec := doRequest(s, http.MethodGet, "/cache/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var all cacheStatusesResponse
	decodeBody(t, rec, &all)
	if all.Statuses["u1"] != domain.CacheCaching || all.ActiveTasks != 1 || all.PrecacheBytes != 512<<10 {
		t.Fatalf("statuses = %+v", all)
	}

	rec = doRequest(s, http.MethodGet, "/cache/status?locator=unknown", "", nil)
	var one cacheStatusResponse
	decodeBody(t, rec, &one)
	if one.Status != domain.CacheNotCached {
		t.Fatalf("unknown locator status = %q, want not_cached", one.Status)
	}
}

func TestCacheVerifyEndpoint(t *testing.T) {
	fc := newFakeCache()
	fc.verified["hit"] = true
	s := NewServer(fc)
	defer s.Close()

	rec := doRequest(s, http.MethodGet, "/cache/verify?locator=hit&length=100", "", nil)
	var resp verifyResponse
	decodeBody(t, rec, &resp)
	if !resp.Cached {
		t.Fatalf("expected cached, got %+v", resp)
	}

	rec = doRequest(s, http.MethodGet, "/cache/verify?locator=miss", "", nil)
	resp = verifyResponse{}
	decodeBody(t, rec, &resp)
	if resp.Cached || resp.Status != domain.CacheNotCached {
		t.Fatalf("expected miss, got %+v", resp)
	}

	for _, path := range []string{"/cache/verify", "/cache/verify?locator=x&length=abc", "/cache/verify?locator=x&length=-5"} {
		if rec := doRequest(s, http.MethodGet, path, "", nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

// ---- stream ----

func streamPath(locator string) string {
	return "/stream?locator=" + url.QueryEscape(locator)
}

func TestStreamFullBody(t *testing.T) {
	data := []byte("0123456789abcdefghij")
	origin := &originFetcher{data: map[string][]byte{"https://cdn/a.mp3": data}}
	s := NewServer(newFakeCache(), WithStream(newStreamSource(origin)))
	defer s.Close()

	rec := doRequest(s, http.MethodGet, streamPath("https://cdn/a.mp3"), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "20" {
		t.Errorf("Content-Length = %q", got)
	}
}

func TestStreamRanges(t *testing.T) {
	data := []byte("0123456789abcdefghij")
	tests := []struct {
		name         string
		rangeHeader  string
		wantStatus   int
		wantBody     string
		contentRange string
	}{
		{"prefix", "bytes=0-4", http.StatusPartialContent, "01234", "bytes 0-4/20"},
		{"middle", "bytes=10-14", http.StatusPartialContent, "abcde", "bytes 10-14/20"},
		{"open ended", "bytes=15-", http.StatusPartialContent, "fghij", "bytes 15-19/20"},
		{"suffix", "bytes=-3", http.StatusPartialContent, "hij", "bytes 17-19/20"},
		{"past end", "bytes=20-", http.StatusRequestedRangeNotSatisfiable, "", "bytes */20"},
		{"malformed", "items=0-1", http.StatusBadRequest, "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			origin := &originFetcher{data: map[string][]byte{"u": data}}
			s := NewServer(newFakeCache(), WithStream(newStreamSource(origin)))
			defer s.Close()

			rec := doRequest(s, http.MethodGet, streamPath("u"), "", map[string]string{"Range": tc.rangeHeader})
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantBody != "" && rec.Body.String() != tc.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tc.wantBody)
			}
			if got := rec.Header().Get("Content-Range"); got != tc.contentRange {
				t.Fatalf("Content-Range = %q, want %q", got, tc.contentRange)
			}
		})
	}
}

func TestStreamHeadSendsNoBody(t *testing.T) {
	origin := &originFetcher{data: map[string][]byte{"u": []byte("abcdef")}}
	s := NewServer(newFakeCache(), WithStream(newStreamSource(origin)))
	defer s.Close()

	rec := doRequest(s, http.MethodHead, streamPath("u"), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Length"); got != "6" {
		t.Fatalf("Content-Length = %q", got)
	}
}

func TestStreamUnknownSizeIgnoresRange(t *testing.T) {
	origin := &originFetcher{data: map[string][]byte{"u": []byte("abcdef")}, hideSize: true}
	s := NewServer(newFakeCache(), WithStream(newStreamSource(origin)))
	defer s.Close()

	rec := doRequest(s, http.MethodGet, streamPath("u"), "", map[string]string{"Range": "bytes=2-3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "abcdef" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Accept-Ranges") != "" {
		t.Fatal("Accept-Ranges must not be advertised without a size")
	}
}

func TestStreamErrors(t *testing.T) {
	origin := &originFetcher{err: errors.New("origin down")}
	s := NewServer(newFakeCache(), WithStream(newStreamSource(origin)))
	defer s.Close()

	if rec := doRequest(s, http.MethodGet, "/stream", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing locator: expected 400, got %d", rec.Code)
	}
	if rec := doRequest(s, http.MethodGet, streamPath("u"), "", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("origin down: expected 502, got %d", rec.Code)
	}

	plain := NewServer(newFakeCache())
	defer plain.Close()
	if rec := doRequest(plain, http.MethodGet, streamPath("u"), "", nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("not configured: expected 501, got %d", rec.Code)
	}
}

// ---- playback ----

func TestPlaybackState(t *testing.T) {
	fb := newFakeBridge()
	fb.snap = domain.PlaybackSnapshot{State: domain.TransportReady, IsPlaying: true, PositionMs: 1500}
	fb.conn = playback.Connected
	s := NewServer(newFakeCache(), WithPlayback(fb))
	defer s.Close()

	rec := doRequest(s, http.MethodGet, "/playback/state", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp playbackStateResponse
	decodeBody(t, rec, &resp)
	if resp.Connection != playback.Connected || !resp.Snapshot.IsPlaying || resp.Snapshot.PositionMs != 1500 {
		t.Fatalf("state = %+v", resp)
	}
}

func TestPlaybackCommands(t *testing.T) {
	for _, action := range []string{"connect", "release", "play", "pause", "next", "previous"} {
		t.Run(action, func(t *testing.T) {
			fb := newFakeBridge()
			s := NewServer(newFakeCache(), WithPlayback(fb))
			defer s.Close()

			rec := doRequest(s, http.MethodPost, "/playback/"+action, "", nil)
			if rec.Code != http.StatusAccepted {
				t.Fatalf("expected 202, got %d", rec.Code)
			}
			if got := fb.lastCall(); got != action {
				t.Fatalf("bridge call = %q, want %q", got, action)
			}
		})
	}
}

func TestPlaybackSeek(t *testing.T) {
	fb := newFakeBridge()
	s := NewServer(newFakeCache(), WithPlayback(fb))
	defer s.Close()

	if rec := doRequest(s, http.MethodPost, "/playback/seek", `{"positionMs":42000}`, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if fb.seek != 42000 {
		t.Fatalf("seek = %d, want 42000", fb.seek)
	}
	if rec := doRequest(s, http.MethodPost, "/playback/seek", `{}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing position: expected 400, got %d", rec.Code)
	}
}

func TestPlaybackSetAndQueueTrack(t *testing.T) {
	fb := newFakeBridge()
	origin := &originFetcher{data: map[string][]byte{}}
	s := NewServer(newFakeCache(),
		WithPlayback(fb),
		WithStream(newStreamSource(origin)),
		WithStreamBaseURL("http://127.0.0.1:8080/"),
	)
	defer s.Close()

	rec := doRequest(s, http.MethodPost, "/playback/track",
		`{"track":{"id":"t1","title":"One","artist":"A","streamUrl":"https://cdn/1.mp3"}}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("track: expected 202, got %d", rec.Code)
	}
	rec = doRequest(s, http.MethodPost, "/playback/queue",
		`{"track":{"id":"t2","streamUrl":"https://cdn/2.mp3"},"useCache":true}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("queue: expected 202, got %d", rec.Code)
	}

	if len(fb.items) != 2 {
		t.Fatalf("items = %+v", fb.items)
	}
	if fb.items[0].StreamURL != "https://cdn/1.mp3" || fb.items[0].Title != "One" {
		t.Fatalf("first item = %+v", fb.items[0])
	}
	want := "http://127.0.0.1:8080/stream?locator=" + url.QueryEscape("https://cdn/2.mp3")
	if fb.items[1].StreamURL != want {
		t.Fatalf("cached item url = %q, want %q", fb.items[1].StreamURL, want)
	}
}

func TestPlaybackTrackWithoutStreamURL(t *testing.T) {
	fb := newFakeBridge()
	s := NewServer(newFakeCache(), WithPlayback(fb))
	defer s.Close()

	rec := doRequest(s, http.MethodPost, "/playback/track", `{"track":{"id":"t1","streamUrl":"  "}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no_stream_url") {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if len(fb.calls) != 0 {
		t.Fatalf("bridge called: %v", fb.calls)
	}
}

func TestPlaybackRouting(t *testing.T) {
	fb := newFakeBridge()
	s := NewServer(newFakeCache(), WithPlayback(fb))
	defer s.Close()

	if rec := doRequest(s, http.MethodPost, "/playback/rewind", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown action: expected 404, got %d", rec.Code)
	}
	if rec := doRequest(s, http.MethodGet, "/playback/play", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET play: expected 405, got %d", rec.Code)
	}
	if rec := doRequest(s, http.MethodPost, "/playback/state", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST state: expected 405, got %d", rec.Code)
	}

	plain := NewServer(newFakeCache())
	defer plain.Close()
	if rec := doRequest(plain, http.MethodGet, "/playback/state", "", nil); rec.Code != http.StatusNotImplemented {
		t.Errorf("not configured: expected 501, got %d", rec.Code)
	}
}

// ---- health ----

func TestHealthEndpoint(t *testing.T) {
	fb := newFakeBridge()
	fb.conn = playback.Connected
	s := NewServer(newFakeCache(), WithPlayback(fb))
	defer s.Close()

	rec := doRequest(s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "ok" || resp.Playback != playback.Connected || resp.ActiveTasks != 1 {
		t.Fatalf("health = %+v", resp)
	}
}

func TestParseByteRange(t *testing.T) {
	tests := []struct {
		value      string
		size       int64
		start, end int64
		err        error
	}{
		{"bytes=0-99", 1000, 0, 99, nil},
		{"bytes=500-", 1000, 500, 999, nil},
		{"bytes=-100", 1000, 900, 999, nil},
		{"bytes=-5000", 1000, 0, 999, nil},
		{"bytes=900-5000", 1000, 900, 999, nil},
		{"bytes=1000-", 1000, 0, 0, errRangeNotSatisfiable},
		{"bytes=0-1", 0, 0, 0, errRangeNotSatisfiable},
		{"bytes=5-2", 1000, 0, 0, errInvalidRange},
		{"bytes=0-1,5-6", 1000, 0, 0, errInvalidRange},
		{"bytes=-", 1000, 0, 0, errInvalidRange},
		{"0-10", 1000, 0, 0, errInvalidRange},
	}

	for _, tc := range tests {
		start, end, err := parseByteRange(tc.value, tc.size)
		if !errors.Is(err, tc.err) {
			t.Fatalf("parseByteRange(%q, %d) err = %v, want %v", tc.value, tc.size, err, tc.err)
		}
		if err == nil && (start != tc.start || end != tc.end) {
			t.Fatalf("parseByteRange(%q, %d) = %d-%d, want %d-%d", tc.value, tc.size, start, end, tc.start, tc.end)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		locator string
		want    string
	}{
		{"https://cdn/track.mp3?sig=abc", "audio/mpeg"},
		{"https://cdn/track.FLAC", "audio/flac"},
		{"https://cdn/track.m4a", "audio/mp4"},
		{"https://cdn/stream", "application/octet-stream"},
		{"/local/file.ogg", "audio/ogg"},
	}
	for _, tc := range tests {
		if got := contentTypeFor(tc.locator); got != tc.want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", tc.locator, got, tc.want)
		}
	}
}
