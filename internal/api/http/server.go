package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"trackstream/internal/domain"
	"trackstream/internal/services/cache"
	"trackstream/internal/services/playback"
	"trackstream/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type CacheCoordinator interface {
	RequestPrefetch(locator string, length int64)
	Verify(locator string, length int64) bool
	Statuses() domain.StatusTable
	Status(locator string) domain.CacheStatus
	ActiveTasks() int
	PrecacheBytes() int64
}

type PrefetchTracksUseCase interface {
	Execute(ctx context.Context, tracks []domain.Track) usecase.PrefetchTracksResult
}

// StreamSource serves resource bytes, from the cache where possible.
type StreamSource interface {
	Probe(ctx context.Context, locator string) (int64, error)
	Open(ctx context.Context, locator string, off, length int64) (*cache.Reader, error)
}

type PlaybackBridge interface {
	Connect()
	Release()
	Play()
	Pause()
	SeekTo(positionMs int64)
	SkipNext()
	SkipPrevious()
	SetTrack(item domain.MediaItem)
	AddTrack(item domain.MediaItem)
	Snapshot() domain.PlaybackSnapshot
	ConnectionState() playback.ConnState
}

type ListeningHistoryStore interface {
	Get(ctx context.Context, itemID string) (domain.ListeningPosition, error)
	ListRecent(ctx context.Context, limit int) ([]domain.ListeningPosition, error)
}

type Server struct {
	cache          CacheCoordinator
	prefetchTracks PrefetchTracksUseCase
	stream         StreamSource
	playback       PlaybackBridge
	history        ListeningHistoryStore
	streamBaseURL  string
	allowedOrigins []string
	rateRPS        float64
	rateBurst      int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithPrefetchTracks(uc PrefetchTracksUseCase) ServerOption {
	return func(s *Server) {
		s.prefetchTracks = uc
	}
}

func WithStream(src StreamSource) ServerOption {
	return func(s *Server) {
		s.stream = src
	}
}

// WithStreamBaseURL sets the externally reachable base of this server, used
// to route player requests through /stream.
func WithStreamBaseURL(base string) ServerOption {
	return func(s *Server) {
		s.streamBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

func WithPlayback(bridge PlaybackBridge) ServerOption {
	return func(s *Server) {
		s.playback = bridge
	}
}

func WithListeningHistory(store ListeningHistoryStore) ServerOption {
	return func(s *Server) {
		s.history = store
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(coordinator CacheCoordinator, opts ...ServerOption) *Server {
	s := &Server{
		cache:     coordinator,
		rateRPS:   100,
		rateBurst: 200,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/cache/prefetch", s.handlePrefetch)
	mux.HandleFunc("/cache/prefetch/tracks", s.handlePrefetchTracks)
	mux.HandleFunc("/cache/status", s.handleCacheStatus)
	mux.HandleFunc("/cache/verify", s.handleCacheVerify)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/playback/", s.handlePlayback)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/history/", s.handleHistoryByID)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "trackstream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops the WebSocket hub and disconnects its clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

type healthResponse struct {
	Status      string             `json:"status"`
	Playback    playback.ConnState `json:"playback,omitempty"`
	ActiveTasks int                `json:"activeTasks"`
	WSClients   int                `json:"wsClients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{Status: "ok", WSClients: s.wsHub.clientCount()}
	if s.cache != nil {
		resp.ActiveTasks = s.cache.ActiveTasks()
	}
	if s.playback != nil {
		resp.Playback = s.playback.ConnectionState()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	// New clients get the current state before any broadcast.
	if s.playback != nil {
		client.queue("playback", s.playbackState())
	}
	if s.cache != nil {
		client.queue("cache_status", s.cache.Statuses().All())
	}

	if !s.wsHub.add(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// BroadcastPlayback pushes a playback snapshot to all WebSocket clients.
func (s *Server) BroadcastPlayback(snap domain.PlaybackSnapshot) {
	if s.wsHub == nil {
		return
	}
	state := playbackStateResponse{Snapshot: snap}
	if s.playback != nil {
		state.Connection = s.playback.ConnectionState()
	}
	s.wsHub.Broadcast("playback", state)
}

// BroadcastCacheStatus pushes the cache status table to all WebSocket clients.
func (s *Server) BroadcastCacheStatus(table domain.StatusTable) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast("cache_status", table.All())
}
