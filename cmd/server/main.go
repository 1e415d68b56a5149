package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"golang.org/x/time/rate"

	apihttp "trackstream/internal/api/http"
	"trackstream/internal/app"
	"trackstream/internal/metrics"
	mongorepo "trackstream/internal/repository/mongo"
	redisrepo "trackstream/internal/repository/redis"
	"trackstream/internal/services/cache"
	"trackstream/internal/services/fetch"
	"trackstream/internal/services/playback"
	"trackstream/internal/services/session/mpv"
	"trackstream/internal/storage/memory"
	"trackstream/internal/telemetry"
	"trackstream/internal/usecase"
)

const (
	serviceName    = "trackstream"
	serviceVersion = "1.0.0"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName, serviceVersion)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Int64("cacheMaxBytes", cfg.CacheMaxBytes),
		slog.Int64("cachePrecacheBytes", cfg.CachePrecacheBytes),
		slog.Int("cacheWorkers", cfg.CacheWorkers),
		slog.Bool("cacheInvalidateOnEvict", cfg.CacheInvalidateOnEvict),
		slog.String("mpvSocket", cfg.MPVSocket),
		slog.Bool("history", cfg.MongoURI != ""),
		slog.Bool("statusMirror", cfg.RedisURL != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := memory.NewStore(memory.WithMaxBytes(cfg.CacheMaxBytes))

	retry := fetch.DefaultRetryConfig()
	if cfg.FetchMaxAttempts > 0 {
		retry.MaxAttempts = cfg.FetchMaxAttempts
	}
	var limiter *rate.Limiter
	if cfg.FetchRateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.FetchRateLimitRPS), int(cfg.FetchRateLimitRPS))
	}
	sizes := cache.NewSizeTracker(fetch.NewHTTPFetcher(fetch.Config{
		Timeout: time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
		Retry:   retry,
		Limiter: limiter,
		Logger:  logger,
	}))

	cacheCfg := cache.Config{
		Fetcher:       sizes,
		Store:         store,
		Logger:        logger,
		Workers:       cfg.CacheWorkers,
		PrecacheBytes: cfg.CachePrecacheBytes,
	}
	if cfg.CacheInvalidateOnEvict {
		cacheCfg.Evictions = store
	}
	coordinator := cache.NewCoordinator(cacheCfg)
	readThrough := cache.NewReadThrough(sizes, store)

	bridge := playback.NewBridge(playback.Config{
		Provider: mpv.NewProvider(mpv.ProviderConfig{
			Binary: cfg.MPVPath,
			Socket: cfg.MPVSocket,
			Logger: logger,
		}),
		Logger:       logger,
		PollInterval: time.Duration(cfg.PlaybackPollIntervalMs) * time.Millisecond,
	})

	opts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(float64(cfg.RateLimitRPS), int(cfg.RateLimitBurst)),
		apihttp.WithPrefetchTracks(usecase.PrefetchTracks{Cache: coordinator, Logger: logger}),
		apihttp.WithStream(readThrough),
		apihttp.WithStreamBaseURL(cfg.StreamBaseURL),
		apihttp.WithPlayback(bridge),
	}

	var background sync.WaitGroup
	runBackground := func(fn func(context.Context)) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn(rootCtx)
		}()
	}

	mongoClient := connectMongo(rootCtx, cfg, logger)
	if mongoClient != nil {
		history := mongorepo.NewListeningHistoryRepository(mongoClient, cfg.MongoDatabase)
		idxCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		if err := history.EnsureIndexes(idxCtx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		cancel()
		opts = append(opts, apihttp.WithListeningHistory(history))
		runBackground(usecase.RecordHistory{Source: bridge, Store: history, Logger: logger}.Run)
	}

	redisClient := connectRedis(rootCtx, cfg, logger)
	if redisClient != nil {
		mirror := redisrepo.NewStatusMirror(redisClient)
		runBackground(usecase.MirrorStatus{Source: coordinator, Mirror: mirror, Logger: logger}.Run)
	}

	handler := apihttp.NewServer(coordinator, opts...)
	runBackground(func(ctx context.Context) { forwardUpdates(ctx, coordinator, bridge, store, handler) })

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server started", slog.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", slog.String("error", err.Error()))
	}
	handler.Close()
	bridge.Close()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("cache shutdown failed", slog.String("error", err.Error()))
	}
	background.Wait()

	if redisClient != nil {
		_ = redisClient.Close()
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			logger.Warn("mongo disconnect failed", slog.String("error", err.Error()))
		}
	}
	logger.Info("shutdown complete")
}

// connectMongo returns nil when history is disabled or the server is
// unreachable; the daemon keeps running without it.
func connectMongo(ctx context.Context, cfg app.Config, logger *slog.Logger) *mongo.Client {
	if cfg.MongoURI == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Warn("mongo connect failed, listening history disabled", slog.String("error", err.Error()))
		return nil
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		logger.Warn("mongo ping failed, listening history disabled", slog.String("error", err.Error()))
		_ = client.Disconnect(context.Background())
		return nil
	}
	logger.Info("mongo connected", slog.String("database", cfg.MongoDatabase))
	return client
}

func connectRedis(ctx context.Context, cfg app.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, status mirror disabled", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, status mirror disabled", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return client
}

// forwardUpdates pushes snapshot and status changes to WebSocket clients and
// samples the store size gauge.
func forwardUpdates(ctx context.Context, coordinator *cache.Coordinator, bridge *playback.Bridge, store *memory.Store, handler *apihttp.Server) {
	snapshots, unsubSnap := bridge.Subscribe()
	defer unsubSnap()
	conns, unsubConn := bridge.SubscribeConnection()
	defer unsubConn()
	statuses, unsubStatus := coordinator.Subscribe()
	defer unsubStatus()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			handler.BroadcastPlayback(snap)
		case _, ok := <-conns:
			if !ok {
				return
			}
			handler.BroadcastPlayback(bridge.Snapshot())
		case table, ok := <-statuses:
			if !ok {
				return
			}
			handler.BroadcastCacheStatus(table)
		case <-ticker.C:
			metrics.CacheStoreBytes.Set(float64(store.Size()))
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	handlerOpts := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
