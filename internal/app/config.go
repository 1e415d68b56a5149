package app

import (
	"net"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr           string
	LogLevel           string
	LogFormat          string
	CORSAllowedOrigins []string
	RateLimitRPS       int64
	RateLimitBurst     int64
	// StreamBaseURL is how the player reaches this server's /stream
	// endpoint. Derived from HTTPAddr when unset.
	StreamBaseURL string

	CacheMaxBytes          int64
	CachePrecacheBytes     int64
	CacheWorkers           int
	CacheInvalidateOnEvict bool

	FetchTimeoutSeconds int64
	FetchMaxAttempts    int
	FetchRateLimitRPS   int64 // 0 = unlimited

	PlaybackPollIntervalMs int64
	MPVPath                string
	MPVSocket              string // attach instead of spawning when set

	MongoURI      string // empty disables listening history
	MongoDatabase string
	RedisURL      string // empty disables the status mirror
}

func LoadConfig() Config {
	httpAddr := getEnv("HTTP_ADDR", ":8080")
	return Config{
		HTTPAddr:           httpAddr,
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		CORSAllowedOrigins: parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitRPS:       getEnvInt64("HTTP_RATE_LIMIT_RPS", 100),
		RateLimitBurst:     getEnvInt64("HTTP_RATE_LIMIT_BURST", 200),
		StreamBaseURL:      strings.TrimRight(getEnv("STREAM_BASE_URL", streamBaseFromAddr(httpAddr)), "/"),

		CacheMaxBytes:          getEnvInt64("CACHE_MAX_BYTES", 100<<20),
		CachePrecacheBytes:     getEnvInt64("CACHE_PRECACHE_BYTES", 512<<10),
		CacheWorkers:           int(getEnvInt64("CACHE_WORKERS", 4)),
		CacheInvalidateOnEvict: getEnvBool("CACHE_INVALIDATE_ON_EVICT", false),

		FetchTimeoutSeconds: getEnvInt64("FETCH_TIMEOUT_SECONDS", 30),
		FetchMaxAttempts:    int(getEnvInt64("FETCH_MAX_ATTEMPTS", 3)),
		FetchRateLimitRPS:   getEnvInt64("FETCH_RATE_LIMIT_RPS", 0),

		PlaybackPollIntervalMs: getEnvInt64("PLAYBACK_POLL_INTERVAL_MS", 500),
		MPVPath:                getEnv("MPV_PATH", "mpv"),
		MPVSocket:              strings.TrimSpace(os.Getenv("MPV_SOCKET")),

		MongoURI:      strings.TrimSpace(os.Getenv("MONGO_URI")),
		MongoDatabase: getEnv("MONGO_DB", "trackstream"),
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// streamBaseFromAddr turns a listen address into a loopback URL.
func streamBaseFromAddr(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || port == "" {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
