package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trackstream",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	PrefetchRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "prefetch_requests_total",
		Help:      "Prefetch requests by result (started, skipped, superseded).",
	}, []string{"result"})

	PrefetchOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "prefetch_outcomes_total",
		Help:      "Finished prefetch tasks by outcome (cached, error, cancelled).",
	}, []string{"outcome"})

	PrefetchActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackstream",
		Name:      "prefetch_active",
		Help:      "Number of prefetch tasks currently holding a worker.",
	})

	PrefetchBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "prefetch_bytes_total",
		Help:      "Bytes written into the cache by write-through reads.",
	})

	PrefetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trackstream",
		Name:      "prefetch_duration_seconds",
		Help:      "Duration of successful prefetch tasks in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	CacheStoreBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackstream",
		Name:      "cache_store_bytes",
		Help:      "Bytes currently held by the in-memory cache store.",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "cache_evictions_total",
		Help:      "Locators that lost cached bytes to LRU eviction.",
	})

	PlaybackSnapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "playback_snapshots_published_total",
		Help:      "Playback snapshots published to observers.",
	})

	PlaybackConnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "playback_connects_total",
		Help:      "Media session connection attempts by result.",
	}, []string{"result"})

	PlaybackCommandErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackstream",
		Name:      "playback_command_errors_total",
		Help:      "Failed transport commands by command name.",
	}, []string{"command"})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trackstream",
		Name:      "ws_clients",
		Help:      "Number of connected WebSocket clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PrefetchRequestsTotal,
		PrefetchOutcomesTotal,
		PrefetchActive,
		PrefetchBytesTotal,
		PrefetchDuration,
		CacheStoreBytes,
		CacheEvictionsTotal,
		PlaybackSnapshotsTotal,
		PlaybackConnectsTotal,
		PlaybackCommandErrorsTotal,
		WSClients,
	)
}
