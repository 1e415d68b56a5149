package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"trackstream/internal/domain"
	"trackstream/internal/domain/ports"
	"trackstream/internal/metrics"
	"trackstream/internal/observable"
)

const (
	DefaultPrecacheBytes = 512 << 10
	defaultWorkers       = 4
	copyChunkBytes       = 32 << 10
)

type Config struct {
	Fetcher       ports.Fetcher
	Store         ports.ByteStore
	Logger        *slog.Logger
	Workers       int
	PrecacheBytes int64
	// Evictions, when set, reverts Cached entries to NotCached as soon as
	// the store evicts any of their bytes.
	Evictions ports.EvictionSource
}

// Coordinator prefetches the leading bytes of remote resources into the
// byte store and publishes per-locator cache status.
type Coordinator struct {
	fetcher  ports.Fetcher
	store    ports.ByteStore
	logger   *slog.Logger
	precache int64
	sem      *semaphore.Weighted
	tracer   trace.Tracer

	statuses *observable.Value[domain.StatusTable]

	mu      sync.Mutex
	jobs    map[string]*job
	extents map[string]int64 // resources shorter than the length asked for
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	precache := cfg.PrecacheBytes
	if precache <= 0 {
		precache = DefaultPrecacheBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		fetcher:  cfg.Fetcher,
		store:    cfg.Store,
		logger:   logger,
		precache: precache,
		sem:      semaphore.NewWeighted(int64(workers)),
		tracer:   otel.Tracer("trackstream/cache"),
		statuses: observable.New(domain.StatusTable{}, domain.StatusTable.Equal),
		jobs:     make(map[string]*job),
		extents:  make(map[string]int64),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.Evictions != nil {
		cfg.Evictions.OnEvict(func(locator string) {
			metrics.CacheEvictionsTotal.Inc()
			c.invalidate(locator)
		})
	}
	return c
}

// RequestPrefetch starts caching the first length bytes of locator
// (PrecacheBytes when length <= 0). It is a no-op while the locator is
// Caching or Cached. A task that has not started yet is cancelled and
// replaced; the replacement waits for it to finish before touching the store.
// Failures surface only through the status table.
func (c *Coordinator) RequestPrefetch(locator string, length int64) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return
	}
	if length <= 0 {
		length = c.precache
	}

	if c.Status(locator).Busy() {
		metrics.PrefetchRequestsTotal.WithLabelValues("skipped").Inc()
		c.logger.Debug("prefetch skipped", slog.String("locator", locator))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.jobs[locator]
	if prev != nil {
		prev.cancel()
		metrics.PrefetchRequestsTotal.WithLabelValues("superseded").Inc()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	c.jobs[locator] = j
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.PrefetchRequestsTotal.WithLabelValues("started").Inc()
	go c.run(ctx, locator, length, j, prev)
}

func (c *Coordinator) run(ctx context.Context, locator string, length int64, j *job, prev *job) {
	defer c.wg.Done()
	defer close(j.done)
	defer c.finish(locator, j)

	if prev != nil {
		<-prev.done
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		metrics.PrefetchOutcomesTotal.WithLabelValues("cancelled").Inc()
		return
	}
	defer c.sem.Release(1)
	if ctx.Err() != nil {
		metrics.PrefetchOutcomesTotal.WithLabelValues("cancelled").Inc()
		return
	}

	ctx, span := c.tracer.Start(ctx, "cache.prefetch", trace.WithAttributes(
		attribute.String("cache.locator", locator),
		attribute.Int64("cache.length", length),
	))
	defer span.End()

	c.setStatus(locator, domain.CacheCaching)
	metrics.PrefetchActive.Inc()
	defer metrics.PrefetchActive.Dec()

	start := time.Now()
	err := c.prefetch(ctx, locator, length)
	switch {
	case err == nil:
		c.setStatus(locator, domain.CacheCached)
		metrics.PrefetchOutcomesTotal.WithLabelValues("cached").Inc()
		metrics.PrefetchDuration.Observe(time.Since(start).Seconds())
		c.logger.Debug("prefetch complete",
			slog.String("locator", locator),
			slog.Duration("elapsed", time.Since(start)))
	case ctx.Err() != nil:
		c.setStatus(locator, domain.CacheNotCached)
		metrics.PrefetchOutcomesTotal.WithLabelValues("cancelled").Inc()
		c.logger.Debug("prefetch cancelled", slog.String("locator", locator))
	default:
		c.setStatus(locator, domain.CacheError)
		metrics.PrefetchOutcomesTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("prefetch failed",
			slog.String("locator", locator),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) prefetch(ctx context.Context, locator string, length int64) error {
	if c.store.IsCached(locator, 0, length) {
		return nil
	}

	body, total, err := c.fetcher.Fetch(ctx, locator, domain.Range{Off: 0, Length: length})
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer body.Close()

	want := length
	if total >= 0 && total < want {
		want = total
	}
	n, err := writeThrough(ctx, c.store, locator, body, 0, want)
	if err != nil {
		return err
	}
	if !c.store.IsCached(locator, 0, want) {
		return fmt.Errorf("%w: %d of %d bytes", domain.ErrIncompleteRange, n, want)
	}
	if want < length {
		c.mu.Lock()
		c.extents[locator] = want
		c.mu.Unlock()
	}
	return nil
}

// verifyLength bounds length by the resource size when a prefetch found
// the resource to be shorter.
func (c *Coordinator) verifyLength(locator string, length int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if extent, ok := c.extents[locator]; ok && extent < length {
		return extent
	}
	return length
}

// writeThrough copies up to length bytes from r into the store at off.
// A short body is not an error here; callers verify presence afterwards.
func writeThrough(ctx context.Context, store ports.ByteStore, locator string, r io.Reader, off, length int64) (int64, error) {
	buf := make([]byte, copyChunkBytes)
	var written int64
	for written < length {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := r.Read(buf[:min(int64(len(buf)), length-written)])
		if n > 0 {
			if _, werr := store.WriteAt(locator, buf[:n], off+written); werr != nil {
				return written, fmt.Errorf("store write: %w", werr)
			}
			written += int64(n)
			metrics.PrefetchBytesTotal.Add(float64(n))
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("read: %w", err)
		}
	}
	return written, nil
}

func (c *Coordinator) finish(locator string, j *job) {
	j.cancel()
	c.mu.Lock()
	if c.jobs[locator] == j {
		delete(c.jobs, locator)
	}
	c.mu.Unlock()
}

func (c *Coordinator) setStatus(locator string, status domain.CacheStatus) {
	c.statuses.Update(func(t domain.StatusTable) domain.StatusTable {
		return t.With(locator, status)
	})
}

// invalidate reverts a Cached locator to NotCached. Entries in any other
// status are left alone so running tasks keep ownership of them.
func (c *Coordinator) invalidate(locator string) {
	c.statuses.Update(func(t domain.StatusTable) domain.StatusTable {
		if t.Get(locator) != domain.CacheCached {
			return t
		}
		return t.With(locator, domain.CacheNotCached)
	})
}

// Verify checks the store for the first length bytes of locator (the whole
// resource when it is shorter) and reverts a stale Cached status when they
// are gone.
func (c *Coordinator) Verify(locator string, length int64) bool {
	if length <= 0 {
		length = c.precache
	}
	length = c.verifyLength(locator, length)
	if c.store.IsCached(locator, 0, length) {
		return true
	}
	c.invalidate(locator)
	return false
}

func (c *Coordinator) Statuses() domain.StatusTable {
	return c.statuses.Get()
}

func (c *Coordinator) Status(locator string) domain.CacheStatus {
	return c.statuses.Get().Get(locator)
}

// Subscribe streams status tables, starting with the current one.
func (c *Coordinator) Subscribe() (<-chan domain.StatusTable, func()) {
	return c.statuses.Subscribe()
}

func (c *Coordinator) ActiveTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *Coordinator) PrecacheBytes() int64 {
	return c.precache
}

// Shutdown cancels every task and waits for them to unwind.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
