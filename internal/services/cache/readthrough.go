package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"trackstream/internal/domain"
	"trackstream/internal/domain/ports"
)

// RangeStore is a byte store that can report contiguous cached runs.
type RangeStore interface {
	ports.ByteStore
	CachedLength(locator string, off int64) int64
}

// SizeTracker wraps a fetcher and remembers the total length each origin
// reports, so later readers can answer with a full Content-Range.
type SizeTracker struct {
	next ports.Fetcher

	mu    sync.RWMutex
	sizes map[string]int64
}

func NewSizeTracker(next ports.Fetcher) *SizeTracker {
	return &SizeTracker{next: next, sizes: make(map[string]int64)}
}

func (t *SizeTracker) Fetch(ctx context.Context, locator string, r domain.Range) (io.ReadCloser, int64, error) {
	body, total, err := t.next.Fetch(ctx, locator, r)
	if err == nil && total >= 0 {
		t.mu.Lock()
		t.sizes[locator] = total
		t.mu.Unlock()
	}
	return body, total, err
}

func (t *SizeTracker) Size(locator string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	size, ok := t.sizes[locator]
	return size, ok
}

// ReadThrough serves a resource from the store where bytes are cached and
// from the fetcher where they are not, writing fetched bytes back.
type ReadThrough struct {
	fetcher *SizeTracker
	store   RangeStore
}

func NewReadThrough(fetcher *SizeTracker, store RangeStore) *ReadThrough {
	return &ReadThrough{fetcher: fetcher, store: store}
}

// Size returns the resource length if any fetch has reported it.
func (rt *ReadThrough) Size(locator string) (int64, bool) {
	return rt.fetcher.Size(locator)
}

// Probe returns the resource length, asking the origin for a single byte
// when no fetch has reported it yet. It returns -1 when the origin does not
// report a total.
func (rt *ReadThrough) Probe(ctx context.Context, locator string) (int64, error) {
	if size, ok := rt.fetcher.Size(locator); ok {
		return size, nil
	}
	body, total, err := rt.fetcher.Fetch(ctx, locator, domain.Range{Off: 0, Length: 1})
	if err != nil {
		return 0, fmt.Errorf("probe: %w", err)
	}
	_ = body.Close()
	return total, nil
}

// Open returns a reader over [off, off+length). length <= 0 reads to the
// end of the resource.
func (rt *ReadThrough) Open(ctx context.Context, locator string, off, length int64) (*Reader, error) {
	if off < 0 {
		return nil, fmt.Errorf("negative offset %d", off)
	}
	end := int64(-1)
	if length > 0 {
		end = off + length
	}
	if size, ok := rt.fetcher.Size(locator); ok {
		if off >= size && size > 0 {
			return nil, io.EOF
		}
		if end < 0 || end > size {
			end = size
		}
	}
	return &Reader{ctx: ctx, rt: rt, locator: locator, pos: off, end: end}, nil
}

type Reader struct {
	ctx     context.Context
	rt      *ReadThrough
	locator string
	pos     int64
	end     int64 // -1 while unknown

	upstream    io.ReadCloser
	upstreamPos int64
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.end >= 0 && r.pos >= r.end {
		return 0, io.EOF
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.end >= 0 && int64(len(p)) > r.end-r.pos {
		p = p[:r.end-r.pos]
	}

	if cached := r.rt.store.CachedLength(r.locator, r.pos); cached > 0 {
		if int64(len(p)) > cached {
			p = p[:cached]
		}
		n, err := r.rt.store.ReadAt(r.locator, p, r.pos)
		r.pos += int64(n)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotCached) {
			return 0, err
		}
	}

	if r.upstream != nil && r.upstreamPos != r.pos {
		r.closeUpstream()
	}
	if r.upstream == nil {
		if err := r.openUpstream(); err != nil {
			return 0, err
		}
	}

	n, err := r.upstream.Read(p)
	if n > 0 {
		// A failed write-back only costs a future cache hit.
		_, _ = r.rt.store.WriteAt(r.locator, p[:n], r.pos)
		r.pos += int64(n)
		r.upstreamPos = r.pos
	}
	if errors.Is(err, io.EOF) {
		r.closeUpstream()
		if r.end < 0 || r.pos < r.end {
			r.end = r.pos
		}
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, err
}

func (r *Reader) openUpstream() error {
	rng := domain.Range{Off: r.pos}
	if r.end >= 0 {
		rng.Length = r.end - r.pos
	}
	body, total, err := r.rt.fetcher.Fetch(r.ctx, r.locator, rng)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if total >= 0 && (r.end < 0 || r.end > total) {
		r.end = total
	}
	r.upstream = body
	r.upstreamPos = r.pos
	return nil
}

func (r *Reader) closeUpstream() {
	if r.upstream != nil {
		_ = r.upstream.Close()
		r.upstream = nil
	}
}

// End returns the exclusive end offset, -1 while unknown.
func (r *Reader) End() int64 {
	return r.end
}

func (r *Reader) Close() error {
	r.closeUpstream()
	return nil
}
