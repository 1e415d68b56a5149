package memory

import (
	"container/list"
	"errors"
	"sort"
	"sync"

	"trackstream/internal/domain"
)

const (
	DefaultMaxBytes = 100 << 20

	// Appends that extend a span past this size start a new span instead,
	// so eviction never has to drop a whole resource at once.
	maxSpanBytes = 1 << 20
)

// Store is a bounded in-memory byte cache keyed by locator. Bytes are held
// as spans of contiguous data; the least recently used span is evicted
// first once the byte budget is exceeded.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List

	maxBytes int64
	curBytes int64
	onEvict  []func(locator string)
}

type entry struct {
	spans []*span // sorted by off, never overlapping
}

type span struct {
	locator string
	off     int64
	data    []byte
	elem    *list.Element
}

func (s *span) end() int64 { return s.off + int64(len(s.data)) }

type StoreOption func(*Store)

func WithMaxBytes(max int64) StoreOption {
	return func(s *Store) {
		if max > 0 {
			s.maxBytes = max
		}
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries:  make(map[string]*entry),
		lru:      list.New(),
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) MaxBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBytes
}

func (s *Store) SetMaxBytes(max int64) {
	if max < 0 {
		max = 0
	}
	s.mu.Lock()
	s.maxBytes = max
	evicted := s.evictLocked()
	hooks := s.onEvict
	s.mu.Unlock()
	notify(hooks, evicted)
}

// Size returns the number of bytes currently held.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBytes
}

// OnEvict registers fn to be called, outside the store lock, with each
// locator that lost bytes to eviction.
func (s *Store) OnEvict(fn func(locator string)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onEvict = append(s.onEvict, fn)
	s.mu.Unlock()
}

func (s *Store) WriteAt(locator string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if len(p) == 0 {
		return 0, nil
	}
	maxInt := int64(^uint(0) >> 1)
	if off > maxInt-int64(len(p)) {
		return 0, errors.New("offset too large")
	}

	s.mu.Lock()
	e := s.entries[locator]
	if e == nil {
		e = &entry{}
		s.entries[locator] = e
	}
	s.writeLocked(locator, e, p, off)
	evicted := s.evictLocked()
	hooks := s.onEvict
	s.mu.Unlock()

	notify(hooks, evicted)
	return len(p), nil
}

func (s *Store) writeLocked(locator string, e *entry, p []byte, off int64) {
	end := off + int64(len(p))

	// Sequential write-through appends to the span it continues.
	for _, sp := range e.spans {
		if sp.end() == off && len(sp.data)+len(p) <= maxSpanBytes && !s.overlapsLocked(e, off, end) {
			sp.data = append(sp.data, p...)
			s.curBytes += int64(len(p))
			s.lru.MoveToFront(sp.elem)
			return
		}
	}

	// Merge every span overlapping [off, end); new bytes win.
	start, stop := off, end
	kept := e.spans[:0:0]
	var merged []*span
	for _, sp := range e.spans {
		if sp.off < end && sp.end() > off {
			merged = append(merged, sp)
			if sp.off < start {
				start = sp.off
			}
			if sp.end() > stop {
				stop = sp.end()
			}
			continue
		}
		kept = append(kept, sp)
	}

	buf := make([]byte, stop-start)
	for _, sp := range merged {
		copy(buf[sp.off-start:], sp.data)
		s.lru.Remove(sp.elem)
		s.curBytes -= int64(len(sp.data))
	}
	copy(buf[off-start:], p)

	ns := &span{locator: locator, off: start, data: buf}
	ns.elem = s.lru.PushFront(ns)
	s.curBytes += int64(len(buf))

	kept = append(kept, ns)
	sort.Slice(kept, func(i, j int) bool { return kept[i].off < kept[j].off })
	e.spans = kept
}

func (s *Store) overlapsLocked(e *entry, off, end int64) bool {
	for _, sp := range e.spans {
		if sp.off < end && sp.end() > off {
			return true
		}
	}
	return false
}

// ReadAt copies cached bytes starting at off into p. When the cached run
// starting at off is shorter than p, it returns the bytes it has together
// with domain.ErrNotCached.
func (s *Store) ReadAt(locator string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[locator]
	if e == nil {
		return 0, domain.ErrNotCached
	}
	n := 0
	pos := off
	for _, sp := range e.spans {
		if n == len(p) {
			break
		}
		if sp.end() <= pos {
			continue
		}
		if sp.off > pos {
			break
		}
		c := copy(p[n:], sp.data[pos-sp.off:])
		n += c
		pos += int64(c)
		s.lru.MoveToFront(sp.elem)
	}
	if n < len(p) {
		return n, domain.ErrNotCached
	}
	return n, nil
}

// IsCached reports whether every byte of [off, off+length) is held.
func (s *Store) IsCached(locator string, off, length int64) bool {
	if length <= 0 {
		return true
	}
	return s.CachedLength(locator, off) >= length
}

// CachedLength returns how many contiguous bytes are held starting at off.
func (s *Store) CachedLength(locator string, off int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[locator]
	if e == nil {
		return 0
	}
	pos := off
	for _, sp := range e.spans {
		if sp.end() <= pos {
			continue
		}
		if sp.off > pos {
			break
		}
		pos = sp.end()
	}
	return pos - off
}

// CachedBytes returns the total bytes held for locator.
func (s *Store) CachedBytes(locator string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[locator]
	if e == nil {
		return 0
	}
	var total int64
	for _, sp := range e.spans {
		total += int64(len(sp.data))
	}
	return total
}

func (s *Store) Remove(locator string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[locator]
	if e == nil {
		return
	}
	for _, sp := range e.spans {
		s.lru.Remove(sp.elem)
		s.curBytes -= int64(len(sp.data))
	}
	delete(s.entries, locator)
}

func (s *Store) evictLocked() []string {
	if s.maxBytes <= 0 {
		return nil
	}
	var evicted []string
	seen := make(map[string]struct{})
	for s.curBytes > s.maxBytes {
		back := s.lru.Back()
		if back == nil {
			break
		}
		sp, _ := back.Value.(*span)
		s.lru.Remove(back)
		if sp == nil {
			continue
		}
		s.curBytes -= int64(len(sp.data))

		e := s.entries[sp.locator]
		if e != nil {
			for i, cand := range e.spans {
				if cand == sp {
					e.spans = append(e.spans[:i], e.spans[i+1:]...)
					break
				}
			}
			if len(e.spans) == 0 {
				delete(s.entries, sp.locator)
			}
		}
		if _, ok := seen[sp.locator]; !ok {
			seen[sp.locator] = struct{}{}
			evicted = append(evicted, sp.locator)
		}
	}
	return evicted
}

func notify(hooks []func(string), locators []string) {
	for _, loc := range locators {
		for _, fn := range hooks {
			fn(loc)
		}
	}
}
