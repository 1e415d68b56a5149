// Package observable holds a current value and fans every change out to
// subscribers. Subscribers always converge on the latest value: a slow
// reader skips intermediate values instead of blocking the publisher.
package observable

import "sync"

type Value[T any] struct {
	mu    sync.Mutex
	cur   T
	equal func(a, b T) bool
	subs  map[*subscriber[T]]struct{}
}

type subscriber[T any] struct {
	ch   chan T
	once sync.Once
}

// New returns a Value holding initial. equal decides whether a Set is a
// change; nil means every Set publishes.
func New[T any](initial T, equal func(a, b T) bool) *Value[T] {
	return &Value[T]{
		cur:   initial,
		equal: equal,
		subs:  make(map[*subscriber[T]]struct{}),
	}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set publishes next unless it equals the current value. It reports
// whether subscribers were notified.
func (v *Value[T]) Set(next T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.setLocked(next)
}

// Update applies fn to the current value and publishes the result under
// one lock, so concurrent updates never interleave.
func (v *Value[T]) Update(fn func(T) T) (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := fn(v.cur)
	changed := v.setLocked(next)
	return v.cur, changed
}

func (v *Value[T]) setLocked(next T) bool {
	if v.equal != nil && v.equal(v.cur, next) {
		return false
	}
	v.cur = next
	for s := range v.subs {
		// Only publishers send, and they hold mu, so after draining a
		// stale value the send below cannot block.
		select {
		case <-s.ch:
		default:
		}
		s.ch <- next
	}
	return true
}

// Subscribe returns a channel that first yields the current value and then
// every later change. The returned func unsubscribes and closes the channel;
// it is safe to call more than once.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{ch: make(chan T, 1)}
	v.mu.Lock()
	s.ch <- v.cur
	v.subs[s] = struct{}{}
	v.mu.Unlock()

	return s.ch, func() {
		s.once.Do(func() {
			v.mu.Lock()
			delete(v.subs, s)
			close(s.ch)
			v.mu.Unlock()
		})
	}
}

func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}
