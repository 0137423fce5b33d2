package stream

import (
	"sync"
	"sync/atomic"
)

// Subject is a multicast stream that remembers its latest value.
//
// Delivery rules:
//   - new subscribers receive the latest value (if any) before anything else
//   - one goroutine drains at a time; a Publish that arrives while another
//     goroutine is delivering is handed over to that goroutine
//   - pending values conflate: a slow round of delivery only ever leaves the
//     newest value behind, never a backlog
//   - every subscriber observes values in publish order, without repeats
//
// A subscriber callback may Publish or Subscribe on the same Subject; the
// call returns immediately and the active drain loop picks the work up.
type Subject[T any] struct {
	mu       sync.Mutex
	subs     map[uint64]*subscriber[T]
	nextID   uint64
	value    T
	version  uint64 // 0 means no value yet
	seq      uint64 // highest sequence accepted by PublishNewer
	draining bool
	closed   bool
	equal    func(a, b T) bool
}

type subscriber[T any] struct {
	fn     func(T)
	seen   uint64
	active atomic.Bool
}

// NewSubject returns an empty Subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[uint64]*subscriber[T])}
}

// NewDistinctSubject returns a Subject that drops a value equal to the
// current one.
func NewDistinctSubject[T comparable]() *Subject[T] {
	s := NewSubject[T]()
	s.equal = func(a, b T) bool { return a == b }
	return s
}

// Publish stores v as the latest value and delivers it.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	if s.closed || (s.equal != nil && s.version > 0 && s.equal(s.value, v)) {
		s.mu.Unlock()
		return
	}
	s.value = v
	s.version++
	s.drainLocked()
}

// PublishNewer publishes v only if seq is greater than every sequence
// number previously accepted. Producers that compute values under their own
// lock but publish outside of it use this to stop a slower, older
// computation from overwriting a newer one.
func (s *Subject[T]) PublishNewer(v T, seq uint64) {
	s.mu.Lock()
	if s.closed || seq <= s.seq {
		s.mu.Unlock()
		return
	}
	s.seq = seq
	if s.equal != nil && s.version > 0 && s.equal(s.value, v) {
		s.mu.Unlock()
		return
	}
	s.value = v
	s.version++
	s.drainLocked()
}

// Latest returns the current value and whether one was ever published.
func (s *Subject[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.version > 0
}

// Subscribe registers fn. If the Subject already holds a value, fn receives
// it first.
func (s *Subject[T]) Subscribe(fn func(T)) Subscription {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Noop
	}

	id := s.nextID
	s.nextID++
	sub := &subscriber[T]{fn: fn}
	sub.active.Store(true)
	s.subs[id] = sub
	s.drainLocked()

	return OnUnsubscribe(func() {
		sub.active.Store(false)
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})
}

// Len reports the number of attached subscribers.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close detaches every subscriber. Later Publish and Subscribe calls are
// ignored.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, sub := range s.subs {
		sub.active.Store(false)
		delete(s.subs, id)
	}
}

// drainLocked delivers the latest value to every subscriber that has not
// seen it yet. It must be called with s.mu held and releases it.
func (s *Subject[T]) drainLocked() {
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true

	for s.version > 0 && !s.closed {
		var due []*subscriber[T]
		for _, sub := range s.subs {
			if sub.seen < s.version {
				due = append(due, sub)
			}
		}
		if len(due) == 0 {
			break
		}

		v, version := s.value, s.version
		for _, sub := range due {
			sub.seen = version
		}

		s.mu.Unlock()
		for _, sub := range due {
			if sub.active.Load() {
				sub.fn(v)
			}
		}
		s.mu.Lock()
	}

	s.draining = false
	s.mu.Unlock()
}
