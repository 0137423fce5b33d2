package stream

import "sync"

// StartFunc starts the producer for key. It publishes into out and returns
// a function that stops the producer. It runs once per live entry.
type StartFunc[K comparable, T any] func(key K, out *Subject[T]) (stop func())

// Shared is a keyed registry of reference-counted streams.
//
// The first subscriber for a key starts the producer; later subscribers for
// the same key attach to the same Subject and immediately receive its latest
// value. When the last subscriber leaves, the producer is stopped and the
// entry is dropped, so a later subscriber starts from scratch.
//
//	unread := stream.NewShared(func(k key, out *stream.Subject[int]) func() {
//	    ... subscribe upstream, out.Publish(n) ...
//	    return cancelUpstream
//	})
//	sub := unread.Stream(k).Subscribe(render)
//	defer sub.Unsubscribe()
type Shared[K comparable, T any] struct {
	mu      sync.Mutex
	entries map[K]*sharedEntry[T]
	start   StartFunc[K, T]
	newOut  func() *Subject[T]

	// OnOpen and OnClose, if set, observe entry lifetimes (metrics).
	OnOpen  func()
	OnClose func()
}

type sharedEntry[T any] struct {
	out  *Subject[T]
	refs int

	mu      sync.Mutex
	started bool
	dead    bool
	stop    func()
}

// NewShared returns a registry whose entries publish through a plain
// Subject.
func NewShared[K comparable, T any](start StartFunc[K, T]) *Shared[K, T] {
	return &Shared[K, T]{
		entries: make(map[K]*sharedEntry[T]),
		start:   start,
		newOut:  NewSubject[T],
	}
}

// NewDistinctShared is NewShared with deduplicating Subjects.
func NewDistinctShared[K comparable, T comparable](start StartFunc[K, T]) *Shared[K, T] {
	s := NewShared(start)
	s.newOut = NewDistinctSubject[T]
	return s
}

// Stream returns the shared stream for key. Nothing starts until the first
// Subscribe.
func (s *Shared[K, T]) Stream(key K) Stream[T] {
	return Func[T](func(fn func(T)) Subscription {
		return s.subscribe(key, fn)
	})
}

func (s *Shared[K, T]) subscribe(key K, fn func(T)) Subscription {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &sharedEntry[T]{out: s.newOut()}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	if !ok && s.OnOpen != nil {
		s.OnOpen()
	}

	// Producers start outside the registry lock: a producer may deliver
	// its first value synchronously, and that delivery may reach code that
	// subscribes to another key of this registry.
	e.mu.Lock()
	if !e.started && !e.dead {
		e.started = true
		e.stop = s.start(key, e.out)
	}
	e.mu.Unlock()

	inner := e.out.Subscribe(fn)
	return OnUnsubscribe(func() {
		inner.Unsubscribe()
		s.release(key, e)
	})
}

func (s *Shared[K, T]) release(key K, e *sharedEntry[T]) {
	s.mu.Lock()
	e.refs--
	last := e.refs <= 0
	if last && s.entries[key] == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if last {
		s.shutdown(e)
	}
}

func (s *Shared[K, T]) shutdown(e *sharedEntry[T]) {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return
	}
	e.dead = true
	stop := e.stop
	e.stop = nil
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	e.out.Close()

	if s.OnClose != nil {
		s.OnClose()
	}
}

// Len reports the number of live entries.
func (s *Shared[K, T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Refs reports how many subscribers hold key.
func (s *Shared[K, T]) Refs(key K) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Clear stops every producer and detaches every subscriber.
// Outstanding Subscriptions stay valid to Unsubscribe.
func (s *Shared[K, T]) Clear() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[K]*sharedEntry[T])
	s.mu.Unlock()

	for _, e := range entries {
		s.shutdown(e)
	}
}
