// Package stream provides push-based value streams with explicit
// subscribe/unsubscribe, multi-subscriber fan-out and reference-counted
// sharing.
//
// A Stream never pulls: producers push values, subscribers receive them in
// their callback. The building blocks are:
//
//   - Subject: a multicast holder of the latest value
//   - Shared:  a keyed registry that starts one producer per key on the first
//     subscriber and stops it when the last subscriber leaves
//   - Window:  a coalescing timer that collapses bursts into one emission
package stream

import "sync"

// Stream is a push-based source of values of type T.
type Stream[T any] interface {
	// Subscribe registers fn and returns a handle to detach it.
	// fn may be called from any goroutine but never concurrently with
	// itself for the same subscription.
	Subscribe(fn func(T)) Subscription
}

// Subscription detaches a subscriber. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Func adapts a plain function to the Stream interface.
type Func[T any] func(fn func(T)) Subscription

// Subscribe calls f.
func (f Func[T]) Subscribe(fn func(T)) Subscription {
	return f(fn)
}

// OnUnsubscribe returns a Subscription that runs fn the first time it is
// unsubscribed.
func OnUnsubscribe(fn func()) Subscription {
	return &onceSubscription{fn: fn}
}

type onceSubscription struct {
	once sync.Once
	fn   func()
}

func (s *onceSubscription) Unsubscribe() {
	s.once.Do(s.fn)
}

// Noop is a Subscription that does nothing.
var Noop Subscription = OnUnsubscribe(func() {})

// Map returns a stream that applies f to every value of src.
func Map[T, U any](src Stream[T], f func(T) U) Stream[U] {
	return Func[U](func(fn func(U)) Subscription {
		return src.Subscribe(func(v T) { fn(f(v)) })
	})
}

// Collect subscribes to src and stores every value it receives.
// Intended for tests and debugging tools.
type Collector[T any] struct {
	mu     sync.Mutex
	values []T
	sub    Subscription
}

// Collect starts collecting src.
func Collect[T any](src Stream[T]) *Collector[T] {
	c := &Collector[T]{}
	c.sub = src.Subscribe(func(v T) {
		c.mu.Lock()
		c.values = append(c.values, v)
		c.mu.Unlock()
	})
	return c
}

// Values returns a copy of everything received so far.
func (c *Collector[T]) Values() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]T, len(c.values))
	copy(out, c.values)
	return out
}

// Len reports how many values were received.
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

// Last returns the most recent value, if any.
func (c *Collector[T]) Last() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.values) == 0 {
		var zero T
		return zero, false
	}
	return c.values[len(c.values)-1], true
}

// Stop detaches the collector.
func (c *Collector[T]) Stop() {
	c.sub.Unsubscribe()
}
