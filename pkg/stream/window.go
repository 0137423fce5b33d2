package stream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Window coalesces bursts of values into at most one emission per period.
//
// The first Push in an idle window arms a timer; later Pushes only replace
// the pending value. When the timer fires the latest pending value is
// emitted and the window goes idle again, so the next Push re-arms it.
// Only the newest value is retained, never a backlog.
//
//	w := stream.NewWindow(clk, 300*time.Millisecond, publish)
//	for range burst { w.Push(recount()) } // one publish, 300ms later
type Window[T any] struct {
	clock  clock.Clock
	period time.Duration
	emit   func(T)

	mu      sync.Mutex
	timer   *clock.Timer
	pending T
	armed   bool
	stopped bool
	gen     uint64
}

// NewWindow returns an idle Window. emit runs on the timer goroutine (or on
// the caller of Flush) and never while the Window's lock is held.
func NewWindow[T any](clk clock.Clock, period time.Duration, emit func(T)) *Window[T] {
	return &Window[T]{clock: clk, period: period, emit: emit}
}

// Push records v as the pending value. It reports whether v joined an
// already armed window (i.e. was coalesced with an earlier value).
func (w *Window[T]) Push(v T) (coalesced bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return false
	}

	w.pending = v
	if w.armed {
		return true
	}

	w.armed = true
	w.gen++
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.period, func() { w.fire(gen) })
	return false
}

// Flush cancels any armed timer and emits v right away.
func (w *Window[T]) Flush(v T) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.disarmLocked()
	w.mu.Unlock()

	w.emit(v)
}

// Stop cancels the timer. The Window ignores every later call.
func (w *Window[T]) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.disarmLocked()
	w.stopped = true
}

func (w *Window[T]) disarmLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.armed = false
	// a timer that already fired but has not taken the lock yet sees a
	// stale generation and drops its value
	w.gen++
}

func (w *Window[T]) fire(gen uint64) {
	w.mu.Lock()
	if w.stopped || !w.armed || gen != w.gen {
		w.mu.Unlock()
		return
	}
	v := w.pending
	w.armed = false
	w.timer = nil
	w.mu.Unlock()

	w.emit(v)
}
