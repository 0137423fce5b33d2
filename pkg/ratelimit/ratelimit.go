// Package ratelimit throttles document writes per user on the feed server.
//
// Each user gets a fixed counting window. Within a window up to max writes
// pass. The first write over the limit starts a cooldown during which every
// write is rejected; once the cooldown ends the user starts a fresh window.
//
//	limiter := ratelimit.New(clock.New(), 5, 5*time.Second, 15*time.Second)
//	if !limiter.Allow(userID) { reject with ErrRateLimited }
//
// The package depends on nothing inside the module.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type bucket struct {
	count         int
	windowStart   time.Time
	cooldownUntil time.Time // zero means no cooldown
}

// Limiter is a per-key write limiter with a punitive cooldown.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	max      int
	window   time.Duration
	cooldown time.Duration
	clock    clock.Clock

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// New returns a Limiter and starts its sweep goroutine. Call Close to stop it.
func New(clk clock.Clock, max int, window, cooldown time.Duration) *Limiter {
	if clk == nil {
		clk = clock.New()
	}

	rl := &Limiter{
		buckets:     make(map[string]*bucket),
		max:         max,
		window:      window,
		cooldown:    cooldown,
		clock:       clk,
		stopCleanup: make(chan struct{}),
	}

	ticker := clk.Ticker(30 * time.Second)
	go rl.cleanupLoop(ticker)

	return rl
}

// Allow records one write for key and reports whether it may proceed.
func (rl *Limiter) Allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = &bucket{count: 1, windowStart: now}
		return true
	}

	if !b.cooldownUntil.IsZero() {
		if now.Before(b.cooldownUntil) {
			return false
		}
		b.count = 1
		b.windowStart = now
		b.cooldownUntil = time.Time{}
		return true
	}

	if now.Sub(b.windowStart) > rl.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	b.count++
	if b.count > rl.max {
		b.cooldownUntil = now.Add(rl.cooldown)
		return false
	}
	return true
}

// RetryAfter reports how long key has to wait before its next write is
// accepted. Zero when key is not cooling down.
func (rl *Limiter) RetryAfter(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || b.cooldownUntil.IsZero() {
		return 0
	}

	remaining := b.cooldownUntil.Sub(rl.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Close stops the sweep goroutine.
func (rl *Limiter) Close() {
	rl.closeOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *Limiter) cleanupLoop(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets whose window and cooldown have both run out, so a
// user still cooling down keeps their penalty.
func (rl *Limiter) cleanup() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, b := range rl.buckets {
		windowExpired := now.Sub(b.windowStart) > rl.window
		cooldownExpired := b.cooldownUntil.IsZero() || now.After(b.cooldownUntil)
		if windowExpired && cooldownExpired {
			delete(rl.buckets, key)
		}
	}
}
