package services

import (
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/akinalp/threadline/pkg/stream"
)

// SearchBus is the one search box shared by every conversation list.
//
// SetQuery may be called on every keystroke; the query settles once typing
// pauses for the debounce period and only then reaches subscribers.
type SearchBus struct {
	mu       sync.Mutex
	pending  string
	debounce func(f func())
	current  *stream.Subject[string]
}

// NewSearchBus returns a bus whose settled query starts empty.
func NewSearchBus(wait time.Duration) *SearchBus {
	b := &SearchBus{
		debounce: debounce.New(wait),
		current:  stream.NewDistinctSubject[string](),
	}
	b.current.Publish("")
	return b
}

// SetQuery records text, trimmed, as the query to settle on.
func (b *SearchBus) SetQuery(text string) {
	b.mu.Lock()
	b.pending = strings.TrimSpace(text)
	b.mu.Unlock()

	b.debounce(b.settle)
}

func (b *SearchBus) settle() {
	b.mu.Lock()
	q := b.pending
	b.mu.Unlock()

	b.current.Publish(q)
}

// CurrentQuery streams the settled query. New subscribers get the current
// one first; a query equal to the previous one is not repeated.
func (b *SearchBus) CurrentQuery() stream.Stream[string] {
	return b.current
}
