package services

import (
	"sync"

	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/pkg/textnorm"
)

// liveSet keeps exactly one subscription per wanted id.
//
// The subscribe callback runs with the set's lock held, so a value the
// stream delivers synchronously must not lead back into sync.
type liveSet struct {
	mu   sync.Mutex
	subs map[string]stream.Subscription
}

func (s *liveSet) sync(ids []string, subscribe func(id string) stream.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs == nil {
		s.subs = make(map[string]stream.Subscription)
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for id, sub := range s.subs {
		if !want[id] {
			sub.Unsubscribe()
			delete(s.subs, id)
		}
	}
	for _, id := range ids {
		if _, ok := s.subs[id]; !ok {
			s.subs[id] = subscribe(id)
		}
	}
}

func (s *liveSet) close() {
	s.sync(nil, nil)
}

// page cuts a sorted list down to what a list shows.
//
// With a search query every item whose folded name contains the folded
// query is shown and pagination is off. Otherwise the first limit items are
// shown and hasMore tells whether LoadMore would reveal more.
func page[T any](sorted []T, query string, name func(T) string, limit int) (visible []T, total int, hasMore bool) {
	if query != "" {
		for _, item := range sorted {
			if textnorm.Contains(name(item), query) {
				visible = append(visible, item)
			}
		}
		return visible, len(visible), false
	}

	total = len(sorted)
	n := min(limit, total)
	return sorted[:n:n], total, n < total
}

// nextLimit is limit grown by one page, capped at total.
func nextLimit(limit, pageSize, total int) int {
	return max(limit, min(limit+pageSize, total))
}

func sumUnread(unread map[string]int) int {
	total := 0
	for _, n := range unread {
		total += n
	}
	return total
}
