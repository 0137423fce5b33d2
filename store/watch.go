package store

import (
	"sync"
	"sync/atomic"
)

// refreshFunc re-reads whatever a subscription watches and publishes it
// tagged with seq.
type refreshFunc func(seq uint64)

// watchHub routes change notifications to the subscriptions they affect.
// A change to a document path wakes the watchers of that path and of its
// parent collection.
//
// Every notification carries a sequence number taken after the write
// committed. Subscriptions publish with Subject.PublishNewer, so a slow
// refresh for an older change never overwrites a newer result.
type watchHub struct {
	mu           sync.Mutex
	nextID       uint64
	byPath       map[string]map[uint64]refreshFunc
	byCollection map[string]map[uint64]refreshFunc

	seq atomic.Uint64
}

func newWatchHub() *watchHub {
	h := &watchHub{
		byPath:       make(map[string]map[uint64]refreshFunc),
		byCollection: make(map[string]map[uint64]refreshFunc),
	}
	// 0 is never a valid sequence for PublishNewer
	h.seq.Store(1)
	return h
}

// current returns the sequence an initial read should publish with.
func (h *watchHub) current() uint64 {
	return h.seq.Load()
}

func (h *watchHub) watchPath(path string, fn refreshFunc) (cancel func()) {
	return h.add(h.byPath, path, fn)
}

func (h *watchHub) watchCollection(collection string, fn refreshFunc) (cancel func()) {
	return h.add(h.byCollection, collection, fn)
}

func (h *watchHub) add(index map[string]map[uint64]refreshFunc, key string, fn refreshFunc) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	if index[key] == nil {
		index[key] = make(map[uint64]refreshFunc)
	}
	index[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(index[key], id)
			if len(index[key]) == 0 {
				delete(index, key)
			}
		})
	}
}

// notify refreshes every watcher of path and of its collection. Refreshes
// run on the caller's goroutine, outside the hub lock.
func (h *watchHub) notify(path string) {
	seq := h.seq.Add(1)
	collection, _ := Split(path)

	h.mu.Lock()
	fns := make([]refreshFunc, 0, len(h.byPath[path])+len(h.byCollection[collection]))
	for _, fn := range h.byPath[path] {
		fns = append(fns, fn)
	}
	for _, fn := range h.byCollection[collection] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(seq)
	}
}

// watchers reports how many subscriptions are registered.
func (h *watchHub) watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, m := range h.byPath {
		n += len(m)
	}
	for _, m := range h.byCollection {
		n += len(m)
	}
	return n
}
