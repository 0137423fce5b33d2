package services

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/config"
	"github.com/akinalp/threadline/metrics"
	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/store"
)

// ReadStateCache answers, per conversation, how many messages a user has not
// read yet and when the conversation was last active.
//
// Streams are shared per key: every subscriber of the same
// (kind, conversation, user) attaches to one set of store subscriptions,
// and the last Unsubscribe tears them down.
type ReadStateCache interface {
	// UnreadCount streams the number of messages by other users newer than
	// the user's read position. Equal consecutive counts are not repeated.
	UnreadCount(kind models.Kind, conversationID, userID string) stream.Stream[int]

	// MarkRead moves the read position to now. The open UnreadCount stream
	// for the key emits right away; the marker write happens in the
	// background and its result is sent once on the returned channel.
	MarkRead(ctx context.Context, kind models.Kind, conversationID, userID string) <-chan error

	// LastActivity streams the newest of the last message time and the
	// local bump.
	LastActivity(kind models.Kind, conversationID string) stream.Stream[time.Time]

	// BumpLastActivity marks the conversation active now, ahead of the
	// store confirming a sent message.
	BumpLastActivity(kind models.Kind, conversationID string)

	// ClearCache stops every stream and forgets local read positions and
	// bumps.
	ClearCache()

	// Close clears the cache and detaches it from the session.
	Close()
}

type unreadKey struct {
	kind           models.Kind
	conversationID string
	userID         string
}

type activityKey struct {
	kind           models.Kind
	conversationID string
}

type readStateCache struct {
	store store.Store
	clock clock.Clock
	cfg   config.ClientConfig
	log   zerolog.Logger

	mu        sync.Mutex
	overrides map[unreadKey]time.Time
	bumps     map[activityKey]time.Time
	unreadOn  map[unreadKey]*unreadEntry
	activeOn  map[activityKey]*activityEntry

	unread   *stream.Shared[unreadKey, int]
	activity *stream.Shared[activityKey, time.Time]

	sessionSub stream.Subscription
}

// NewReadStateCache returns a cache reading from s. When session is non-nil
// the cache clears itself whenever the signed in user changes.
func NewReadStateCache(s store.Store, session *Session, clk clock.Clock, cfg config.ClientConfig, log zerolog.Logger) ReadStateCache {
	if clk == nil {
		clk = clock.New()
	}
	c := &readStateCache{
		store:     s,
		clock:     clk,
		cfg:       cfg,
		log:       log.With().Str("component", "readstate").Logger(),
		overrides: make(map[unreadKey]time.Time),
		bumps:     make(map[activityKey]time.Time),
		unreadOn:  make(map[unreadKey]*unreadEntry),
		activeOn:  make(map[activityKey]*activityEntry),
	}

	c.unread = stream.NewDistinctShared(c.startUnread)
	c.unread.OnOpen = func() { metrics.SharedStreamsOpen.WithLabelValues("unread").Inc() }
	c.unread.OnClose = func() { metrics.SharedStreamsOpen.WithLabelValues("unread").Dec() }

	c.activity = stream.NewShared(c.startActivity)
	c.activity.OnOpen = func() { metrics.SharedStreamsOpen.WithLabelValues("activity").Inc() }
	c.activity.OnClose = func() { metrics.SharedStreamsOpen.WithLabelValues("activity").Dec() }

	if session != nil {
		var (
			seen bool
			last string
		)
		c.sessionSub = session.Identity().Subscribe(func(id Identity) {
			if seen && id.UserID != last {
				c.log.Debug().Str("user_id", id.UserID).Msg("identity changed, clearing read state")
				c.ClearCache()
			}
			seen, last = true, id.UserID
		})
	}
	return c
}

func (c *readStateCache) UnreadCount(kind models.Kind, conversationID, userID string) stream.Stream[int] {
	return c.unread.Stream(unreadKey{kind: kind, conversationID: conversationID, userID: userID})
}

func (c *readStateCache) MarkRead(ctx context.Context, kind models.Kind, conversationID, userID string) <-chan error {
	key := unreadKey{kind: kind, conversationID: conversationID, userID: userID}
	now := c.clock.Now()

	c.mu.Lock()
	if now.After(c.overrides[key]) {
		c.overrides[key] = now
	}
	override := c.overrides[key]
	entry := c.unreadOn[key]
	c.mu.Unlock()

	if entry != nil {
		entry.applyOverride(override)
	}

	result := make(chan error, 1)
	go func() {
		defer close(result)

		err := c.store.WriteDocument(ctx, kind.ReadMarkerPath(conversationID, userID), models.MarkReadFields(), true)
		if err != nil {
			metrics.ReadMarkerWriteFailures.Inc()
			c.log.Warn().Err(err).
				Str("kind", string(kind)).
				Str("conversation_id", conversationID).
				Str("user_id", userID).
				Msg("read marker write failed")
		}
		result <- err
	}()
	return result
}

func (c *readStateCache) LastActivity(kind models.Kind, conversationID string) stream.Stream[time.Time] {
	return c.activity.Stream(activityKey{kind: kind, conversationID: conversationID})
}

func (c *readStateCache) BumpLastActivity(kind models.Kind, conversationID string) {
	key := activityKey{kind: kind, conversationID: conversationID}
	now := c.clock.Now()

	c.mu.Lock()
	if now.After(c.bumps[key]) {
		c.bumps[key] = now
	}
	bump := c.bumps[key]
	entry := c.activeOn[key]
	c.mu.Unlock()

	if entry != nil {
		entry.applyBump(bump)
	}
}

func (c *readStateCache) ClearCache() {
	c.unread.Clear()
	c.activity.Clear()

	c.mu.Lock()
	c.overrides = make(map[unreadKey]time.Time)
	c.bumps = make(map[activityKey]time.Time)
	c.mu.Unlock()
}

func (c *readStateCache) Close() {
	if c.sessionSub != nil {
		c.sessionSub.Unsubscribe()
	}
	c.ClearCache()
}

// ─── Unread counts ───

// emission is a count tagged with the order it was computed in, so a stale
// count that loses a race to the subject is dropped.
type emission struct {
	n    int
	seq  uint64
	path string // metrics label: "window" or "immediate"
}

// unreadEntry is the producer behind one shared UnreadCount stream.
type unreadEntry struct {
	c      *readStateCache
	key    unreadKey
	out    *stream.Subject[int]
	window *stream.Window[emission]

	mu       sync.Mutex
	stopped  bool
	override time.Time
	marker   time.Time
	since    time.Time // max of every marker and override seen; never decreases
	page     []models.Message

	markerReady, pageReady bool
	markerErr, pageErr     bool

	emitted   bool // first count goes out without waiting for the window
	flushNext bool
	emitSeq   uint64

	querySeq  uint64
	pageSub   stream.Subscription
	markerSub stream.Subscription
}

func (c *readStateCache) startUnread(key unreadKey, out *stream.Subject[int]) func() {
	e := &unreadEntry{c: c, key: key, out: out}
	e.window = stream.NewWindow(c.clock, c.cfg.CoalesceWindow, func(em emission) {
		metrics.UnreadEmissions.WithLabelValues(em.path).Inc()
		out.PublishNewer(em.n, em.seq)
	})

	c.mu.Lock()
	e.override = c.overrides[key]
	e.since = e.override
	c.unreadOn[key] = e
	c.mu.Unlock()

	sub := c.store.SubscribeDocument(key.kind.ReadMarkerPath(key.conversationID, key.userID)).Subscribe(e.onMarker)
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		sub.Unsubscribe()
		return e.stop
	}
	e.markerSub = sub
	started := e.querySeq > 0
	e.mu.Unlock()

	if !started {
		e.resubscribe()
	}
	return e.stop
}

func (e *unreadEntry) stop() {
	e.mu.Lock()
	e.stopped = true
	pageSub, markerSub := e.pageSub, e.markerSub
	e.pageSub, e.markerSub = nil, nil
	e.mu.Unlock()

	e.window.Stop()
	if pageSub != nil {
		pageSub.Unsubscribe()
	}
	if markerSub != nil {
		markerSub.Unsubscribe()
	}

	e.c.mu.Lock()
	if e.c.unreadOn[e.key] == e {
		delete(e.c.unreadOn, e.key)
	}
	e.c.mu.Unlock()
}

func (e *unreadEntry) query(since time.Time) store.Query {
	q := store.Query{Collection: e.key.kind.MessagesCollection(e.key.conversationID)}
	if !since.IsZero() {
		q = q.Where(models.FieldCreatedAt, store.OpGreater, since)
	}
	return q.Order(models.FieldCreatedAt, store.Asc).Take(e.c.cfg.UnreadPageCap)
}

// resubscribe replaces the message query with one starting at the current
// since. Until its first snapshot arrives the old page keeps serving counts.
func (e *unreadEntry) resubscribe() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.querySeq++
	seq, since := e.querySeq, e.since
	e.mu.Unlock()

	sub := e.c.store.SubscribeQuery(e.query(since)).Subscribe(func(snap store.QuerySnapshot) {
		e.onPage(seq, snap)
	})

	e.mu.Lock()
	if e.stopped || seq != e.querySeq {
		e.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	old := e.pageSub
	e.pageSub = sub
	e.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
}

func (e *unreadEntry) onMarker(snap store.DocumentSnapshot) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if snap.Err != nil {
		e.markerErr = true
		metrics.StoreErrors.WithLabelValues("document").Inc()
		e.c.log.Warn().Err(snap.Err).Str("path", snap.Path).Msg("read marker unavailable")
	} else {
		e.markerErr = false
		e.marker = models.ReadMarkerFromSnapshot(e.key.conversationID, e.key.userID, snap).LastReadAt
	}
	e.markerReady = true

	moved := e.advanceLocked()
	em, flush, ok := e.nextLocked()
	e.mu.Unlock()

	e.publish(em, flush, ok)
	if moved {
		e.resubscribe()
	}
}

func (e *unreadEntry) onPage(seq uint64, snap store.QuerySnapshot) {
	e.mu.Lock()
	if e.stopped || seq != e.querySeq {
		e.mu.Unlock()
		return
	}
	if snap.Err != nil {
		e.pageErr = true
		metrics.StoreErrors.WithLabelValues("query").Inc()
		e.c.log.Warn().Err(snap.Err).Str("conversation_id", e.key.conversationID).Msg("unread query failed")
	} else {
		e.pageErr = false
		e.page = make([]models.Message, 0, len(snap.Docs))
		for _, d := range snap.Docs {
			e.page = append(e.page, models.MessageFromDocument(e.key.conversationID, d))
		}
	}
	e.pageReady = true

	em, flush, ok := e.nextLocked()
	e.mu.Unlock()

	e.publish(em, flush, ok)
}

func (e *unreadEntry) applyOverride(t time.Time) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if t.After(e.override) {
		e.override = t
	}
	e.flushNext = true

	moved := e.advanceLocked()
	em, flush, ok := e.nextLocked()
	e.mu.Unlock()

	e.publish(em, flush, ok)
	if moved {
		e.resubscribe()
	}
}

// advanceLocked folds the marker and the override into since and reports
// whether it moved.
func (e *unreadEntry) advanceLocked() bool {
	moved := false
	for _, t := range []time.Time{e.marker, e.override} {
		if t.After(e.since) {
			e.since = t
			moved = true
		}
	}
	return moved
}

// nextLocked computes the count to publish. ok is false until both the
// marker and the first page are known.
func (e *unreadEntry) nextLocked() (em emission, flush, ok bool) {
	if !e.markerReady || !e.pageReady {
		return emission{}, false, false
	}

	n := 0
	if !e.markerErr && !e.pageErr {
		for _, m := range e.page {
			if m.AuthorID != e.key.userID && m.CreatedAt.After(e.since) {
				n++
			}
		}
	}

	e.emitSeq++
	flush = !e.emitted || e.flushNext
	e.emitted, e.flushNext = true, false
	return emission{n: n, seq: e.emitSeq}, flush, true
}

func (e *unreadEntry) publish(em emission, flush, ok bool) {
	if !ok {
		return
	}
	if flush {
		em.path = "immediate"
		e.window.Flush(em)
		return
	}
	em.path = "window"
	if e.window.Push(em) {
		metrics.CoalescedNotifications.Inc()
	}
}

// ─── Last activity ───

type activityEntry struct {
	c   *readStateCache
	key activityKey
	out *stream.Subject[time.Time]

	mu      sync.Mutex
	stopped bool
	newest  time.Time
	bump    time.Time
	ready   bool
	seq     uint64
	sub     stream.Subscription
}

func (c *readStateCache) startActivity(key activityKey, out *stream.Subject[time.Time]) func() {
	e := &activityEntry{c: c, key: key, out: out}

	c.mu.Lock()
	e.bump = c.bumps[key]
	c.activeOn[key] = e
	c.mu.Unlock()

	q := store.Query{Collection: key.kind.MessagesCollection(key.conversationID)}.
		Order(models.FieldCreatedAt, store.Desc).
		Take(1)

	sub := c.store.SubscribeQuery(q).Subscribe(e.onNewest)
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		sub.Unsubscribe()
		return e.stop
	}
	e.sub = sub
	e.mu.Unlock()
	return e.stop
}

func (e *activityEntry) stop() {
	e.mu.Lock()
	e.stopped = true
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	e.c.mu.Lock()
	if e.c.activeOn[e.key] == e {
		delete(e.c.activeOn, e.key)
	}
	e.c.mu.Unlock()
}

func (e *activityEntry) onNewest(snap store.QuerySnapshot) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if snap.Err != nil {
		metrics.StoreErrors.WithLabelValues("query").Inc()
		e.c.log.Warn().Err(snap.Err).Str("conversation_id", e.key.conversationID).Msg("last activity query failed")
	} else if len(snap.Docs) > 0 {
		if t, ok := snap.Docs[0].Fields[models.FieldCreatedAt].(time.Time); ok && t.After(e.newest) {
			e.newest = t
		}
	}
	e.ready = true
	v, seq := e.valueLocked()
	e.mu.Unlock()

	e.out.PublishNewer(v, seq)
}

func (e *activityEntry) applyBump(t time.Time) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if t.After(e.bump) {
		e.bump = t
	}
	ready := e.ready
	v, seq := e.valueLocked()
	e.mu.Unlock()

	if ready {
		e.out.PublishNewer(v, seq)
	}
}

func (e *activityEntry) valueLocked() (time.Time, uint64) {
	e.seq++
	v := e.newest
	if e.bump.After(v) {
		v = e.bump
	}
	return v, e.seq
}
