package services

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/pkg/textnorm"
)

// DMItem is one row of the DM list: the peer and the thread with them.
type DMItem struct {
	User           models.User
	ConversationID string
	Self           bool
	Unread         int
	LastActivity   time.Time
}

// DMView is what the DM list shows.
type DMView struct {
	Visible     []DMItem
	Total       int
	HasMore     bool
	Searching   bool
	TotalUnread int // across every peer, visible or not
}

// DMList is the user's direct message threads, one per user in the
// directory.
//
// Ordering needs every peer's unread count and last activity, so the list
// keeps a stream of each open for every peer and the badge sums all of them.
type DMList struct {
	readState ReadStateCache
	userID    string
	pageSize  int
	log       zerolog.Logger

	mu       sync.Mutex
	users    []models.User
	known    bool
	closed   bool
	query    string
	limit    int
	wanted   map[string]bool // peer ids
	unread   map[string]int
	activity map[string]time.Time
	seq      uint64

	updateMu     sync.Mutex
	unreadLive   liveSet
	activityLive liveSet
	view         *stream.Subject[DMView]
	inputs       []stream.Subscription
}

// NewDMList returns the DM list of userID. search may be nil.
func NewDMList(readState ReadStateCache, search *SearchBus, userID string, pageSize int, log zerolog.Logger) *DMList {
	l := &DMList{
		readState: readState,
		userID:    userID,
		pageSize:  pageSize,
		log:       log.With().Str("component", "dm_list").Logger(),
		limit:     pageSize,
		wanted:    make(map[string]bool),
		unread:    make(map[string]int),
		activity:  make(map[string]time.Time),
		view:      stream.NewSubject[DMView](),
	}
	if search != nil {
		l.inputs = append(l.inputs, search.CurrentQuery().Subscribe(l.setQuery))
	}
	return l
}

// Follow feeds every user directory src emits into SetUsers.
func (l *DMList) Follow(src stream.Stream[[]models.User]) {
	sub := src.Subscribe(l.SetUsers)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	l.inputs = append(l.inputs, sub)
	l.mu.Unlock()
}

// SetUsers replaces the user directory. A user listed twice keeps its
// first entry.
func (l *DMList) SetUsers(users []models.User) {
	unique := make([]models.User, 0, len(users))
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		if !seen[u.ID] {
			seen[u.ID] = true
			unique = append(unique, u)
		}
	}

	l.mu.Lock()
	l.users = unique
	l.known = true
	l.mu.Unlock()

	l.update()
}

// LoadMore shows one more page. It does nothing while searching.
func (l *DMList) LoadMore() {
	l.mu.Lock()
	if l.query != "" {
		l.mu.Unlock()
		return
	}
	l.limit = nextLimit(l.limit, l.pageSize, len(l.users))
	l.mu.Unlock()

	l.refresh()
}

// View streams the list. Nothing is emitted before the first SetUsers.
func (l *DMList) View() stream.Stream[DMView] {
	return l.view
}

// Close drops every subscription the list holds.
func (l *DMList) Close() {
	l.mu.Lock()
	inputs := l.inputs
	l.inputs = nil
	l.closed = true
	l.wanted = make(map[string]bool)
	l.mu.Unlock()

	for _, sub := range inputs {
		sub.Unsubscribe()
	}

	l.updateMu.Lock()
	l.unreadLive.close()
	l.activityLive.close()
	l.updateMu.Unlock()
	l.view.Close()
}

func (l *DMList) setQuery(q string) {
	l.mu.Lock()
	l.query = q
	l.mu.Unlock()

	l.refresh()
}

// update re-syncs the per-peer streams to the directory and republishes.
func (l *DMList) update() {
	l.updateMu.Lock()
	defer l.updateMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	var peers []string
	l.wanted = make(map[string]bool, len(l.users))
	for _, u := range l.users {
		if u.ID != l.userID && !l.wanted[u.ID] {
			peers = append(peers, u.ID)
			l.wanted[u.ID] = true
		}
	}
	for id := range l.unread {
		if !l.wanted[id] {
			delete(l.unread, id)
		}
	}
	for id := range l.activity {
		if !l.wanted[id] {
			delete(l.activity, id)
		}
	}
	l.mu.Unlock()

	l.unreadLive.sync(peers, func(peer string) stream.Subscription {
		dmID, err := models.DMID(l.userID, peer)
		if err != nil {
			l.log.Error().Err(err).Str("peer", peer).Msg("cannot derive dm id")
			return stream.Noop
		}
		return l.readState.UnreadCount(models.KindDM, dmID, l.userID).Subscribe(func(n int) {
			l.onUnread(peer, n)
		})
	})
	l.activityLive.sync(peers, func(peer string) stream.Subscription {
		dmID, err := models.DMID(l.userID, peer)
		if err != nil {
			return stream.Noop
		}
		return l.readState.LastActivity(models.KindDM, dmID).Subscribe(func(t time.Time) {
			l.onActivity(peer, t)
		})
	})

	l.refresh()
}

func (l *DMList) onUnread(peer string, n int) {
	l.mu.Lock()
	if !l.wanted[peer] {
		l.mu.Unlock()
		return
	}
	l.unread[peer] = n
	l.mu.Unlock()

	l.refresh()
}

func (l *DMList) onActivity(peer string, t time.Time) {
	l.mu.Lock()
	if !l.wanted[peer] {
		l.mu.Unlock()
		return
	}
	l.activity[peer] = t
	l.mu.Unlock()

	l.refresh()
}

func (l *DMList) refresh() {
	l.mu.Lock()
	if !l.known || l.closed {
		l.mu.Unlock()
		return
	}

	items := make([]DMItem, 0, len(l.users))
	for _, u := range l.users {
		dmID, err := models.DMID(l.userID, u.ID)
		if err != nil {
			continue
		}
		items = append(items, DMItem{
			User:           u,
			ConversationID: dmID,
			Self:           u.ID == l.userID,
			Unread:         l.unread[u.ID],
			LastActivity:   l.activity[u.ID],
		})
	}
	slices.SortFunc(items, compareDMs)

	visible, total, hasMore := page(items, l.query, dmName, l.limit)
	v := DMView{
		Visible:     visible,
		Total:       total,
		HasMore:     hasMore,
		Searching:   l.query != "",
		TotalUnread: sumUnread(l.unread),
	}
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	l.view.PublishNewer(v, seq)
}

func dmName(item DMItem) string {
	return item.User.Name()
}

// compareDMs orders the DM list: the user's own thread first, then threads
// with unread messages, then the most recently active, then by folded name
// and finally by user id, which makes the order total.
func compareDMs(a, b DMItem) int {
	if a.Self != b.Self {
		if a.Self {
			return -1
		}
		return 1
	}
	if au, bu := a.Unread > 0, b.Unread > 0; au != bu {
		if au {
			return -1
		}
		return 1
	}
	if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
		return c
	}
	if c := textnorm.Compare(a.User.Name(), b.User.Name()); c != 0 {
		return c
	}
	return cmp.Compare(a.User.ID, b.User.ID)
}
