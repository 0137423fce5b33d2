package services

import (
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/pkg/textnorm"
)

// ChannelItem is one row of the channel list.
type ChannelItem struct {
	Channel models.Conversation
	Unread  int
}

// ChannelView is what the channel list shows.
type ChannelView struct {
	Visible     []ChannelItem
	Total       int // channels matching the search, or all memberships
	HasMore     bool
	Searching   bool
	TotalUnread int // across Visible only
}

// ChannelList is the user's channels: "everyone" first, the rest by name.
//
// Unread counts are held only for visible channels; paging in more channels
// subscribes their counts, and the badge sums what is visible.
type ChannelList struct {
	readState ReadStateCache
	userID    string
	pageSize  int
	log       zerolog.Logger

	mu       sync.Mutex
	channels []models.Conversation // memberships, sorted
	known    bool
	closed   bool
	query    string
	limit    int
	wanted   map[string]bool
	unread   map[string]int
	seq      uint64

	updateMu sync.Mutex // orders visible-set changes with their stream syncs
	streams  liveSet
	view     *stream.Subject[ChannelView]
	inputs   []stream.Subscription
}

// NewChannelList returns the channel list of userID. search may be nil.
func NewChannelList(readState ReadStateCache, search *SearchBus, userID string, pageSize int, log zerolog.Logger) *ChannelList {
	l := &ChannelList{
		readState: readState,
		userID:    userID,
		pageSize:  pageSize,
		log:       log.With().Str("component", "channel_list").Logger(),
		limit:     pageSize,
		wanted:    make(map[string]bool),
		unread:    make(map[string]int),
		view:      stream.NewSubject[ChannelView](),
	}
	if search != nil {
		l.inputs = append(l.inputs, search.CurrentQuery().Subscribe(l.setQuery))
	}
	return l
}

// Follow feeds every channel list src emits into SetChannels.
func (l *ChannelList) Follow(src stream.Stream[[]models.Conversation]) {
	sub := src.Subscribe(l.SetChannels)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	l.inputs = append(l.inputs, sub)
	l.mu.Unlock()
}

// SetChannels replaces the channel directory. Channels the user is not a
// member of are ignored.
func (l *ChannelList) SetChannels(all []models.Conversation) {
	mine := make([]models.Conversation, 0, len(all))
	for _, c := range all {
		if c.HasMember(l.userID) {
			mine = append(mine, c)
		}
	}
	slices.SortFunc(mine, compareChannels)

	l.mu.Lock()
	l.channels = mine
	l.known = true
	l.mu.Unlock()
	l.log.Debug().Int("channels", len(mine)).Msg("channel directory updated")

	l.update()
}

// LoadMore shows one more page. It does nothing while searching.
func (l *ChannelList) LoadMore() {
	l.mu.Lock()
	if l.query != "" {
		l.mu.Unlock()
		return
	}
	l.limit = nextLimit(l.limit, l.pageSize, len(l.channels))
	l.mu.Unlock()

	l.update()
}

// View streams the list. Nothing is emitted before the first SetChannels.
func (l *ChannelList) View() stream.Stream[ChannelView] {
	return l.view
}

// Close drops every subscription the list holds.
func (l *ChannelList) Close() {
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
	l.streams.close()
	l.updateMu.Unlock()
	l.view.Close()
}

func (l *ChannelList) setQuery(q string) {
	l.mu.Lock()
	l.query = q
	l.mu.Unlock()

	l.update()
}

// update re-syncs the unread subscriptions to the visible channels and
// republishes.
func (l *ChannelList) update() {
	l.updateMu.Lock()
	defer l.updateMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	visible, _, _ := page(l.channels, l.query, channelName, l.limit)
	ids := make([]string, len(visible))
	l.wanted = make(map[string]bool, len(visible))
	for i, c := range visible {
		ids[i] = c.ID
		l.wanted[c.ID] = true
	}
	for id := range l.unread {
		if !l.wanted[id] {
			delete(l.unread, id)
		}
	}
	l.mu.Unlock()

	l.streams.sync(ids, func(id string) stream.Subscription {
		return l.readState.UnreadCount(models.KindChannel, id, l.userID).Subscribe(func(n int) {
			l.onUnread(id, n)
		})
	})

	l.refresh()
}

func (l *ChannelList) onUnread(id string, n int) {
	l.mu.Lock()
	if !l.wanted[id] {
		l.mu.Unlock()
		return
	}
	l.unread[id] = n
	l.mu.Unlock()

	l.refresh()
}

func (l *ChannelList) refresh() {
	l.mu.Lock()
	if !l.known || l.closed {
		l.mu.Unlock()
		return
	}

	visible, total, hasMore := page(l.channels, l.query, channelName, l.limit)
	v := ChannelView{
		Visible:     make([]ChannelItem, len(visible)),
		Total:       total,
		HasMore:     hasMore,
		Searching:   l.query != "",
		TotalUnread: sumUnread(l.unread),
	}
	for i, c := range visible {
		v.Visible[i] = ChannelItem{Channel: c, Unread: l.unread[c.ID]}
	}
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	l.view.PublishNewer(v, seq)
}

func channelName(c models.Conversation) string {
	return c.Name
}

// compareChannels puts "everyone" first, then orders by folded name with
// the id as the final tiebreak.
func compareChannels(a, b models.Conversation) int {
	ae := strings.EqualFold(a.Name, models.EveryoneChannel)
	be := strings.EqualFold(b.Name, models.EveryoneChannel)
	switch {
	case ae && !be:
		return -1
	case be && !ae:
		return 1
	}
	if c := textnorm.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
