package ws

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/metrics"
)

// Hub tracks every open feed connection, grouped by user.
//
// Connections enter and leave through the register and unregister channels,
// which Run drains on a single goroutine; readers of the client map use the
// RWMutex.
type Hub struct {
	clients map[string]map[*Client]bool // userID -> connections
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	// seq stamps every event the hub's clients send, so a client can tell
	// the order frames were produced in.
	seq atomic.Int64

	log zerolog.Logger
}

// NewHub returns a Hub. Start it with Run.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "ws").Logger(),
	}
}

// Run processes registrations until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-ctx.Done():
			h.Shutdown()
			return
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.userID]; !ok {
		h.clients[client.userID] = make(map[*Client]bool)
	}
	h.clients[client.userID][client] = true
	metrics.FeedConnections.Inc()

	h.log.Debug().
		Str("user_id", client.userID).
		Int("user_connections", len(h.clients[client.userID])).
		Msg("client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.userID]
	if !ok || !clients[client] {
		return
	}

	delete(clients, client)
	client.closeSend()
	metrics.FeedConnections.Dec()

	if len(clients) == 0 {
		delete(h.clients, client.userID)
	}
	h.log.Debug().Str("user_id", client.userID).Int("remaining", len(clients)).Msg("client disconnected")
}

// join hands client to Run. It reports false once the hub has stopped.
func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// leave hands client to Run for removal.
func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// drop is leave without blocking the caller.
func (h *Hub) drop(client *Client) {
	go h.leave(client)
}

// OnlineUserIDs returns the users with at least one open connection.
func (h *Hub) OnlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		ids = append(ids, userID)
	}
	return ids
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.clients {
		for client := range clients {
			client.closeSend()
			metrics.FeedConnections.Dec()
		}
	}
	h.clients = make(map[string]map[*Client]bool)
	h.log.Info().Msg("hub shut down, all connections closed")
}
