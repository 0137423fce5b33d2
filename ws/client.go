package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/metrics"
	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/store"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent. Clients send a
	// heartbeat every 30s, so three missed beats close the connection.
	pongWait = 90 * time.Second

	// maxMessageSize caps one client frame; a 2000 rune message body plus
	// the envelope fits comfortably.
	maxMessageSize = 16 * 1024

	// sendBufferSize is the outgoing queue per connection. A client that
	// falls this far behind is disconnected.
	sendBufferSize = 256

	// requestTimeout bounds a single store write made for a client.
	requestTimeout = 10 * time.Second
)

// Client is one feed connection.
//
// ReadPump runs on the handler goroutine and processes requests in order.
// WritePump runs on its own goroutine and is the only writer of conn.
// Snapshots for the client's subscriptions arrive on whatever goroutine the
// store publishes from and are queued on send.
type Client struct {
	hub    *Hub
	feed   *Feed
	conn   *websocket.Conn
	userID string
	connID string
	log    zerolog.Logger

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	subsMu sync.Mutex
	subs   map[string]stream.Subscription
}

// ReadPump reads requests until the connection fails or goes silent.
func (c *Client) ReadPump() {
	defer func() {
		c.unsubscribeAll()
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("failed to set read deadline")
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			c.log.Warn().Err(err).Msg("invalid frame")
			c.sendError("", pkg.ErrBadRequest)
			continue
		}

		c.handleEvent(event)
	}
}

func (c *Client) handleEvent(event Event) {
	switch event.Op {
	case OpHeartbeat:
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn().Err(err).Msg("failed to extend read deadline")
			return
		}
		c.sendEvent(OpHeartbeatAck, event.ID, nil)

	case OpSubscribeDocument:
		c.handleSubscribeDocument(event)
	case OpSubscribeQuery:
		c.handleSubscribeQuery(event)
	case OpUnsubscribe:
		c.unsubscribe(event.ID)

	case OpWriteDocument:
		c.handleWriteDocument(event)
	case OpAppendDocument:
		c.handleAppendDocument(event)
	case OpCreateDocument:
		c.handleCreateDocument(event)

	default:
		c.log.Warn().Str("op", event.Op).Msg("unknown op")
		c.sendError(event.ID, pkg.ErrBadRequest)
	}
}

func (c *Client) handleSubscribeDocument(event Event) {
	var data SubscribeDocumentData
	if err := event.Decode(&data); err != nil || event.ID == "" {
		c.sendError(event.ID, pkg.ErrBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := c.feed.authorizeDocumentRead(ctx, c.userID, data.Path); err != nil {
		c.unsubscribe(event.ID)
		c.sendEvent(OpDocumentSnapshot, event.ID, DocumentSnapshotData{Path: data.Path, Error: NewErrorData(err)})
		return
	}

	c.addSubscription(event.ID, func() stream.Subscription {
		return c.feed.Store.SubscribeDocument(data.Path).Subscribe(func(snap store.DocumentSnapshot) {
			payload := DocumentSnapshotData{Path: snap.Path, Error: NewErrorData(snap.Err)}
			if snap.Doc != nil {
				doc, err := EncodeDocument(*snap.Doc)
				if err != nil {
					payload.Error = NewErrorData(err)
				} else {
					payload.Doc = &doc
				}
			}
			c.sendEvent(OpDocumentSnapshot, event.ID, payload)
		})
	})
}

func (c *Client) handleSubscribeQuery(event Event) {
	var data SubscribeQueryData
	if err := event.Decode(&data); err != nil || event.ID == "" {
		c.sendError(event.ID, pkg.ErrBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := c.feed.authorizeQuery(ctx, c.userID, data.Query); err != nil {
		c.unsubscribe(event.ID)
		c.sendEvent(OpQuerySnapshot, event.ID, QuerySnapshotData{Docs: []Document{}, Error: NewErrorData(err)})
		return
	}

	c.addSubscription(event.ID, func() stream.Subscription {
		return c.feed.Store.SubscribeQuery(data.Query).Subscribe(func(snap store.QuerySnapshot) {
			payload := QuerySnapshotData{Docs: make([]Document, 0, len(snap.Docs)), Error: NewErrorData(snap.Err)}
			for _, d := range snap.Docs {
				doc, err := EncodeDocument(d)
				if err != nil {
					payload.Error = NewErrorData(err)
					break
				}
				payload.Docs = append(payload.Docs, doc)
			}
			c.sendEvent(OpQuerySnapshot, event.ID, payload)
		})
	})
}

// addSubscription registers the subscription under id. A repeated id
// replaces the earlier subscription.
func (c *Client) addSubscription(id string, subscribe func() stream.Subscription) {
	c.unsubscribe(id)

	sub := subscribe()

	c.subsMu.Lock()
	if c.subs == nil {
		// the connection is closing
		c.subsMu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.subs[id] = sub
	c.subsMu.Unlock()
}

func (c *Client) unsubscribe(id string) {
	c.subsMu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
}

func (c *Client) unsubscribeAll() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsMu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (c *Client) handleWriteDocument(event Event) {
	var data WriteDocumentData
	if err := event.Decode(&data); err != nil {
		c.sendWriteResult(event.ID, WriteResultData{}, err)
		return
	}

	fields, err := store.UnmarshalFields(data.Fields)
	if err != nil {
		c.sendWriteResult(event.ID, WriteResultData{}, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := c.feed.authorizeWrite(ctx, c.userID, data.Path, fields, data.Merge); err != nil {
		c.sendWriteResult(event.ID, WriteResultData{}, err)
		return
	}

	err = c.feed.Store.WriteDocument(ctx, data.Path, fields, data.Merge)
	c.sendWriteResult(event.ID, WriteResultData{}, err)
}

func (c *Client) handleAppendDocument(event Event) {
	var data AppendDocumentData
	if err := event.Decode(&data); err != nil {
		c.sendWriteResult(event.ID, WriteResultData{}, err)
		return
	}

	fields, err := store.UnmarshalFields(data.Fields)
	if err != nil {
		c.sendWriteResult(event.ID, WriteResultData{}, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := c.feed.authorizeAppend(ctx, c.userID, data.Collection, fields); err != nil {
		c.sendWriteResult(event.ID, WriteResultData{}, err)
		return
	}

	id, err := c.feed.Store.AppendDocument(ctx, data.Collection, fields)
	c.sendWriteResult(event.ID, WriteResultData{DocID: id}, err)
}

func (c *Client) handleCreateDocument(event Event) {
	var data CreateDocumentData
	if err := event.Decode(&data); err != nil {
		c.sendWriteResult(event.ID, WriteResultData{}, err)
		return
	}

	fields, err := store.UnmarshalFields(data.Fields)
	if err != nil {
		c.sendWriteResult(event.ID, WriteResultData{}, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := c.feed.authorizeWrite(ctx, c.userID, data.Path, fields, false); err != nil {
		c.sendWriteResult(event.ID, WriteResultData{}, err)
		return
	}

	created, err := c.feed.Store.CreateDocument(ctx, data.Path, fields)
	c.sendWriteResult(event.ID, WriteResultData{Created: created}, err)
}

func (c *Client) sendWriteResult(id string, result WriteResultData, err error) {
	if err != nil {
		reason := "internal"
		switch {
		case errors.Is(err, pkg.ErrForbidden):
			reason = "forbidden"
		case errors.Is(err, pkg.ErrRateLimited):
			reason = "rate_limited"
		case errors.Is(err, pkg.ErrBadRequest):
			reason = "bad_request"
		}
		metrics.FeedWritesRejected.WithLabelValues(reason).Inc()
		c.log.Debug().Err(err).Str("request_id", id).Msg("write rejected")

		result = WriteResultData{Error: NewErrorData(err)}
	}
	c.sendEvent(OpWriteResult, id, result)
}

func (c *Client) sendError(id string, err error) {
	c.sendEvent(OpError, id, NewErrorData(err))
}

// sendEvent queues one frame. A full queue drops the connection.
func (c *Client) sendEvent(op, id string, payload any) {
	event, err := NewEvent(op, id, payload)
	if err != nil {
		c.log.Error().Err(err).Str("op", op).Msg("failed to build event")
		return
	}
	event.Seq = c.hub.seq.Add(1)

	data, err := json.Marshal(event)
	if err != nil {
		c.log.Error().Err(err).Str("op", op).Msg("failed to marshal event")
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.send <- data:
		metrics.FeedEventsSent.WithLabelValues(op).Inc()
	default:
		c.log.Warn().Msg("send buffer full, dropping connection")
		c.hub.drop(c)
	}
}

// closeSend closes the outgoing queue; WritePump then sends a close frame.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump writes queued frames until the queue is closed.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.writeMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
