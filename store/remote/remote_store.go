// Package remote implements store.Store on top of the WebSocket feed.
//
// One connection carries every subscription and write. When the connection
// drops, every open subscription receives a snapshot carrying
// pkg.ErrUnavailable and pending writes fail with it; the client then
// reconnects with exponential backoff and re-subscribes, so subscribers see
// fresh snapshots once the feed is back.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/store"
	"github.com/akinalp/threadline/ws"
)

const (
	minBackoff        = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	heartbeatInterval = 30 * time.Second
	writeWait         = 10 * time.Second
)

// Options configure a remote Store.
type Options struct {
	// URL of the feed endpoint, e.g. ws://localhost:9090/ws.
	URL string
	// Token is sent as the token query parameter.
	Token  string
	Logger zerolog.Logger
	Clock  clock.Clock
	Dialer *websocket.Dialer
}

// Store is a store.Store served by a feed server.
type Store struct {
	url    string
	dialer *websocket.Dialer
	clock  clock.Clock
	log    zerolog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]*subscription
	pending map[string]chan ws.WriteResultData
	closed  bool

	writeMu sync.Mutex // serializes frame writes on conn

	connected *stream.Subject[bool]

	cancel context.CancelFunc
	done   chan struct{}
}

type subscription struct {
	op      string
	payload any
	deliver func(ws.Event)
	fail    func(error)
}

// Dial starts a Store. It returns right away; the connection is made in the
// background. Use WaitConnected to block until the feed is reachable.
func Dial(opts Options) (*Store, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: feed url: %v", pkg.ErrBadRequest, err)
	}
	q := u.Query()
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		url:       u.String(),
		dialer:    opts.Dialer,
		clock:     opts.Clock,
		log:       opts.Logger.With().Str("component", "remote").Logger(),
		subs:      make(map[string]*subscription),
		pending:   make(map[string]chan ws.WriteResultData),
		connected: stream.NewDistinctSubject[bool](),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.connected.Publish(false)

	go s.run(ctx)
	return s, nil
}

// Connected streams the connection state.
func (s *Store) Connected() stream.Stream[bool] {
	return s.connected
}

// WaitConnected blocks until the feed connection is up.
func (s *Store) WaitConnected(ctx context.Context) error {
	up := make(chan struct{})
	var once sync.Once
	sub := s.connected.Subscribe(func(ok bool) {
		if ok {
			once.Do(func() { close(up) })
		}
	})
	defer sub.Unsubscribe()

	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops the connection and stops reconnecting. Open subscriptions
// receive pkg.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	<-s.done

	s.failAll(pkg.ErrClosed)
	return nil
}

// SubscribeDocument implements store.Store.
func (s *Store) SubscribeDocument(path string) stream.Stream[store.DocumentSnapshot] {
	return stream.Func[store.DocumentSnapshot](func(fn func(store.DocumentSnapshot)) stream.Subscription {
		out := stream.NewSubject[store.DocumentSnapshot]()
		sub := &subscription{
			op:      ws.OpSubscribeDocument,
			payload: ws.SubscribeDocumentData{Path: path},
			deliver: func(e ws.Event) {
				out.Publish(decodeDocumentSnapshot(path, e))
			},
			fail: func(err error) {
				out.Publish(store.DocumentSnapshot{Path: path, Err: err})
			},
		}
		return s.subscribe(sub, out.Subscribe(fn), out.Close)
	})
}

// SubscribeQuery implements store.Store.
func (s *Store) SubscribeQuery(q store.Query) stream.Stream[store.QuerySnapshot] {
	return stream.Func[store.QuerySnapshot](func(fn func(store.QuerySnapshot)) stream.Subscription {
		out := stream.NewSubject[store.QuerySnapshot]()
		sub := &subscription{
			op:      ws.OpSubscribeQuery,
			payload: ws.SubscribeQueryData{Query: q},
			deliver: func(e ws.Event) {
				out.Publish(decodeQuerySnapshot(e))
			},
			fail: func(err error) {
				out.Publish(store.QuerySnapshot{Err: err})
			},
		}
		return s.subscribe(sub, out.Subscribe(fn), out.Close)
	})
}

func (s *Store) subscribe(sub *subscription, inner stream.Subscription, closeOut func()) stream.Subscription {
	id := s.newID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.fail(fmt.Errorf("%w: remote store", pkg.ErrClosed))
		return stream.OnUnsubscribe(func() {
			inner.Unsubscribe()
			closeOut()
		})
	}
	s.subs[id] = sub
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		sub.fail(fmt.Errorf("%w: feed not connected", pkg.ErrUnavailable))
	} else if err := s.sendEvent(conn, sub.op, id, sub.payload); err != nil {
		s.log.Debug().Err(err).Msg("subscribe frame not sent, the reconnect will retry")
	}

	return stream.OnUnsubscribe(func() {
		s.mu.Lock()
		delete(s.subs, id)
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			_ = s.sendEvent(conn, ws.OpUnsubscribe, id, nil)
		}
		inner.Unsubscribe()
		closeOut()
	})
}

// WriteDocument implements store.Store.
func (s *Store) WriteDocument(ctx context.Context, path string, fields store.Fields, merge bool) error {
	raw, err := store.MarshalFields(fields)
	if err != nil {
		return err
	}
	_, err = s.request(ctx, ws.OpWriteDocument, ws.WriteDocumentData{Path: path, Fields: raw, Merge: merge})
	return err
}

// AppendDocument implements store.Store.
func (s *Store) AppendDocument(ctx context.Context, collection string, fields store.Fields) (string, error) {
	raw, err := store.MarshalFields(fields)
	if err != nil {
		return "", err
	}
	res, err := s.request(ctx, ws.OpAppendDocument, ws.AppendDocumentData{Collection: collection, Fields: raw})
	if err != nil {
		return "", err
	}
	return res.DocID, nil
}

// CreateDocument implements store.Store.
func (s *Store) CreateDocument(ctx context.Context, path string, fields store.Fields) (bool, error) {
	raw, err := store.MarshalFields(fields)
	if err != nil {
		return false, err
	}
	res, err := s.request(ctx, ws.OpCreateDocument, ws.CreateDocumentData{Path: path, Fields: raw})
	if err != nil {
		return false, err
	}
	return res.Created, nil
}

// request sends one write and waits for its result. Writes are not retried.
func (s *Store) request(ctx context.Context, op string, payload any) (ws.WriteResultData, error) {
	id := s.newID()
	result := make(chan ws.WriteResultData, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ws.WriteResultData{}, fmt.Errorf("%w: remote store", pkg.ErrClosed)
	}
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ws.WriteResultData{}, fmt.Errorf("%w: feed not connected", pkg.ErrUnavailable)
	}
	s.pending[id] = result
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.sendEvent(conn, op, id, payload); err != nil {
		return ws.WriteResultData{}, fmt.Errorf("%w: %v", pkg.ErrUnavailable, err)
	}

	select {
	case res := <-result:
		if res.Error != nil {
			return res, res.Error.Err()
		}
		return res, nil
	case <-ctx.Done():
		return ws.WriteResultData{}, ctx.Err()
	}
}

func (s *Store) newID() string {
	return strconv.FormatUint(s.nextID.Add(1), 36)
}

func (s *Store) run(ctx context.Context) {
	defer close(s.done)

	backoff := minBackoff
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err == nil {
			backoff = minBackoff
			s.serve(ctx, conn)
		} else if ctx.Err() == nil {
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("feed dial failed")
		}

		if ctx.Err() != nil {
			return
		}

		select {
		case <-s.clock.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// serve owns one connection until it fails.
func (s *Store) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	resubscribe := make(map[string]*subscription, len(s.subs))
	for id, sub := range s.subs {
		resubscribe[id] = sub
	}
	s.mu.Unlock()

	for id, sub := range resubscribe {
		if err := s.sendEvent(conn, sub.op, id, sub.payload); err != nil {
			break
		}
	}

	s.connected.Publish(true)
	s.log.Info().Int("subscriptions", len(resubscribe)).Msg("feed connected")

	beatCtx, stopBeat := context.WithCancel(ctx)
	go s.heartbeat(beatCtx, conn)

	s.readLoop(conn)

	stopBeat()
	conn.Close()

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	s.connected.Publish(false)
	if ctx.Err() == nil {
		s.log.Warn().Msg("feed connection lost")
		s.failAll(fmt.Errorf("%w: feed connection lost", pkg.ErrUnavailable))
	}
}

func (s *Store) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var event ws.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			s.log.Warn().Err(err).Msg("invalid frame from feed")
			continue
		}

		switch event.Op {
		case ws.OpDocumentSnapshot, ws.OpQuerySnapshot:
			s.mu.Lock()
			sub, ok := s.subs[event.ID]
			s.mu.Unlock()
			if ok {
				sub.deliver(event)
			}

		case ws.OpWriteResult:
			var res ws.WriteResultData
			if err := event.Decode(&res); err != nil {
				res = ws.WriteResultData{Error: ws.NewErrorData(err)}
			}
			s.mu.Lock()
			ch, ok := s.pending[event.ID]
			s.mu.Unlock()
			if ok {
				deliverResult(ch, res)
			}

		case ws.OpError:
			var data ws.ErrorData
			_ = event.Decode(&data)
			s.log.Warn().Str("request_id", event.ID).Str("code", data.Code).Str("message", data.Message).Msg("feed error")

		case ws.OpReady, ws.OpHeartbeatAck:
		}
	}
}

func (s *Store) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := s.clock.Ticker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.sendEvent(conn, ws.OpHeartbeat, "", nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// failAll tells every subscription and pending write that the feed is gone.
func (s *Store) failAll(err error) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	pending := s.pending
	s.pending = make(map[string]chan ws.WriteResultData)
	s.mu.Unlock()

	for _, ch := range pending {
		deliverResult(ch, ws.WriteResultData{Error: ws.NewErrorData(err)})
	}
	for _, sub := range subs {
		sub.fail(err)
	}
}

// deliverResult hands res to a waiting request. A request takes only the
// first result it is given.
func deliverResult(ch chan ws.WriteResultData, res ws.WriteResultData) {
	select {
	case ch <- res:
	default:
	}
}

func (s *Store) sendEvent(conn *websocket.Conn, op, id string, payload any) error {
	event, err := ws.NewEvent(op, id, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func decodeDocumentSnapshot(path string, e ws.Event) store.DocumentSnapshot {
	var data ws.DocumentSnapshotData
	if err := e.Decode(&data); err != nil {
		return store.DocumentSnapshot{Path: path, Err: err}
	}
	if data.Error != nil {
		return store.DocumentSnapshot{Path: path, Err: data.Error.Err()}
	}
	if data.Doc == nil {
		return store.DocumentSnapshot{Path: path}
	}
	doc, err := data.Doc.Decode()
	if err != nil {
		return store.DocumentSnapshot{Path: path, Err: err}
	}
	return store.DocumentSnapshot{Path: path, Doc: &doc}
}

func decodeQuerySnapshot(e ws.Event) store.QuerySnapshot {
	var data ws.QuerySnapshotData
	if err := e.Decode(&data); err != nil {
		return store.QuerySnapshot{Err: err}
	}
	if data.Error != nil {
		return store.QuerySnapshot{Err: data.Error.Err()}
	}
	docs := make([]store.Document, 0, len(data.Docs))
	for _, d := range data.Docs {
		doc, err := d.Decode()
		if err != nil {
			return store.QuerySnapshot{Err: err}
		}
		docs = append(docs, doc)
	}
	return store.QuerySnapshot{Docs: docs}
}
