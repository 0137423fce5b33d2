package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/database"
	"github.com/akinalp/threadline/metrics"
	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/stream"
)

// readTimeout bounds the reads a change notification triggers.
const readTimeout = 5 * time.Second

// SQLiteStore is a Store over the documents table.
//
// Writes run in a transaction that also advances the server clock, so
// ServerTimestamp values are strictly increasing even across restarts.
// After a write commits, every subscription watching the written path or
// its collection re-reads and publishes a fresh snapshot before the write
// call returns.
type SQLiteStore struct {
	db     *sql.DB
	clock  clock.Clock
	log    zerolog.Logger
	hub    *watchHub
	origin string
	relay  Relay

	// SQLite allows one writer; serializing here avoids SQLITE_BUSY on the
	// read-then-write server clock upgrade.
	writeMu sync.Mutex
}

// NewSQLiteStore returns a store over db. db must carry the schema of
// database.EmbeddedMigrations.
func NewSQLiteStore(db *sql.DB, clk clock.Clock, log zerolog.Logger) *SQLiteStore {
	if clk == nil {
		clk = clock.New()
	}
	return &SQLiteStore{
		db:     db,
		clock:  clk,
		log:    log.With().Str("component", "store").Logger(),
		hub:    newWatchHub(),
		origin: uuid.NewString(),
	}
}

// UseRelay publishes every local write to relay and refreshes local
// subscriptions on writes made by other instances.
func (s *SQLiteStore) UseRelay(ctx context.Context, relay Relay) error {
	if err := relay.Start(ctx, s.onRelayChange); err != nil {
		return err
	}
	s.relay = relay
	return nil
}

func (s *SQLiteStore) onRelayChange(c Change) {
	if c.Origin == s.origin {
		return
	}
	s.hub.notify(c.Path)
}

// Watchers reports the number of live subscriptions.
func (s *SQLiteStore) Watchers() int {
	return s.hub.watchers()
}

// SubscribeDocument implements Store.
func (s *SQLiteStore) SubscribeDocument(path string) stream.Stream[DocumentSnapshot] {
	return stream.Func[DocumentSnapshot](func(fn func(DocumentSnapshot)) stream.Subscription {
		if err := ValidateDocumentPath(path); err != nil {
			fn(DocumentSnapshot{Path: path, Err: err})
			return stream.Noop
		}

		out := stream.NewSubject[DocumentSnapshot]()
		refresh := func(seq uint64) {
			out.PublishNewer(s.readDocument(path), seq)
		}

		cancel := s.hub.watchPath(path, refresh)
		refresh(s.hub.current())
		inner := out.Subscribe(fn)

		return stream.OnUnsubscribe(func() {
			cancel()
			inner.Unsubscribe()
			out.Close()
		})
	})
}

// SubscribeQuery implements Store.
func (s *SQLiteStore) SubscribeQuery(q Query) stream.Stream[QuerySnapshot] {
	return stream.Func[QuerySnapshot](func(fn func(QuerySnapshot)) stream.Subscription {
		if err := q.Validate(); err != nil {
			fn(QuerySnapshot{Err: err})
			return stream.Noop
		}

		out := stream.NewSubject[QuerySnapshot]()
		refresh := func(seq uint64) {
			out.PublishNewer(s.runQuery(q), seq)
		}

		cancel := s.hub.watchCollection(q.Collection, refresh)
		refresh(s.hub.current())
		inner := out.Subscribe(fn)

		return stream.OnUnsubscribe(func() {
			cancel()
			inner.Unsubscribe()
			out.Close()
		})
	})
}

// WriteDocument implements Store.
func (s *SQLiteStore) WriteDocument(ctx context.Context, path string, fields Fields, merge bool) error {
	if err := ValidateDocumentPath(path); err != nil {
		return err
	}
	collection, _ := Split(path)

	s.writeMu.Lock()
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		now, err := s.nextTimestamp(ctx, tx)
		if err != nil {
			return err
		}

		resolved := resolveServerTimestamps(fields, now)
		if merge {
			existing, err := selectFields(ctx, tx, path)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if existing != nil {
				resolved = mergeFields(existing, resolved)
			}
		}

		encoded, err := MarshalFields(resolved)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (path, collection, fields, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`,
			path, collection, string(encoded), now.UnixNano(), now.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.changed(ctx, path)
	return nil
}

// AppendDocument implements Store.
func (s *SQLiteStore) AppendDocument(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return "", err
	}

	id := uuid.NewString()
	path := Join(collection, id)

	if _, err := s.insert(ctx, path, collection, fields); err != nil {
		return "", err
	}

	s.changed(ctx, path)
	return id, nil
}

// CreateDocument implements Store.
func (s *SQLiteStore) CreateDocument(ctx context.Context, path string, fields Fields) (bool, error) {
	if err := ValidateDocumentPath(path); err != nil {
		return false, err
	}
	collection, _ := Split(path)

	created, err := s.insert(ctx, path, collection, fields)
	if err != nil {
		return false, err
	}
	if created {
		s.changed(ctx, path)
	}
	return created, nil
}

// insert stores a new document and reports whether the path was free.
func (s *SQLiteStore) insert(ctx context.Context, path, collection string, fields Fields) (bool, error) {
	var created bool

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		now, err := s.nextTimestamp(ctx, tx)
		if err != nil {
			return err
		}

		encoded, err := MarshalFields(resolveServerTimestamps(fields, now))
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO documents (path, collection, fields, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(path) DO NOTHING`,
			path, collection, string(encoded), now.UnixNano(), now.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", path, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})

	return created, err
}

// nextTimestamp advances the server clock: the wall clock when it moved
// forward, one nanosecond past the last timestamp otherwise.
func (s *SQLiteStore) nextTimestamp(ctx context.Context, tx database.TxQuerier) (time.Time, error) {
	var last int64
	if err := tx.QueryRowContext(ctx, "SELECT last_ns FROM server_clock WHERE id = 1").Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("failed to read server clock: %w", err)
	}

	next := s.clock.Now().UnixNano()
	if next <= last {
		next = last + 1
	}

	if _, err := tx.ExecContext(ctx, "UPDATE server_clock SET last_ns = ? WHERE id = 1", next); err != nil {
		return time.Time{}, fmt.Errorf("failed to advance server clock: %w", err)
	}
	return time.Unix(0, next).UTC(), nil
}

func (s *SQLiteStore) changed(ctx context.Context, path string) {
	s.hub.notify(path)

	if s.relay == nil {
		return
	}
	if err := s.relay.Publish(ctx, Change{Origin: s.origin, Path: path}); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("relay publish failed")
	}
}

func (s *SQLiteStore) readDocument(path string) DocumentSnapshot {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		"SELECT fields, created_at, updated_at FROM documents WHERE path = ?", path)

	doc, err := scanDocument(row, path)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentSnapshot{Path: path}
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("document").Inc()
		s.log.Warn().Err(err).Str("path", path).Msg("document read failed")
		return DocumentSnapshot{Path: path, Err: err}
	}
	return DocumentSnapshot{Path: path, Doc: doc}
}

func (s *SQLiteStore) runQuery(q Query) QuerySnapshot {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	docs, err := s.selectDocuments(ctx, q)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("query").Inc()
		s.log.Warn().Err(err).Str("collection", q.Collection).Msg("query failed")
		return QuerySnapshot{Err: err}
	}
	return QuerySnapshot{Docs: docs}
}

// selectDocuments runs q in SQLite; only the documents of the result are
// read and decoded.
func (s *SQLiteStore) selectDocuments(ctx context.Context, q Query) ([]Document, error) {
	where, args := q.toSQL()
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, fields, created_at, updated_at FROM documents WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			path             string
			raw              string
			created, updated int64
		)
		if err := rows.Scan(&path, &raw, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := newDocument(path, raw, created, updated)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", q.Collection, err)
	}
	metrics.StoreDocumentsRead.Add(float64(len(docs)))
	return docs, nil
}

func selectFields(ctx context.Context, q database.TxQuerier, path string) (Fields, error) {
	var raw string
	if err := q.QueryRowContext(ctx, "SELECT fields FROM documents WHERE path = ?", path).Scan(&raw); err != nil {
		return nil, err
	}
	return UnmarshalFields([]byte(raw))
}

func scanDocument(row *sql.Row, path string) (*Document, error) {
	var (
		raw              string
		created, updated int64
	)
	if err := row.Scan(&raw, &created, &updated); err != nil {
		return nil, err
	}
	return newDocument(path, raw, created, updated)
}

func newDocument(path, raw string, created, updated int64) (*Document, error) {
	fields, err := UnmarshalFields([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: document %s: %v", pkg.ErrInternal, path, err)
	}
	_, id := Split(path)
	return &Document{
		Path:       path,
		ID:         id,
		Fields:     fields,
		CreateTime: time.Unix(0, created).UTC(),
		UpdateTime: time.Unix(0, updated).UTC(),
	}, nil
}
