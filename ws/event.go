// Package ws serves the document store over WebSocket.
//
// Every frame is one JSON Event. Requests carry a client chosen id; the
// server answers with the same id (write_result) or streams snapshots
// tagged with the subscription id until the client unsubscribes.
//
//	client → server: subscribe_document, subscribe_query, unsubscribe,
//	                 write_document, append_document, create_document, heartbeat
//	server → client: ready, document_snapshot, query_snapshot, write_result,
//	                 heartbeat_ack, error
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/store"
)

// Event is one frame of the feed.
type Event struct {
	Op   string          `json:"op"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

// Client → server operations.
const (
	OpSubscribeDocument = "subscribe_document"
	OpSubscribeQuery    = "subscribe_query"
	OpUnsubscribe       = "unsubscribe"
	OpWriteDocument     = "write_document"
	OpAppendDocument    = "append_document"
	OpCreateDocument    = "create_document"
	OpHeartbeat         = "heartbeat"
)

// Server → client operations.
const (
	OpReady            = "ready"
	OpDocumentSnapshot = "document_snapshot"
	OpQuerySnapshot    = "query_snapshot"
	OpWriteResult      = "write_result"
	OpHeartbeatAck     = "heartbeat_ack"
	OpError            = "error"
)

// NewEvent marshals payload into an Event.
func NewEvent(op, id string, payload any) (Event, error) {
	e := Event{Op: op, ID: id}
	if payload == nil {
		return e, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", op, err)
	}
	e.Data = data
	return e, nil
}

// Decode unmarshals the payload of e into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s without payload", pkg.ErrBadRequest, e.Op)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", pkg.ErrBadRequest, e.Op, err)
	}
	return nil
}

// ReadyData greets a new connection.
type ReadyData struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// SubscribeDocumentData asks for a document stream.
type SubscribeDocumentData struct {
	Path string `json:"path"`
}

// SubscribeQueryData asks for a query stream.
type SubscribeQueryData struct {
	Query store.Query `json:"query"`
}

// WriteDocumentData sets a document.
type WriteDocumentData struct {
	Path   string          `json:"path"`
	Fields json.RawMessage `json:"fields"`
	Merge  bool            `json:"merge"`
}

// AppendDocumentData adds a document with a generated id.
type AppendDocumentData struct {
	Collection string          `json:"collection"`
	Fields     json.RawMessage `json:"fields"`
}

// CreateDocumentData stores a document unless one exists.
type CreateDocumentData struct {
	Path   string          `json:"path"`
	Fields json.RawMessage `json:"fields"`
}

// Document is the wire form of store.Document.
type Document struct {
	Path       string          `json:"path"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields"`
	CreateTime time.Time       `json:"create_time"`
	UpdateTime time.Time       `json:"update_time"`
}

// DocumentSnapshotData is one document emission. Doc is nil when the
// document does not exist.
type DocumentSnapshotData struct {
	Path  string     `json:"path"`
	Doc   *Document  `json:"doc,omitempty"`
	Error *ErrorData `json:"error,omitempty"`
}

// QuerySnapshotData is one query emission.
type QuerySnapshotData struct {
	Docs  []Document `json:"docs"`
	Error *ErrorData `json:"error,omitempty"`
}

// WriteResultData answers a write. DocID is set for appends, Created for
// creates.
type WriteResultData struct {
	DocID   string     `json:"doc_id,omitempty"`
	Created bool       `json:"created,omitempty"`
	Error   *ErrorData `json:"error,omitempty"`
}

// ErrorData is an error on the wire.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeDocument converts a document to its wire form.
func EncodeDocument(d store.Document) (Document, error) {
	fields, err := store.MarshalFields(d.Fields)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Path:       d.Path,
		ID:         d.ID,
		Fields:     fields,
		CreateTime: d.CreateTime,
		UpdateTime: d.UpdateTime,
	}, nil
}

// Decode converts the wire form back to a document.
func (d Document) Decode() (store.Document, error) {
	fields, err := store.UnmarshalFields(d.Fields)
	if err != nil {
		return store.Document{}, err
	}
	return store.Document{
		Path:       d.Path,
		ID:         d.ID,
		Fields:     fields,
		CreateTime: d.CreateTime,
		UpdateTime: d.UpdateTime,
	}, nil
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"not_found", pkg.ErrNotFound},
	{"unauthorized", pkg.ErrUnauthorized},
	{"forbidden", pkg.ErrForbidden},
	{"already_exists", pkg.ErrAlreadyExists},
	{"bad_request", pkg.ErrBadRequest},
	{"invariant", pkg.ErrInvariant},
	{"rate_limited", pkg.ErrRateLimited},
	{"closed", pkg.ErrClosed},
	{"unavailable", pkg.ErrUnavailable},
}

// NewErrorData converts err to its wire form. Errors that wrap none of the
// sentinels travel as "internal".
func NewErrorData(err error) *ErrorData {
	if err == nil {
		return nil
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return &ErrorData{Code: c.code, Message: err.Error()}
		}
	}
	return &ErrorData{Code: "internal", Message: err.Error()}
}

// Err converts the wire form back to an error wrapping the matching
// sentinel, so errors.Is works on both ends.
func (e *ErrorData) Err() error {
	if e == nil {
		return nil
	}
	for _, c := range errorCodes {
		if c.code == e.Code {
			return &remoteError{sentinel: c.err, msg: e.Message}
		}
	}
	return &remoteError{sentinel: pkg.ErrInternal, msg: e.Message}
}

type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
