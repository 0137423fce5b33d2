// Package store defines the realtime document store the client core talks
// to, and ships a SQLite backed implementation for the feed server.
//
// Documents live at slash separated paths that alternate collection and id
// segments ("channels/c1/messages/m1"). Reads are push based: subscribing to
// a document or a query yields a snapshot right away and another one after
// every change that touches it.
package store

import (
	"context"
	"time"

	"github.com/akinalp/threadline/pkg/stream"
)

// Store is the document store contract.
type Store interface {
	// SubscribeDocument streams the document at path. Doc is nil while the
	// document does not exist; Err is set when the read failed.
	SubscribeDocument(path string) stream.Stream[DocumentSnapshot]

	// SubscribeQuery streams the result of q.
	SubscribeQuery(q Query) stream.Stream[QuerySnapshot]

	// WriteDocument sets the document at path. With merge the given fields
	// are merged into the existing ones; without it they replace them.
	WriteDocument(ctx context.Context, path string, fields Fields, merge bool) error

	// AppendDocument adds a document with a generated id to collection and
	// returns the id.
	AppendDocument(ctx context.Context, collection string, fields Fields) (string, error)

	// CreateDocument stores fields at path only if nothing is there yet.
	// It reports whether this call created the document.
	CreateDocument(ctx context.Context, path string, fields Fields) (bool, error)
}

// Fields are the contents of a document. Values are nil, bool, string,
// numbers, time.Time, []any, nested maps, or ServerTimestamp on write.
type Fields map[string]any

// Document is one stored document.
type Document struct {
	Path       string
	ID         string
	Fields     Fields
	CreateTime time.Time
	UpdateTime time.Time
}

// DocumentSnapshot is one emission of a document subscription.
type DocumentSnapshot struct {
	Path string
	Doc  *Document
	Err  error
}

// Exists reports whether the snapshot holds a document.
func (s DocumentSnapshot) Exists() bool {
	return s.Err == nil && s.Doc != nil
}

// QuerySnapshot is one emission of a query subscription.
type QuerySnapshot struct {
	Docs []Document
	Err  error
}

// serverTimestamp is the type of the ServerTimestamp sentinel.
type serverTimestamp struct{}

// ServerTimestamp, used as a field value on write, is replaced by a time
// assigned by the store. Store assigned times are strictly increasing.
var ServerTimestamp = serverTimestamp{}
