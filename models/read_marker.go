package models

import (
	"time"

	"github.com/akinalp/threadline/store"
)

// ReadMarker records how far a user has read a conversation. Only the
// reading user writes it and it is never deleted.
type ReadMarker struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	LastReadAt     time.Time `json:"last_read_at"` // zero when never read
}

// MarkReadFields is the merge patch that stamps a marker with the store's
// time.
func MarkReadFields() store.Fields {
	return store.Fields{FieldLastReadAt: store.ServerTimestamp}
}

// ReadMarkerFromSnapshot decodes a marker snapshot. A missing document or a
// marker whose timestamp is not resolved yet yields a zero LastReadAt.
func ReadMarkerFromSnapshot(conversationID, userID string, snap store.DocumentSnapshot) ReadMarker {
	m := ReadMarker{ConversationID: conversationID, UserID: userID}
	if snap.Exists() {
		m.LastReadAt, _ = snap.Doc.Fields[FieldLastReadAt].(time.Time)
	}
	return m
}
