package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/store"
)

// MaxBodyLength is the longest message body, in runes.
const MaxBodyLength = 2000

// Message is one message of a conversation.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	AuthorID       string              `json:"author_id"`
	Body           string              `json:"body"`
	CreatedAt      time.Time           `json:"created_at"`
	EditedAt       *time.Time          `json:"edited_at,omitempty"`
	Deleted        bool                `json:"deleted"`
	Reactions      map[string][]string `json:"reactions,omitempty"` // emoji -> user ids
}

// NormalizeBody trims body and checks its length.
func NormalizeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	n := utf8.RuneCountInString(body)
	if n < 1 {
		return "", fmt.Errorf("%w: message body is required", pkg.ErrBadRequest)
	}
	if n > MaxBodyLength {
		return "", fmt.Errorf("%w: message body must be at most %d characters", pkg.ErrBadRequest, MaxBodyLength)
	}
	return body, nil
}

// NewMessageFields is the document of a new message. createdAt is assigned
// by the store.
func NewMessageFields(authorID, body string) store.Fields {
	return store.Fields{
		FieldAuthorID:  authorID,
		FieldBody:      body,
		FieldCreatedAt: store.ServerTimestamp,
		FieldDeleted:   false,
	}
}

// MessageFromDocument decodes a message document. A message whose
// createdAt is still pending decodes with a zero CreatedAt.
func MessageFromDocument(conversationID string, doc store.Document) Message {
	m := Message{
		ID:             doc.ID,
		ConversationID: conversationID,
	}
	m.AuthorID, _ = doc.Fields[FieldAuthorID].(string)
	m.Body, _ = doc.Fields[FieldBody].(string)
	m.CreatedAt, _ = doc.Fields[FieldCreatedAt].(time.Time)
	m.Deleted, _ = doc.Fields[FieldDeleted].(bool)
	if t, ok := doc.Fields[FieldEditedAt].(time.Time); ok {
		m.EditedAt = &t
	}

	if raw, ok := doc.Fields[FieldReactions].(map[string]any); ok {
		m.Reactions = make(map[string][]string, len(raw))
		for emoji, users := range raw {
			list := stringList(users)
			slices.Sort(list)
			m.Reactions[emoji] = list
		}
	}
	return m
}
