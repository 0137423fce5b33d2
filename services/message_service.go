package services

import (
	"context"
	"fmt"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/store"
)

// MessageService writes messages.
type MessageService interface {
	// Send appends a message and marks the conversation active right away.
	Send(ctx context.Context, kind models.Kind, conversationID, authorID, body string) (string, error)
	Edit(ctx context.Context, kind models.Kind, conversationID, messageID, body string) error
	Delete(ctx context.Context, kind models.Kind, conversationID, messageID string) error
}

type messageService struct {
	store     store.Store
	readState ReadStateCache
}

func NewMessageService(s store.Store, readState ReadStateCache) MessageService {
	return &messageService{store: s, readState: readState}
}

func (s *messageService) Send(ctx context.Context, kind models.Kind, conversationID, authorID, body string) (string, error) {
	body, err := models.NormalizeBody(body)
	if err != nil {
		return "", err
	}

	id, err := s.store.AppendDocument(ctx, kind.MessagesCollection(conversationID), models.NewMessageFields(authorID, body))
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	if s.readState != nil {
		s.readState.BumpLastActivity(kind, conversationID)
	}
	return id, nil
}

func (s *messageService) Edit(ctx context.Context, kind models.Kind, conversationID, messageID, body string) error {
	body, err := models.NormalizeBody(body)
	if err != nil {
		return err
	}

	path := store.Join(kind.MessagesCollection(conversationID), messageID)
	fields := store.Fields{
		models.FieldBody:     body,
		models.FieldEditedAt: store.ServerTimestamp,
	}
	if err := s.store.WriteDocument(ctx, path, fields, true); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// Delete flags the message as deleted; the document stays.
func (s *messageService) Delete(ctx context.Context, kind models.Kind, conversationID, messageID string) error {
	path := store.Join(kind.MessagesCollection(conversationID), messageID)
	if err := s.store.WriteDocument(ctx, path, store.Fields{models.FieldDeleted: true}, true); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
