package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/stream"
	"github.com/akinalp/threadline/store"
)

// ConversationService reads the channel and user directories and creates
// conversations.
type ConversationService interface {
	// Channels streams every channel. Membership filtering is left to the
	// caller.
	Channels() stream.Stream[[]models.Conversation]
	Users() stream.Stream[[]models.User]

	// EnsureDirectMessage returns the DM between a and b, creating it if
	// needed. Concurrent callers end up with the same conversation.
	EnsureDirectMessage(ctx context.Context, a, b string) (models.Conversation, error)

	CreateChannel(ctx context.Context, name string, members []string) (models.Conversation, error)
}

type conversationService struct {
	store store.Store
	log   zerolog.Logger

	channels *stream.Shared[struct{}, []models.Conversation]
	users    *stream.Shared[struct{}, []models.User]
}

func NewConversationService(s store.Store, log zerolog.Logger) ConversationService {
	svc := &conversationService{
		store: s,
		log:   log.With().Str("component", "conversations").Logger(),
	}
	svc.channels = stream.NewShared(svc.startChannels)
	svc.users = stream.NewShared(svc.startUsers)
	return svc
}

func (s *conversationService) Channels() stream.Stream[[]models.Conversation] {
	return s.channels.Stream(struct{}{})
}

func (s *conversationService) Users() stream.Stream[[]models.User] {
	return s.users.Stream(struct{}{})
}

func (s *conversationService) startChannels(_ struct{}, out *stream.Subject[[]models.Conversation]) func() {
	q := store.Query{Collection: models.KindChannel.Root()}
	sub := s.store.SubscribeQuery(q).Subscribe(func(snap store.QuerySnapshot) {
		if snap.Err != nil {
			// keep the last good list
			s.log.Warn().Err(snap.Err).Msg("channel directory unavailable")
			return
		}
		list := make([]models.Conversation, 0, len(snap.Docs))
		for _, d := range snap.Docs {
			c, err := models.ConversationFromDocument(models.KindChannel, d)
			if err != nil {
				s.log.Warn().Err(err).Str("path", d.Path).Msg("skipping malformed channel")
				continue
			}
			list = append(list, c)
		}
		out.Publish(list)
	})
	return sub.Unsubscribe
}

func (s *conversationService) startUsers(_ struct{}, out *stream.Subject[[]models.User]) func() {
	q := store.Query{Collection: models.UsersCollection}
	sub := s.store.SubscribeQuery(q).Subscribe(func(snap store.QuerySnapshot) {
		if snap.Err != nil {
			s.log.Warn().Err(snap.Err).Msg("user directory unavailable")
			return
		}
		list := make([]models.User, 0, len(snap.Docs))
		for _, d := range snap.Docs {
			list = append(list, models.UserFromDocument(d))
		}
		out.Publish(list)
	})
	return sub.Unsubscribe
}

func (s *conversationService) EnsureDirectMessage(ctx context.Context, a, b string) (models.Conversation, error) {
	dm, err := models.NewDM(a, b)
	if err != nil {
		return models.Conversation{}, err
	}

	created, err := s.store.CreateDocument(ctx, models.KindDM.ConversationPath(dm.ID), dm.Fields())
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create dm %s: %w", dm.ID, err)
	}
	if created {
		s.log.Debug().Str("dm_id", dm.ID).Msg("dm created")
	}
	return s.readConversation(ctx, models.KindDM, dm.ID)
}

func (s *conversationService) CreateChannel(ctx context.Context, name string, members []string) (models.Conversation, error) {
	req := models.CreateChannelRequest{Name: name, Members: members}
	if err := req.Validate(); err != nil {
		return models.Conversation{}, err
	}

	c := models.Conversation{
		ID:      uuid.NewString(),
		Kind:    models.KindChannel,
		Name:    req.Name,
		Members: req.Members,
	}

	created, err := s.store.CreateDocument(ctx, models.KindChannel.ConversationPath(c.ID), c.Fields())
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create channel: %w", err)
	}
	if !created {
		return models.Conversation{}, fmt.Errorf("%w: channel %s", pkg.ErrAlreadyExists, c.ID)
	}
	return s.readConversation(ctx, models.KindChannel, c.ID)
}

// readConversation reads back a conversation so the caller sees the
// store assigned createdAt.
func (s *conversationService) readConversation(ctx context.Context, kind models.Kind, id string) (models.Conversation, error) {
	doc, err := store.Get(ctx, s.store, kind.ConversationPath(id))
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to read %s %s: %w", kind, id, err)
	}
	c, err := models.ConversationFromDocument(kind, *doc)
	if err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}
