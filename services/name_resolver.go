package services

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg/cache"
	"github.com/akinalp/threadline/store"
)

// NameResolver turns user ids into display names.
type NameResolver interface {
	// DisplayName returns the user's display name, or the id itself when
	// the profile cannot be read. Only successful lookups are cached.
	DisplayName(ctx context.Context, userID string) string
	Forget(userID string)
	Close()
}

type nameResolver struct {
	store store.Store
	names *cache.TTLCache[string, string]
	log   zerolog.Logger
}

func NewNameResolver(s store.Store, clk clock.Clock, ttl time.Duration, log zerolog.Logger) NameResolver {
	return &nameResolver{
		store: s,
		names: cache.New[string, string](clk, ttl, ttl),
		log:   log.With().Str("component", "names").Logger(),
	}
}

func (r *nameResolver) DisplayName(ctx context.Context, userID string) string {
	if name, ok := r.names.Get(userID); ok {
		return name
	}

	doc, err := store.Get(ctx, r.store, models.UserPath(userID))
	if err != nil {
		r.log.Debug().Err(err).Str("user_id", userID).Msg("falling back to user id")
		return userID
	}

	name := models.UserFromDocument(*doc).Name()
	r.names.Set(userID, name)
	return name
}

func (r *nameResolver) Forget(userID string) {
	r.names.Delete(userID)
}

func (r *nameResolver) Close() {
	r.names.Close()
}
