package main

import (
	"github.com/benbjohnson/clock"

	"github.com/akinalp/threadline/config"
	"github.com/akinalp/threadline/pkg/ratelimit"
	"github.com/akinalp/threadline/services"
	"github.com/akinalp/threadline/store"
	"github.com/akinalp/threadline/ws"
)

// Services holds what the server side needs. The read-state cache and the
// conversation lists run in clients, which dial the feed with
// store/remote.
type Services struct {
	Auth services.AuthService
	Feed *ws.Feed

	limiter *ratelimit.Limiter
}

// initServices builds the token service and the feed with its append
// limiter.
func initServices(cfg *config.Config, docs store.Store) *Services {
	limiter := ratelimit.New(clock.New(), cfg.Feed.WriteLimit, cfg.Feed.WriteWindow, cfg.Feed.WriteCooldown)

	return &Services{
		Auth:    services.NewAuthService(cfg.JWT.Secret, cfg.JWT.Expiry, nil),
		Feed:    &ws.Feed{Store: docs, Limiter: limiter},
		limiter: limiter,
	}
}

// Close stops background goroutines.
func (s *Services) Close() {
	s.limiter.Close()
}
