package main

import (
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/handlers"
	"github.com/akinalp/threadline/store"
	"github.com/akinalp/threadline/ws"
)

// Handlers holds every HTTP handler.
type Handlers struct {
	Health *handlers.HealthHandler
	Token  *handlers.TokenHandler
	WS     *ws.Handler
}

func initHandlers(svcs *Services, docs store.Store, hub *ws.Hub, log zerolog.Logger) *Handlers {
	return &Handlers{
		Health: handlers.NewHealthHandler(hub),
		Token:  handlers.NewTokenHandler(svcs.Auth, docs, log),
		WS:     ws.NewHandler(hub, svcs.Feed, svcs.Auth),
	}
}
