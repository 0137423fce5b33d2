package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/config"
	"github.com/akinalp/threadline/pkg/logger"
	"github.com/akinalp/threadline/store"
)

// initRelay connects docs to the other feed servers sharing its database.
// Without REDIS_URL the server runs alone and no relay is returned.
//
// The relay calls back into the store on every change another instance
// made, so subscribers here re-read the path.
func initRelay(ctx context.Context, cfg *config.Config, docs *store.SQLiteStore, log zerolog.Logger) (*store.RedisRelay, error) {
	mainLog := logger.Component(log, "main")
	if cfg.Redis.URL == "" {
		mainLog.Info().Msg("redis relay disabled, running as a single instance")
		return nil, nil
	}

	relay, err := store.DialRedisRelay(ctx, cfg.Redis.URL, cfg.Redis.Channel, log)
	if err != nil {
		return nil, err
	}

	if err := docs.UseRelay(ctx, relay); err != nil {
		_ = relay.Close()
		return nil, err
	}

	mainLog.Info().Str("channel", cfg.Redis.Channel).Msg("redis relay enabled")
	return relay, nil
}
