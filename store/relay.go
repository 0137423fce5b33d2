package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/akinalp/threadline/metrics"
)

// Change announces that the document at Path was written. Origin identifies
// the store instance that wrote it.
type Change struct {
	Origin string `json:"origin"`
	Path   string `json:"path"`
}

// Relay carries change notifications between store instances that share one
// database, so a subscriber on one feed server sees writes made through
// another.
type Relay interface {
	Publish(ctx context.Context, c Change) error
	// Start delivers every received change to fn until ctx is done. It
	// returns once the relay is listening.
	Start(ctx context.Context, fn func(Change)) error
	Close() error
}

// RedisRelay is a Relay over Redis pub/sub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

// NewRedisRelay returns a relay publishing on channel.
func NewRedisRelay(client *redis.Client, channel string, log zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// DialRedisRelay parses url, pings the server and returns a relay.
func DialRedisRelay(ctx context.Context, url, channel string, log zerolog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedisRelay(client, channel, log), nil
}

// Publish sends c to every listening instance, this one included.
func (r *RedisRelay) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	metrics.RelayMessages.WithLabelValues("out").Inc()
	return nil
}

// Start subscribes to the channel and waits for the confirmation before
// returning.
func (r *RedisRelay) Start(ctx context.Context, fn func(Change)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	go func() {
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					r.log.Warn().Err(err).Msg("dropping malformed change")
					continue
				}
				metrics.RelayMessages.WithLabelValues("in").Inc()
				fn(c)
			}
		}
	}()

	return nil
}

// Close closes the Redis client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
