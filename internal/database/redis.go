package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// publishTimeout bounds a PUBLISH or RPUSH issued on the heartbeat path.
const publishTimeout = 2 * time.Second

// RedisClients keeps publishing and subscribing on separate connections; a
// connection in subscribe mode cannot issue PUBLISH. The publish client also
// carries the heartbeat queue.
type RedisClients struct {
	Publish   *redis.Client
	Subscribe *redis.Client
}

// redisOptions derives the options for both clients from one URL. Timeouts
// given in the URL win over the defaults.
func redisOptions(redisURL string) (publish, subscribe *redis.Options, err error) {
	base, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if base.ClientName == "" {
		base.ClientName = "worktrack-collector"
	}

	pub := *base
	pub.ClientName = base.ClientName + ":publish"
	if pub.ReadTimeout == 0 {
		pub.ReadTimeout = publishTimeout
	}
	if pub.WriteTimeout == 0 {
		pub.WriteTimeout = publishTimeout
	}

	sub := *base
	sub.ClientName = base.ClientName + ":subscribe"
	return &pub, &sub, nil
}

func NewRedisClients(ctx context.Context, redisURL string) (*RedisClients, error) {
	pubOpt, subOpt, err := redisOptions(redisURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clients := &RedisClients{
		Publish:   redis.NewClient(pubOpt),
		Subscribe: redis.NewClient(subOpt),
	}
	if err := clients.Ping(ctx); err != nil {
		clients.Close()
		return nil, err
	}
	return clients, nil
}

// Ping checks both connections.
func (r *RedisClients) Ping(ctx context.Context) error {
	var errs []error
	if err := r.Publish.Ping(ctx).Err(); err != nil {
		errs = append(errs, fmt.Errorf("failed to ping Redis (publish): %w", err))
	}
	if err := r.Subscribe.Ping(ctx).Err(); err != nil {
		errs = append(errs, fmt.Errorf("failed to ping Redis (subscribe): %w", err))
	}
	return errors.Join(errs...)
}

func (r *RedisClients) Close() {
	r.Publish.Close()
	r.Subscribe.Close()
}
