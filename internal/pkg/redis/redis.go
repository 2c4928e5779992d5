// Package redis provides Redis connection utilities.
package redis

import (
	"context"
	"fmt"

	"github.com/bissquit/salon-notify/internal/pkg/connect"
	"github.com/redis/go-redis/v9"
)

// Config contains Redis connection configuration.
type Config struct {
	URL             string
	ConnectAttempts int
}

// Connect creates a client and pings the server, retrying with backoff.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	var client *redis.Client
	err = connect.Retry(ctx, "redis", cfg.ConnectAttempts, func(ctx context.Context) error {
		c := redis.NewClient(opts)
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Healthcheck returns a readiness check that pings the server.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		return nil
	}
}
