package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server, for deployments where dedup
// entries and circuit snapshots must survive process restarts.
type Redis struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
}

// RedisConfig describes how the Redis store connects.
type RedisConfig struct {
	// Client is an existing go-redis client to reuse. When nil, a client is
	// created from Addr/Username/Password/DB and owned (closed) by the store.
	Client redis.UniversalClient

	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces all keys, defaulting to "reflow:".
	KeyPrefix string
}

// NewRedis creates a Redis-backed store and verifies connectivity.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := cfg.Client
	ownClient := false
	if client == nil {
		if cfg.Addr == "" {
			return nil, errors.New("reflow: redis address is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		ownClient = true
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if ownClient {
			_ = client.Close()
		}
		return nil, fmt.Errorf("reflow: redis ping failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "reflow:"
	}

	return &Redis{client: client, ownClient: ownClient, keyPrefix: prefix}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reflow: redis get %q: %w", key, err)
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("reflow: redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reflow: redis del %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}
