package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisTier is the optional distributed tier. Values are msgpack-encoded;
// expiry is enforced server-side, so the background maintenance loop never
// sweeps this tier.
type RedisTier struct {
	client *redis.Client
}

// NewRedisTier connects and pings the server.
func NewRedisTier(addr string) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisTier{client: client}, nil
}

// NewRedisTierFromClient wraps an existing client (tests use miniredis).
func NewRedisTierFromClient(client *redis.Client) *RedisTier {
	return &RedisTier{client: client}
}

// Get returns the raw payload for key, or found=false on a miss.
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set encodes value with msgpack and stores it with the given TTL.
func (r *RedisTier) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes key.
func (r *RedisTier) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Close releases the client.
func (r *RedisTier) Close() error {
	return r.client.Close()
}
