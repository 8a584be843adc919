package adapter

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-sesslock/v1/kv"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements DataStore using a Redis backend.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
	ttl     time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	ttl     time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithTTL makes every write expire the payload after d. Zero keeps payloads
// until they are deleted.
func WithTTL(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.ttl = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout, ttl: o.ttl}
}

// Read implements DataStore.Read.
func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, kv.MapRedisError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kv.MapRedisError(err)
	}
	return data, true, nil
}

// Write implements DataStore.Write.
func (s *RedisStore) Write(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return kv.MapRedisError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return kv.MapRedisError(s.client.Set(cctx, key, payload, s.ttl).Err())
}

// Delete implements DataStore.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return kv.MapRedisError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return kv.MapRedisError(s.client.Del(cctx, key).Err())
}
