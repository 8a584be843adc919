package kv

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	sesserrors "github.com/mirkobrombin/go-sesslock/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var delIfEqualsScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Store using a Redis backend. Any go-redis client works:
// a single node, a cluster or a sentinel-backed failover client.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.timeout = d
	}
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MapRedisError translates go-redis and context errors into the shared
// sentinel errors. Other errors are returned unchanged.
func MapRedisError(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return sesserrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return sesserrors.ErrConnectionClosed
	default:
		return err
	}
}

func (r *Redis) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, MapRedisError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	return cctx, cancel, nil
}

// SetIfAbsent implements Store.SetIfAbsent using SETNX.
func (r *Redis) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel, err := r.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := r.client.SetNX(cctx, key, value, 0).Result()
	if err != nil {
		return false, MapRedisError(err)
	}
	return ok, nil
}

// Get implements Store.Get.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := r.opContext(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := r.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, MapRedisError(err)
	}
	return v, true, nil
}

// Exists implements Store.Exists.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := r.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := r.client.Exists(cctx, key).Result()
	if err != nil {
		return false, MapRedisError(err)
	}
	return n > 0, nil
}

// Expire implements Store.Expire. PEXPIRE is used so sub-second TTLs keep
// their precision.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, sesserrors.ErrInvalidTTL
	}
	cctx, cancel, err := r.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := r.client.PExpire(cctx, key, ttl).Result()
	if err != nil {
		return false, MapRedisError(err)
	}
	return ok, nil
}

// Delete implements Store.Delete.
func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := r.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := r.client.Del(cctx, key).Result()
	if err != nil {
		return false, MapRedisError(err)
	}
	return n > 0, nil
}

// DeleteIfEquals implements CompareAndDeleter with a Lua script so the
// comparison and the delete cannot be interleaved with another client.
func (r *Redis) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel, err := r.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := delIfEqualsScript.Run(cctx, r.client, []string{key}, value).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, MapRedisError(err)
	}
	return n > 0, nil
}
