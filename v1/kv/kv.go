// Package kv defines the key-value capability the lease manager is built on
// and ships in-memory, Redis and NATS JetStream implementations of it.
package kv

import (
	"context"
	"time"
)

// Store is the minimal set of primitives needed to build a lease on top of a
// shared key-value store. Only SetIfAbsent has to be atomic.
type Store interface {
	// SetIfAbsent stores value under key only if the key does not exist.
	// It reports whether this call created the key.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	// Get returns the value for key. The boolean reports whether the key
	// was found.
	Get(ctx context.Context, key string) (string, bool, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Expire sets or overwrites the TTL of an existing key. It reports
	// false if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Delete removes key and reports whether a key was removed.
	Delete(ctx context.Context, key string) (bool, error)
}

// CompareAndDeleter is implemented by stores able to delete a key only when
// it still holds an expected value, in a single atomic step.
type CompareAndDeleter interface {
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)
}
