package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-sesslock/v1/kv"
)

// NATSStore implements DataStore on a JetStream key-value bucket. Payload
// expiry, if any, is the bucket TTL.
type NATSStore struct {
	kv nats.KeyValue
}

// NewNATSStore opens the named bucket, creating it with the given TTL if it
// does not exist. A zero ttl keeps payloads until they are deleted.
func NewNATSStore(js nats.JetStreamContext, bucket string, ttl time.Duration) (*NATSStore, error) {
	b, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		b, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "sesslock session payloads",
			TTL:         ttl,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, kv.MapNATSError(err))
	}
	return &NATSStore{kv: b}, nil
}

// Read implements DataStore.Read.
func (s *NATSStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, kv.MapNATSError(err)
	}
	e, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kv.MapNATSError(err)
	}
	return e.Value(), true, nil
}

// Write implements DataStore.Write.
func (s *NATSStore) Write(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return kv.MapNATSError(err)
	}
	_, err := s.kv.Put(key, payload)
	return kv.MapNATSError(err)
}

// Delete implements DataStore.Delete.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return kv.MapNATSError(err)
	}
	err := s.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return kv.MapNATSError(err)
}
