package kv

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"

	sesserrors "github.com/mirkobrombin/go-sesslock/v1/errors"
)

// NATS implements Store on top of a JetStream key-value bucket.
//
// JetStream buckets expire entries with a single bucket-wide TTL, so Expire
// cannot shorten or lengthen the life of one key. It refreshes the age of
// the entry instead and rejects TTLs above the bucket TTL.
type NATS struct {
	kv  nats.KeyValue
	ttl time.Duration
}

// NewNATS opens the named bucket, creating it with the given TTL if it does
// not exist yet.
func NewNATS(js nats.JetStreamContext, bucket string, ttl time.Duration) (*NATS, error) {
	kv, err := js.KeyValue(bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "sesslock leases",
			TTL:         ttl,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, MapNATSError(err))
	}
	st, err := kv.Status()
	if err != nil {
		return nil, MapNATSError(err)
	}
	return &NATS{kv: kv, ttl: st.TTL()}, nil
}

// MapNATSError translates NATS client errors to sesslock errors.
func MapNATSError(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, nats.ErrTimeout), stdErrors.Is(err, context.DeadlineExceeded):
		return sesserrors.ErrTimeout
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return sesserrors.ErrConnectionClosed
	default:
		return err
	}
}

func isWrongRevision(err error) bool {
	var apiErr *nats.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func (n *NATS) entry(ctx context.Context, key string) (nats.KeyValueEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, MapNATSError(err)
	}
	e, err := n.kv.Get(key)
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, MapNATSError(err)
	}
	return e, true, nil
}

// SetIfAbsent implements Store.SetIfAbsent using Create.
func (n *NATS) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, MapNATSError(err)
	}
	_, err := n.kv.Create(key, []byte(value))
	if stdErrors.Is(err, nats.ErrKeyExists) || isWrongRevision(err) {
		return false, nil
	}
	if err != nil {
		return false, MapNATSError(err)
	}
	return true, nil
}

// Get implements Store.Get.
func (n *NATS) Get(ctx context.Context, key string) (string, bool, error) {
	e, ok, err := n.entry(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(e.Value()), true, nil
}

// Exists implements Store.Exists.
func (n *NATS) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := n.entry(ctx, key)
	return ok, err
}

// Expire implements Store.Expire by rewriting the entry at its current
// revision, which restarts its age in the bucket.
func (n *NATS) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, sesserrors.ErrInvalidTTL
	}
	if n.ttl > 0 && ttl > n.ttl {
		return false, fmt.Errorf("%w: %s > %s", sesserrors.ErrTTLExceedsBucket, ttl, n.ttl)
	}
	e, ok, err := n.entry(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if _, err := n.kv.Update(key, e.Value(), e.Revision()); err != nil {
		if isWrongRevision(err) {
			return false, nil
		}
		return false, MapNATSError(err)
	}
	return true, nil
}

// Delete implements Store.Delete.
func (n *NATS) Delete(ctx context.Context, key string) (bool, error) {
	e, ok, err := n.entry(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return n.deleteAt(key, e.Revision())
}

// DeleteIfEquals implements CompareAndDeleter. The delete is bound to the
// revision that was compared, so a concurrent rewrite makes it fail.
func (n *NATS) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	e, ok, err := n.entry(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if string(e.Value()) != value {
		return false, nil
	}
	return n.deleteAt(key, e.Revision())
}

func (n *NATS) deleteAt(key string, revision uint64) (bool, error) {
	err := n.kv.Delete(key, nats.LastRevision(revision))
	if isWrongRevision(err) {
		return false, nil
	}
	if err != nil {
		return false, MapNATSError(err)
	}
	return true, nil
}
