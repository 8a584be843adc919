package syncbus

import (
	"context"
	"log/slog"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisChannelPrefix = "sesslock:lease:"

// RedisBus implements Bus and Subscriber using Redis pub/sub on the same
// deployment that stores the leases.
type RedisBus struct {
	client    redis.UniversalClient
	prefix    string
	published uint64
	delivered uint64
}

// NewRedisBus returns a new RedisBus. An empty prefix selects the default
// channel prefix.
func NewRedisBus(client redis.UniversalClient, prefix string) *RedisBus {
	if prefix == "" {
		prefix = defaultRedisChannelPrefix
	}
	return &RedisBus{client: client, prefix: prefix}
}

func (b *RedisBus) channel(key string) string { return b.prefix + key }

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := ev.encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(ev.Key), data).Err(); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Subscriber. The returned channel is closed when ctx
// is done.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	ps := b.client.Subscribe(ctx, b.channel(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	ch := make(chan Event, subscriberBuffer)
	go func() {
		defer close(ch)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEvent([]byte(msg.Payload))
				if err != nil {
					slog.Warn("sesslock: dropping malformed lease event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case ch <- ev:
					atomic.AddUint64(&b.delivered, 1)
				default:
				}
			}
		}
	}()
	return ch, nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
