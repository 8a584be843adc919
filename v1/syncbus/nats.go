package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

const defaultNATSSubjectPrefix = "sesslock.lease."

// NATSBus implements Bus and Subscriber using core NATS subjects, one per
// lease key.
type NATSBus struct {
	conn      *nats.Conn
	prefix    string
	published uint64
	delivered uint64
}

// NewNATSBus returns a new NATSBus using the provided connection. An empty
// prefix selects the default subject prefix.
func NewNATSBus(conn *nats.Conn, prefix string) *NATSBus {
	if prefix == "" {
		prefix = defaultNATSSubjectPrefix
	}
	return &NATSBus{conn: conn, prefix: prefix}
}

func (b *NATSBus) subject(key string) string { return b.prefix + key }

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.encode()
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject(ev.Key), data); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Subscriber. The subscription is dropped and the
// channel closed when ctx is done.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)
	var mu sync.Mutex
	closed := false
	sub, err := b.conn.Subscribe(b.subject(key), func(msg *nats.Msg) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			slog.Warn("sesslock: dropping malformed lease event", "subject", msg.Subject, "error", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch, nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
