// Package syncbus propagates lease events (acquired, released) to other
// nodes. Lock correctness never depends on the bus: it is an audit and
// observability channel layered over the shared store.
package syncbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names what happened to a lease.
type EventType string

const (
	EventAcquired EventType = "acquired"
	EventReleased EventType = "released"
)

// Event describes a lease transition.
type Event struct {
	Type   EventType `json:"type"`
	Key    string    `json:"key"`
	Holder string    `json:"holder"`
	Forced bool      `json:"forced,omitempty"`
	At     time.Time `json:"at"`
}

func (e Event) encode() ([]byte, error) { return json.Marshal(e) }

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// Bus publishes lease events.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber is implemented by buses that can deliver events for a lease key
// back to the local process.
type Subscriber interface {
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
}

type Metrics struct {
	Published uint64
	Delivered uint64
}

const subscriberBuffer = 16

// InMemoryBus is a local implementation of Bus mainly for testing.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish. Slow subscribers miss events rather than
// block the publisher.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[ev.Key]...)
	atomic.AddUint64(&b.published, 1)
	for _, ch := range chans {
		select {
		case ch <- ev:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Subscribe implements Subscriber. The channel is closed when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.unsubscribe(key, ch)
	}()
	return ch, nil
}

func (b *InMemoryBus) unsubscribe(key string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
}

func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
