// Package adapter holds the session payload stores the session handler
// delegates data I/O to.
package adapter

import (
	"context"
	"sync"
)

// DataStore reads and writes opaque session payloads by key.
type DataStore interface {
	// Read returns the payload stored under key. The boolean reports whether
	// the key was found.
	Read(ctx context.Context, key string) ([]byte, bool, error)
	// Write stores payload under key, replacing any previous payload.
	Write(ctx context.Context, key string, payload []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// InMemoryStore is a DataStore backed by a map.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string][]byte)}
}

// Read implements DataStore.Read.
func (s *InMemoryStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Write implements DataStore.Write.
func (s *InMemoryStore) Write(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = append([]byte(nil), payload...)
	s.mu.Unlock()
	return nil
}

// Delete implements DataStore.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}
