package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mirkobrombin/go-sesslock/v1/adapter"
	sesserrors "github.com/mirkobrombin/go-sesslock/v1/errors"
	"github.com/mirkobrombin/go-sesslock/v1/lock"
	"github.com/mirkobrombin/go-sesslock/v1/metrics"
)

const (
	// DefaultPrefix namespaces session keys in the shared store.
	DefaultPrefix = "session"
	lockSuffix    = ".lock"
)

// Handler implements the open/read/write/close/destroy lifecycle for one
// session, holding the session lease between the first data access and
// Close.
type Handler struct {
	leases    *lock.Manager
	data      adapter.DataStore
	prefix    string
	newHolder func() (string, error)

	mu     sync.Mutex
	id     string
	locked bool
	holder string
}

// Option configures a Handler.
type Option func(*Handler)

// WithPrefix sets the key prefix shared by payload and lease keys.
func WithPrefix(prefix string) Option {
	return func(h *Handler) {
		h.prefix = prefix
	}
}

// WithHolderFunc replaces the function that builds holder identities.
func WithHolderFunc(fn func() (string, error)) Option {
	return func(h *Handler) {
		h.newHolder = fn
	}
}

// NewHandler returns a Handler taking leases from leases and storing
// payloads in data.
func NewHandler(leases *lock.Manager, data adapter.DataStore, opts ...Option) *Handler {
	h := &Handler{
		leases:    leases,
		data:      data,
		prefix:    DefaultPrefix,
		newHolder: lock.NewHolder,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DataKey returns the store key of the payload for id.
func (h *Handler) DataKey(id string) string { return h.prefix + id }

// LockKey returns the store key of the lease for id.
func (h *Handler) LockKey(id string) string { return h.prefix + id + lockSuffix }

// ID returns the bound session id, empty if none is bound yet.
func (h *Handler) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Locked reports whether the handler believes it holds the session lease.
// The lease may have expired in the store since.
func (h *Handler) Locked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locked
}

// BindID binds the handler to id. The first id wins: binding the same id
// again is a no-op and binding a different one fails with ErrSessionRebind.
func (h *Handler) BindID(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bind(id)
}

func (h *Handler) bind(id string) error {
	if id == "" {
		return sesserrors.ErrEmptySessionID
	}
	if h.id == "" {
		h.id = id
		return nil
	}
	if h.id != id {
		return fmt.Errorf("%w: bound to %q, got %q", sesserrors.ErrSessionRebind, h.id, id)
	}
	return nil
}

// beginExclusive takes the session lease unless the handler already holds
// it. Callers must hold h.mu and have bound an id.
func (h *Handler) beginExclusive(ctx context.Context) (bool, error) {
	if h.locked {
		return true, nil
	}
	holder, err := h.newHolder()
	if err != nil {
		return false, err
	}
	ok, err := h.leases.Acquire(ctx, h.LockKey(h.id), holder)
	if err != nil || !ok {
		return false, err
	}
	h.locked = true
	h.holder = holder
	return true, nil
}

// Open binds the handler to id.
func (h *Handler) Open(ctx context.Context, id string) error {
	if err := h.BindID(id); err != nil {
		metrics.SessionOps.WithLabelValues("open", "error").Inc()
		return err
	}
	metrics.SessionOps.WithLabelValues("open", "ok").Inc()
	return nil
}

// Read takes the session lease and returns the payload of id. A missing
// payload reads as empty. If the lease cannot be acquired Read fails with
// ErrLockAcquisition and the payload is never read.
func (h *Handler) Read(ctx context.Context, id string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.bind(id); err != nil {
		metrics.SessionOps.WithLabelValues("read", "error").Inc()
		return nil, err
	}
	ok, err := h.beginExclusive(ctx)
	if err != nil {
		metrics.SessionOps.WithLabelValues("read", "error").Inc()
		return nil, err
	}
	if !ok {
		metrics.SessionOps.WithLabelValues("read", "locked").Inc()
		return nil, fmt.Errorf("%w: %s", sesserrors.ErrLockAcquisition, h.LockKey(id))
	}
	data, _, err := h.data.Read(ctx, h.DataKey(id))
	if err != nil {
		metrics.SessionOps.WithLabelValues("read", "error").Inc()
		return nil, err
	}
	metrics.SessionOps.WithLabelValues("read", "ok").Inc()
	return data, nil
}

// Write takes the session lease and stores payload for id. If the lease
// cannot be acquired the write is skipped and Write reports false without
// an error.
func (h *Handler) Write(ctx context.Context, id string, payload []byte) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.bind(id); err != nil {
		metrics.SessionOps.WithLabelValues("write", "error").Inc()
		return false, err
	}
	ok, err := h.beginExclusive(ctx)
	if err != nil {
		metrics.SessionOps.WithLabelValues("write", "error").Inc()
		return false, err
	}
	if !ok {
		metrics.SessionOps.WithLabelValues("write", "locked").Inc()
		slog.Warn("sesslock: session write skipped, lease not acquired", "key", h.LockKey(id))
		return false, nil
	}
	if err := h.data.Write(ctx, h.DataKey(id), payload); err != nil {
		metrics.SessionOps.WithLabelValues("write", "error").Inc()
		return false, err
	}
	metrics.SessionOps.WithLabelValues("write", "ok").Inc()
	return true, nil
}

// Close releases the session lease if the handler still owns it and
// reports whether a lease was released. A lease that already expired or
// passed to another holder is not an error.
func (h *Handler) Close(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	released, err := h.end(ctx)
	if err != nil {
		metrics.SessionOps.WithLabelValues("close", "error").Inc()
		return false, err
	}
	metrics.SessionOps.WithLabelValues("close", "ok").Inc()
	return released, nil
}

func (h *Handler) end(ctx context.Context) (bool, error) {
	if !h.locked {
		return false, nil
	}
	key := h.LockKey(h.id)
	released, err := h.leases.Release(ctx, key, h.holder, false)
	if err != nil {
		return false, err
	}
	if !released {
		slog.Debug("sesslock: session lease no longer held at close", "key", key)
	}
	// Either way the lease is not ours any more.
	h.locked = false
	h.holder = ""
	return released, nil
}

// Destroy deletes the payload of id and releases any lease the handler
// holds. It reports true whether or not a lease was held; only a failure
// to delete the payload is returned as an error.
func (h *Handler) Destroy(ctx context.Context, id string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.bind(id); err != nil {
		metrics.SessionOps.WithLabelValues("destroy", "error").Inc()
		return false, err
	}
	if err := h.data.Delete(ctx, h.DataKey(id)); err != nil {
		metrics.SessionOps.WithLabelValues("destroy", "error").Inc()
		return false, err
	}
	if _, err := h.end(ctx); err != nil {
		slog.Warn("sesslock: lease release failed during destroy", "key", h.LockKey(id), "error", err)
	}
	metrics.SessionOps.WithLabelValues("destroy", "ok").Inc()
	return true, nil
}
