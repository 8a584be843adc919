package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// Lock and session errors.
var (
	// ErrLockAcquisition is returned when the attempt budget of a lease
	// acquisition runs out while another holder keeps the lease.
	ErrLockAcquisition = errors.New("sesslock: session locking failed")
	// ErrSessionRebind is returned when a handler already bound to one
	// session id is asked to work on a different one.
	ErrSessionRebind  = errors.New("sesslock: handler already bound to another session id")
	ErrEmptySessionID = errors.New("sesslock: empty session id")
	ErrInvalidTTL     = errors.New("sesslock: ttl must be positive")
	// ErrTTLExceedsBucket is returned by stores with a store-wide TTL when a
	// key asks to live longer than the store allows.
	ErrTTLExceedsBucket = errors.New("sesslock: ttl exceeds bucket ttl")
	ErrInvalidConfig    = errors.New("sesslock: invalid configuration")
)
