package gateway

import "errors"

var (
	// ErrLockOrder means a code path tried to acquire a lock below the
	// highest rank it already holds. This is a programmer error.
	ErrLockOrder = errors.New("gateway: lock acquired out of canonical order")

	// ErrCircuitOpen is returned while the bus circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("gateway: circuit breaker open")

	// ErrCapacity means the global connection cap is reached.
	ErrCapacity = errors.New("gateway: global connection limit reached")

	// ErrPerUserCapacity means the per-user connection cap is reached.
	ErrPerUserCapacity = errors.New("gateway: per-user connection limit reached")

	// ErrShuttingDown rejects new connections during teardown.
	ErrShuttingDown = errors.New("gateway: shutting down")

	// ErrInvalidRegistration means branch or sector ids failed validation.
	ErrInvalidRegistration = errors.New("gateway: invalid registration parameters")
)
