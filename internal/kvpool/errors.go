package kvpool

import "errors"

// Typed acquisition and lifecycle errors surfaced to callers. Command
// errors from the underlying driver propagate unmodified.
var (
	ErrAcquireTimeout = errors.New("kvpool: timed out waiting for a connection")
	ErrPoolShutdown   = errors.New("kvpool: pool is shutting down")
	ErrNoHealthyConn  = errors.New("kvpool: no healthy connection available")
)
