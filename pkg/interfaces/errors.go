package interfaces

import "errors"

// Shared error types crossing component boundaries.
var (
	// ErrCacheMiss is returned by SessionCache reads when no entry exists.
	// Callers fall back to the durable store or a full sync.
	ErrCacheMiss = errors.New("session not in cache")

	// ErrSessionNotFound is returned by DurableStore reads for unknown sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotInSession rejects mutations from connections that have not
	// joined a session.
	ErrNotInSession = errors.New("must be in a session to perform queue operations")

	// ErrTransient signals a store failure that survived one retry; the
	// caller surfaces it without corrupting in-memory state.
	ErrTransient = errors.New("transient storage failure")
)
