package interfaces

import (
	"context"
	"time"

	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// CachedSession is the hot-cache view of a session: durable metadata plus
// the live queue state, stored together under a bounded expiry.
type CachedSession struct {
	Session types.Session
	State   types.QueueState
}

// SessionCache is the fast, TTL-bounded half of the queue state store.
// Reads return ErrCacheMiss when no entry exists; any other error means the
// cache is unavailable and callers fall back to the durable store.
type SessionCache interface {
	GetSession(ctx context.Context, sessionID string) (*CachedSession, error)
	SaveSession(ctx context.Context, cached *CachedSession) error
	// UpdateQueueState patches only the queue fields of the session entry
	// and refreshes its expiry; cheaper than SaveSession on the hot path.
	UpdateQueueState(ctx context.Context, sessionID string, state *types.QueueState) error
	Exists(ctx context.Context, sessionID string) (bool, error)
	RefreshTTL(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error

	// Presence bookkeeping lives in its own key namespace; it shares the
	// session TTL but not the queue data lifecycle.
	SaveUsers(ctx context.Context, sessionID string, users []types.SessionUser) error
	GetUsers(ctx context.Context, sessionID string) ([]types.SessionUser, error)
	MarkActive(ctx context.Context, sessionID string) error
	MarkInactive(ctx context.Context, sessionID string) error

	// Distributed mutual exclusion for the session restoration path.
	// AcquireLock is set-if-absent with expiry; ReleaseLock deletes only
	// when token still owns the lock.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error

	// Replay buffer: a bounded, TTL-limited window of recent events.
	AppendEvent(ctx context.Context, sessionID string, event *types.QueueEvent) error
	EventsSince(ctx context.Context, sessionID string, sinceSequence int64) ([]types.QueueEvent, error)

	HealthCheck(ctx context.Context) error
}

// DurableStore is the recovery and history half of the queue state store.
type DurableStore interface {
	UpsertSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	SetSessionStatus(ctx context.Context, sessionID, status string) error
	SaveQueueState(ctx context.Context, sessionID string, state *types.QueueState) error
	GetQueueState(ctx context.Context, sessionID string) (*types.QueueState, error)
	ListDiscoverable(ctx context.Context) ([]*types.Session, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
