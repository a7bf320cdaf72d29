package store

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

const (
	restoreLockPrefix = "session:restore:"

	defaultWriteDelay      = 2 * time.Second
	defaultLockTTL         = 10 * time.Second
	defaultRestoreAttempts = 5
	defaultRestoreBackoff  = 100 * time.Millisecond
)

// Options tunes the hybrid store. Zero values take the defaults above.
type Options struct {
	// WriteDelay is how long a committed queue state may sit in cache
	// before it is written back to the durable store. Repeated commits
	// within the window coalesce into one durable write.
	WriteDelay time.Duration
	// LockTTL bounds how long a crashed instance can hold the restore
	// lock for a session.
	LockTTL time.Duration
	// RestoreAttempts and RestoreBackoff bound how long a joiner waits
	// for another instance's in-flight restore to land in cache.
	RestoreAttempts int
	RestoreBackoff  time.Duration
}

func (o *Options) fill() {
	if o.WriteDelay <= 0 {
		o.WriteDelay = defaultWriteDelay
	}
	if o.LockTTL <= 0 {
		o.LockTTL = defaultLockTTL
	}
	if o.RestoreAttempts <= 0 {
		o.RestoreAttempts = defaultRestoreAttempts
	}
	if o.RestoreBackoff <= 0 {
		o.RestoreBackoff = defaultRestoreBackoff
	}
}

// Store is the hybrid queue state store: a TTL-bounded cache in front of a
// durable store. Reads prefer the cache; commits hit the cache
// synchronously and reach the durable store on a debounce timer.
type Store struct {
	cache   interfaces.SessionCache
	durable interfaces.DurableStore
	opts    Options

	mu      sync.Mutex
	pending map[string]*pendingWrite
	closed  bool
}

type pendingWrite struct {
	timer *time.Timer
	state *types.QueueState
}

// NewStore wires the two halves together.
func NewStore(cache interfaces.SessionCache, durable interfaces.DurableStore, opts Options) *Store {
	opts.fill()
	return &Store{
		cache:   cache,
		durable: durable,
		opts:    opts,
		pending: make(map[string]*pendingWrite),
	}
}

// Session returns session metadata, cache first.
func (s *Store) Session(ctx context.Context, sessionID string) (*types.Session, error) {
	cached, err := s.cache.GetSession(ctx, sessionID)
	if err == nil {
		session := cached.Session
		return &session, nil
	}
	if !errors.Is(err, interfaces.ErrCacheMiss) {
		log.Printf("[store] cache read failed for %s, falling back to durable: %v", sessionID, err)
	}
	return s.durable.GetSession(ctx, sessionID)
}

// QueueState returns the live queue state for a session: the cache entry
// when present, the durable snapshot when the cache is cold, and the empty
// zero-version state for a session that has never committed anything.
func (s *Store) QueueState(ctx context.Context, sessionID string) (*types.QueueState, error) {
	cached, err := s.cache.GetSession(ctx, sessionID)
	if err == nil {
		return cached.State.Clone(), nil
	}
	if !errors.Is(err, interfaces.ErrCacheMiss) {
		log.Printf("[store] cache read failed for %s, falling back to durable: %v", sessionID, err)
	}
	return s.durable.GetQueueState(ctx, sessionID)
}

// EnsureSession guarantees a cache entry exists for the session and
// returns it, restoring from the durable store under a distributed lock.
// When another instance holds the restore lock, the call polls the cache
// with bounded backoff and falls back to a direct durable read if the
// restore never lands.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) (*interfaces.CachedSession, error) {
	cached, err := s.cache.GetSession(ctx, sessionID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, interfaces.ErrCacheMiss) {
		log.Printf("[store] cache read failed for %s, falling back to durable: %v", sessionID, err)
		return s.loadDurable(ctx, sessionID)
	}

	token := uuid.NewString()
	acquired, err := s.cache.AcquireLock(ctx, restoreLockPrefix+sessionID, token, s.opts.LockTTL)
	if err != nil {
		return s.loadDurable(ctx, sessionID)
	}

	if !acquired {
		// Another instance is restoring the same session. Wait for its
		// write to land rather than racing it.
		for i := 0; i < s.opts.RestoreAttempts; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.opts.RestoreBackoff):
			}
			if cached, err := s.cache.GetSession(ctx, sessionID); err == nil {
				return cached, nil
			}
		}
		return s.loadDurable(ctx, sessionID)
	}

	defer func() {
		if err := s.cache.ReleaseLock(ctx, restoreLockPrefix+sessionID, token); err != nil {
			log.Printf("[store] failed to release restore lock for %s: %v", sessionID, err)
		}
	}()

	// Re-check under the lock; a concurrent restore may have finished
	// between the miss and the acquire.
	if cached, err := s.cache.GetSession(ctx, sessionID); err == nil {
		return cached, nil
	}

	restored, err := s.loadDurable(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SaveSession(ctx, restored); err != nil {
		log.Printf("[store] failed to cache restored session %s: %v", sessionID, err)
	}
	return restored, nil
}

func (s *Store) loadDurable(ctx context.Context, sessionID string) (*interfaces.CachedSession, error) {
	session, err := s.durable.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state, err := s.durable.GetQueueState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &interfaces.CachedSession{Session: *session, State: *state}, nil
}

// CreateSession records a new session in both halves.
func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	if err := s.durable.UpsertSession(ctx, session); err != nil {
		return err
	}
	cached := &interfaces.CachedSession{
		Session: *session,
		State:   *types.EmptyQueueState(),
	}
	if err := s.cache.SaveSession(ctx, cached); err != nil {
		log.Printf("[store] failed to cache new session %s: %v", session.ID, err)
	}
	return nil
}

// CommitQueueState makes a committed state visible: synchronously to the
// cache, asynchronously to the durable store on the debounce timer. The
// caller must hold the session's mutation lock so commits are ordered.
func (s *Store) CommitQueueState(ctx context.Context, sessionID string, state *types.QueueState) error {
	err := s.cache.UpdateQueueState(ctx, sessionID, state)
	if errors.Is(err, interfaces.ErrCacheMiss) {
		// Entry expired between read and commit; rebuild it.
		session, derr := s.durable.GetSession(ctx, sessionID)
		if derr != nil {
			return derr
		}
		err = s.cache.SaveSession(ctx, &interfaces.CachedSession{
			Session: *session,
			State:   *state,
		})
	}
	if err != nil {
		return err
	}

	s.scheduleDurableWrite(sessionID, state.Clone())
	return nil
}

func (s *Store) scheduleDurableWrite(sessionID string, state *types.QueueState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		// Shutting down; write synchronously so nothing is dropped.
		go s.writeDurable(sessionID, state)
		return
	}

	if pending, ok := s.pending[sessionID]; ok {
		pending.state = state
		return
	}

	pending := &pendingWrite{state: state}
	pending.timer = time.AfterFunc(s.opts.WriteDelay, func() {
		s.mu.Lock()
		current, ok := s.pending[sessionID]
		if !ok {
			s.mu.Unlock()
			return
		}
		delete(s.pending, sessionID)
		state := current.state
		s.mu.Unlock()

		s.writeDurable(sessionID, state)
	})
	s.pending[sessionID] = pending
}

func (s *Store) writeDurable(sessionID string, state *types.QueueState) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.durable.SaveQueueState(ctx, sessionID, state); err != nil {
		log.Printf("[store] durable write-back failed for %s: %v", sessionID, err)
	}
}

// Flush writes every pending queue state to the durable store now.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	drained := make(map[string]*types.QueueState, len(s.pending))
	for sessionID, pending := range s.pending {
		pending.timer.Stop()
		drained[sessionID] = pending.state
		delete(s.pending, sessionID)
	}
	s.mu.Unlock()

	var firstErr error
	for sessionID, state := range drained {
		if err := s.durable.SaveQueueState(ctx, sessionID, state); err != nil {
			log.Printf("[store] flush failed for %s: %v", sessionID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close flushes pending writes and marks the store closed. The durable
// store itself is closed by its owner.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

// Cache passthroughs used by the registry and replay service.

func (s *Store) SaveUsers(ctx context.Context, sessionID string, users []types.SessionUser) error {
	return s.cache.SaveUsers(ctx, sessionID, users)
}

func (s *Store) GetUsers(ctx context.Context, sessionID string) ([]types.SessionUser, error) {
	return s.cache.GetUsers(ctx, sessionID)
}

func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	return s.cache.RefreshTTL(ctx, sessionID)
}

func (s *Store) MarkActive(ctx context.Context, sessionID string) error {
	return s.cache.MarkActive(ctx, sessionID)
}

func (s *Store) MarkInactive(ctx context.Context, sessionID string) error {
	return s.cache.MarkInactive(ctx, sessionID)
}

func (s *Store) AppendEvent(ctx context.Context, sessionID string, event *types.QueueEvent) error {
	return s.cache.AppendEvent(ctx, sessionID, event)
}

func (s *Store) EventsSince(ctx context.Context, sessionID string, sinceSequence int64) ([]types.QueueEvent, error) {
	return s.cache.EventsSince(ctx, sessionID, sinceSequence)
}

// Durable passthroughs.

func (s *Store) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	return s.durable.SetSessionStatus(ctx, sessionID, status)
}

// EndSession marks the session ended and evicts its cache entry so it no
// longer restores. Pending queue state flushes first; an ended session
// keeps its final queue for history.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	pending, ok := s.pending[sessionID]
	if ok {
		pending.timer.Stop()
		delete(s.pending, sessionID)
	}
	s.mu.Unlock()
	if ok {
		if err := s.durable.SaveQueueState(ctx, sessionID, pending.state); err != nil {
			log.Printf("[store] final flush for %s failed: %v", sessionID, err)
		}
	}

	if err := s.durable.SetSessionStatus(ctx, sessionID, types.SessionStatusEnded); err != nil {
		return err
	}
	if err := s.cache.DeleteSession(ctx, sessionID); err != nil {
		log.Printf("[store] cache eviction for ended session %s failed: %v", sessionID, err)
	}
	return nil
}

func (s *Store) ListDiscoverable(ctx context.Context) ([]*types.Session, error) {
	return s.durable.ListDiscoverable(ctx)
}

// HealthCheck reports the first unhealthy half.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.cache.HealthCheck(ctx); err != nil {
		return err
	}
	return s.durable.HealthCheck(ctx)
}
