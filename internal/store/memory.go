package store

import (
	"context"
	"sync"
	"time"

	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// MemorySessionStore implements interfaces.SessionCache with in-process
// maps. It backs single-instance deployments that run without Redis, and
// the test suites. Expiry is checked lazily on access.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	users    map[string][]types.SessionUser
	events   map[string][]types.QueueEvent
	active   map[string]bool
	locks    map[string]memoryLock
}

type memoryEntry struct {
	cached    interfaces.CachedSession
	expiresAt time.Time
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// NewMemorySessionStore returns an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*memoryEntry),
		users:    make(map[string][]types.SessionUser),
		events:   make(map[string][]types.QueueEvent),
		active:   make(map[string]bool),
		locks:    make(map[string]memoryLock),
	}
}

func (s *MemorySessionStore) liveEntry(sessionID string) *memoryEntry {
	entry, ok := s.sessions[sessionID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry
}

func (s *MemorySessionStore) GetSession(ctx context.Context, sessionID string) (*interfaces.CachedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry := s.liveEntry(sessionID)
	if entry == nil {
		return nil, interfaces.ErrCacheMiss
	}
	cached := &interfaces.CachedSession{
		Session: entry.cached.Session,
		State:   *entry.cached.State.Clone(),
	}
	return cached, nil
}

func (s *MemorySessionStore) SaveSession(ctx context.Context, cached *interfaces.CachedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[cached.Session.ID] = &memoryEntry{
		cached: interfaces.CachedSession{
			Session: cached.Session,
			State:   *cached.State.Clone(),
		},
		expiresAt: time.Now().Add(defaultSessionTTL),
	}
	s.active[cached.Session.ID] = true
	return nil
}

func (s *MemorySessionStore) UpdateQueueState(ctx context.Context, sessionID string, state *types.QueueState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.liveEntry(sessionID)
	if entry == nil {
		return interfaces.ErrCacheMiss
	}
	entry.cached.State = *state.Clone()
	entry.cached.Session.LastActivity = time.Now().UTC()
	entry.expiresAt = time.Now().Add(defaultSessionTTL)
	return nil
}

func (s *MemorySessionStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveEntry(sessionID) != nil, nil
}

func (s *MemorySessionStore) RefreshTTL(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry := s.liveEntry(sessionID); entry != nil {
		entry.expiresAt = time.Now().Add(defaultSessionTTL)
	}
	return nil
}

func (s *MemorySessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	delete(s.users, sessionID)
	delete(s.events, sessionID)
	delete(s.active, sessionID)
	return nil
}

func (s *MemorySessionStore) SaveUsers(ctx context.Context, sessionID string, users []types.SessionUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]types.SessionUser, len(users))
	copy(copied, users)
	s.users[sessionID] = copied
	return nil
}

func (s *MemorySessionStore) GetUsers(ctx context.Context, sessionID string) ([]types.SessionUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]types.SessionUser, len(s.users[sessionID]))
	copy(users, s.users[sessionID])
	return users, nil
}

func (s *MemorySessionStore) MarkActive(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[sessionID] = true
	return nil
}

func (s *MemorySessionStore) MarkInactive(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
	return nil
}

func (s *MemorySessionStore) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[key]; ok && time.Now().Before(held.expiresAt) {
		return false, nil
	}
	s.locks[key] = memoryLock{token: token, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemorySessionStore) ReleaseLock(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[key]; ok && held.token == token {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemorySessionStore) AppendEvent(ctx context.Context, sessionID string, event *types.QueueEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buffer := append(s.events[sessionID], *event)
	if len(buffer) > defaultEventBufferSize {
		buffer = buffer[len(buffer)-defaultEventBufferSize:]
	}
	s.events[sessionID] = buffer
	return nil
}

func (s *MemorySessionStore) EventsSince(ctx context.Context, sessionID string, sinceSequence int64) ([]types.QueueEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []types.QueueEvent
	for _, event := range s.events[sessionID] {
		if event.Sequence > sinceSequence {
			events = append(events, event)
		}
	}
	return events, nil
}

func (s *MemorySessionStore) HealthCheck(ctx context.Context) error {
	return nil
}

var _ interfaces.SessionCache = (*MemorySessionStore)(nil)
