package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// Redis key layout. Session entries are hashes so queue-state updates can
// patch individual fields instead of rewriting the whole entry.
const (
	sessionKeyPrefix = "boardsesh:session:"
	activeSetKey     = "boardsesh:session:active"
	recentZSetKey    = "boardsesh:session:recent"
	lockKeyPrefix    = "boardsesh:lock:"

	// Every touch pushes the expiry out; a session idle this long is cold
	// and must be restored from the durable store.
	defaultSessionTTL = 4 * time.Hour

	// Replay buffer bounds. Clients offline longer than the buffer TTL, or
	// further behind than its capacity, get a full snapshot instead.
	defaultEventBufferSize = 100
	defaultEventBufferTTL  = 5 * time.Minute
)

// RedisOptions tunes expiries and the replay buffer. Zero values take the
// defaults above.
type RedisOptions struct {
	SessionTTL      time.Duration
	EventBufferSize int
	EventBufferTTL  time.Duration
}

func (o *RedisOptions) fill() {
	if o.SessionTTL <= 0 {
		o.SessionTTL = defaultSessionTTL
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = defaultEventBufferSize
	}
	if o.EventBufferTTL <= 0 {
		o.EventBufferTTL = defaultEventBufferTTL
	}
}

// releaseLockScript deletes the lock only while the caller still owns it,
// so a lock that expired and was re-acquired elsewhere is never released
// by the original holder.
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisSessionStore implements interfaces.SessionCache on a Redis client.
// Writes retry once on failure; reads surface ErrCacheMiss on absent keys.
type RedisSessionStore struct {
	client redis.UniversalClient
	opts   RedisOptions
}

// NewRedisSessionStore wraps an already-connected client.
func NewRedisSessionStore(client redis.UniversalClient, opts RedisOptions) *RedisSessionStore {
	opts.fill()
	return &RedisSessionStore{client: client, opts: opts}
}

func sessionKey(sessionID string) string { return sessionKeyPrefix + sessionID }
func usersKey(sessionID string) string   { return sessionKeyPrefix + sessionID + ":users" }
func eventsKey(sessionID string) string  { return sessionKeyPrefix + sessionID + ":events" }

// retryOnce re-runs a failed cache write a single time. Redis errors here
// are almost always transient (failover, brief network blips); a second
// consecutive failure is reported to the caller as such.
func retryOnce(op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	log.Printf("[cache] write failed, retrying: %v", err)
	if err := op(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransient, err)
	}
	return nil
}

// GetSession loads the full cached entry; ErrCacheMiss when the key is
// absent or expired.
func (s *RedisSessionStore) GetSession(ctx context.Context, sessionID string) (*interfaces.CachedSession, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return nil, interfaces.ErrCacheMiss
	}
	return decodeCachedSession(sessionID, fields)
}

// SaveSession writes the complete entry, registers the session in the
// active set and recent ranking, and sets the expiry. All commands ride
// one pipeline to keep the entry and its indexes in step.
func (s *RedisSessionStore) SaveSession(ctx context.Context, cached *interfaces.CachedSession) error {
	fields, err := encodeCachedSession(cached)
	if err != nil {
		return err
	}
	key := sessionKey(cached.Session.ID)

	return retryOnce(func() error {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, s.opts.SessionTTL)
		pipe.SAdd(ctx, activeSetKey, cached.Session.ID)
		pipe.ZAdd(ctx, recentZSetKey, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: cached.Session.ID,
		})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// UpdateQueueState patches the queue fields of an existing entry and
// refreshes its expiry.
func (s *RedisSessionStore) UpdateQueueState(ctx context.Context, sessionID string, state *types.QueueState) error {
	fields, err := encodeQueueState(state)
	if err != nil {
		return err
	}
	key := sessionKey(sessionID)

	return retryOnce(func() error {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, key, fields)
		pipe.HSet(ctx, key, "last_activity", time.Now().UTC().Format(time.RFC3339Nano))
		pipe.Expire(ctx, key, s.opts.SessionTTL)
		pipe.ZAdd(ctx, recentZSetKey, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: sessionID,
		})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Exists reports whether the session entry is in cache.
func (s *RedisSessionStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// RefreshTTL pushes the session and users expiry out without touching data.
func (s *RedisSessionStore) RefreshTTL(ctx context.Context, sessionID string) error {
	return retryOnce(func() error {
		pipe := s.client.TxPipeline()
		pipe.Expire(ctx, sessionKey(sessionID), s.opts.SessionTTL)
		pipe.Expire(ctx, usersKey(sessionID), s.opts.SessionTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// DeleteSession removes the entry, its presence hash, its replay buffer
// and its index memberships.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	return retryOnce(func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, sessionKey(sessionID), usersKey(sessionID), eventsKey(sessionID))
		pipe.SRem(ctx, activeSetKey, sessionID)
		pipe.ZRem(ctx, recentZSetKey, sessionID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// SaveUsers replaces the presence hash for a session. Each connection maps
// to its serialized user record; replacing the whole hash keeps departures
// from lingering.
func (s *RedisSessionStore) SaveUsers(ctx context.Context, sessionID string, users []types.SessionUser) error {
	key := usersKey(sessionID)
	fields := make(map[string]interface{}, len(users))
	for _, user := range users {
		encoded, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to encode user %s: %w", user.ID, err)
		}
		fields[user.ID] = string(encoded)
	}

	return retryOnce(func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, s.opts.SessionTTL)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetUsers lists the cached presence records, ordered by connection ID for
// a stable result.
func (s *RedisSessionStore) GetUsers(ctx context.Context, sessionID string) ([]types.SessionUser, error) {
	fields, err := s.client.HGetAll(ctx, usersKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read users for %s: %w", sessionID, err)
	}
	users := make([]types.SessionUser, 0, len(fields))
	for _, raw := range fields {
		var user types.SessionUser
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			log.Printf("[cache] skipping undecodable user record in %s: %v", sessionID, err)
			continue
		}
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// MarkActive adds the session to the active set and recent ranking.
func (s *RedisSessionStore) MarkActive(ctx context.Context, sessionID string) error {
	return retryOnce(func() error {
		pipe := s.client.TxPipeline()
		pipe.SAdd(ctx, activeSetKey, sessionID)
		pipe.ZAdd(ctx, recentZSetKey, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: sessionID,
		})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// MarkInactive drops the session from the active set. The entry itself
// stays cached until its TTL runs out so rejoining clients restore fast.
func (s *RedisSessionStore) MarkInactive(ctx context.Context, sessionID string) error {
	return retryOnce(func() error {
		return s.client.SRem(ctx, activeSetKey, sessionID).Err()
	})
}

// AcquireLock is set-if-absent with expiry. Returns false without error
// when another holder owns the lock.
func (s *RedisSessionStore) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock deletes the lock only if token still owns it.
func (s *RedisSessionStore) ReleaseLock(ctx context.Context, key, token string) error {
	return releaseLockScript.Run(ctx, s.client, []string{lockKeyPrefix + key}, token).Err()
}

// AppendEvent pushes an event onto the session's replay buffer, trims the
// buffer to capacity and refreshes its short TTL.
func (s *RedisSessionStore) AppendEvent(ctx context.Context, sessionID string, event *types.QueueEvent) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	key := eventsKey(sessionID)

	return retryOnce(func() error {
		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, key, string(encoded))
		pipe.LTrim(ctx, key, 0, int64(s.opts.EventBufferSize)-1)
		pipe.Expire(ctx, key, s.opts.EventBufferTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// EventsSince returns buffered events with sequence > sinceSequence in
// ascending order. An empty result is not distinguishable from an expired
// buffer here; the replay service decides whether the window was missed.
func (s *RedisSessionStore) EventsSince(ctx context.Context, sessionID string, sinceSequence int64) ([]types.QueueEvent, error) {
	raw, err := s.client.LRange(ctx, eventsKey(sessionID), 0, int64(s.opts.EventBufferSize)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event buffer for %s: %w", sessionID, err)
	}

	events := make([]types.QueueEvent, 0, len(raw))
	for _, entry := range raw {
		var event types.QueueEvent
		if err := json.Unmarshal([]byte(entry), &event); err != nil {
			log.Printf("[cache] skipping undecodable event in %s: %v", sessionID, err)
			continue
		}
		if event.Sequence > sinceSequence {
			events = append(events, event)
		}
	}
	// LPUSH stores newest-first; replay wants ascending sequence.
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events, nil
}

// HealthCheck pings the server.
func (s *RedisSessionStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ interfaces.SessionCache = (*RedisSessionStore)(nil)

// Hash field codec. Queue and current climb are JSON blobs inside the
// hash; scalar metadata gets its own fields so it can be patched alone.

func encodeCachedSession(cached *interfaces.CachedSession) (map[string]interface{}, error) {
	fields, err := encodeQueueState(&cached.State)
	if err != nil {
		return nil, err
	}
	session := cached.Session
	fields["id"] = session.ID
	fields["board_path"] = session.BoardPath
	fields["status"] = session.Status
	fields["name"] = session.Name
	fields["created_by"] = session.CreatedBy
	fields["discoverable"] = strconv.FormatBool(session.Discoverable)
	fields["created_at"] = session.CreatedAt.UTC().Format(time.RFC3339Nano)
	fields["last_activity"] = session.LastActivity.UTC().Format(time.RFC3339Nano)
	if session.Latitude != nil {
		fields["latitude"] = strconv.FormatFloat(*session.Latitude, 'f', -1, 64)
	}
	if session.Longitude != nil {
		fields["longitude"] = strconv.FormatFloat(*session.Longitude, 'f', -1, 64)
	}
	return fields, nil
}

func encodeQueueState(state *types.QueueState) (map[string]interface{}, error) {
	queueJSON, err := json.Marshal(state.Queue)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue: %w", err)
	}
	fields := map[string]interface{}{
		"queue":      string(queueJSON),
		"version":    strconv.FormatInt(state.Version, 10),
		"sequence":   strconv.FormatInt(state.Sequence, 10),
		"state_hash": state.StateHash,
	}
	if state.CurrentClimb != nil {
		currentJSON, err := json.Marshal(state.CurrentClimb)
		if err != nil {
			return nil, fmt.Errorf("failed to encode current climb: %w", err)
		}
		fields["current_climb"] = string(currentJSON)
	} else {
		fields["current_climb"] = ""
	}
	return fields, nil
}

func decodeCachedSession(sessionID string, fields map[string]string) (*interfaces.CachedSession, error) {
	cached := &interfaces.CachedSession{
		Session: types.Session{
			ID:        sessionID,
			BoardPath: fields["board_path"],
			Status:    fields["status"],
			Name:      fields["name"],
			CreatedBy: fields["created_by"],
		},
		State: types.QueueState{Queue: []types.QueueItem{}},
	}
	cached.Session.Discoverable = fields["discoverable"] == "true"

	if raw := fields["latitude"]; raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cached.Session.Latitude = &v
		}
	}
	if raw := fields["longitude"]; raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cached.Session.Longitude = &v
		}
	}
	if raw := fields["created_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			cached.Session.CreatedAt = t
		}
	}
	if raw := fields["last_activity"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			cached.Session.LastActivity = t
		}
	}

	if raw := fields["queue"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &cached.State.Queue); err != nil {
			return nil, fmt.Errorf("corrupt queue for session %s: %w", sessionID, err)
		}
	}
	if raw := fields["current_climb"]; raw != "" {
		var current types.QueueItem
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return nil, fmt.Errorf("corrupt current climb for session %s: %w", sessionID, err)
		}
		cached.State.CurrentClimb = &current
	}
	if raw := fields["version"]; raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt version for session %s: %w", sessionID, err)
		}
		cached.State.Version = v
	}
	if raw := fields["sequence"]; raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt sequence for session %s: %w", sessionID, err)
		}
		cached.State.Sequence = v
	}
	cached.State.StateHash = fields["state_hash"]
	if cached.State.StateHash == "" {
		cached.State.StateHash = types.ComputeStateHash(cached.State.Queue, cached.State.CurrentUUID())
	}
	return cached, nil
}
