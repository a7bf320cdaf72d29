package room

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcodejongh/boardsesh-sub009/internal/store"
	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// Client is one connected WebSocket client tracked by the registry.
type Client struct {
	ID          string
	Username    string
	Conn        interfaces.ClientConn
	SessionID   string
	ConnectedAt time.Time
	IsLeader    bool
}

func (c *Client) user() types.SessionUser {
	return types.SessionUser{ID: c.ID, Username: c.Username, IsLeader: c.IsLeader}
}

// Registry tracks this instance's clients and their session membership.
// Presence is mirrored to the shared cache so every instance sees the full
// member list; leadership is advisory and promoted locally by earliest
// connection time.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	sessions map[string]map[string]*Client

	store  *store.Store
	bridge interfaces.PubSubBridge

	// OnSessionIdle, when set, runs after the last local member of a
	// session leaves. The app drops the session's mutation lock here.
	// Assigned once at wiring time, before any connection is served.
	OnSessionIdle func(sessionID string)
}

// NewRegistry creates an empty registry.
func NewRegistry(st *store.Store, bridge interfaces.PubSubBridge) *Registry {
	return &Registry{
		clients:  make(map[string]*Client),
		sessions: make(map[string]map[string]*Client),
		store:    st,
		bridge:   bridge,
	}
}

// RegisterClient admits a new connection and assigns its client ID.
func (r *Registry) RegisterClient(conn interfaces.ClientConn, username string) *Client {
	client := &Client{
		ID:          uuid.NewString(),
		Username:    username,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()

	return client
}

// Client returns the tracked client or ErrClientNotFound.
func (r *Registry) Client(clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return client, nil
}

// SessionOf returns the session a client is currently in, or "".
func (r *Registry) SessionOf(clientID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if client, ok := r.clients[clientID]; ok {
		return client.SessionID
	}
	return ""
}

// JoinSession adds a client to a session, creating the session on first
// join and restoring it from the durable store when the cache is cold. A
// client already in another session leaves it implicitly. Returns the
// snapshot the client should adopt.
func (r *Registry) JoinSession(ctx context.Context, clientID, sessionID, boardPath, username string) (*types.JoinedMessage, error) {
	if !types.IsValidSessionID(sessionID) {
		return nil, types.ErrInvalidSessionID
	}
	if username != "" && !types.IsValidUsername(username) {
		return nil, types.ErrInvalidUsername
	}
	if boardPath != "" && !types.IsValidBoardPath(boardPath) {
		return nil, types.ErrInvalidBoardPath
	}

	r.mu.RLock()
	client, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrClientNotFound
	}

	if current := r.SessionOf(clientID); current != "" && current != sessionID {
		if err := r.LeaveSession(ctx, clientID); err != nil {
			log.Printf("[room] implicit leave of %s failed for client %s: %v", current, clientID, err)
		}
	}

	cached, err := r.store.EnsureSession(ctx, sessionID)
	if err == interfaces.ErrSessionNotFound {
		session := &types.Session{
			ID:           sessionID,
			BoardPath:    boardPath,
			Status:       types.SessionStatusActive,
			CreatedBy:    clientID,
			CreatedAt:    time.Now().UTC(),
			LastActivity: time.Now().UTC(),
		}
		if err := r.store.CreateSession(ctx, session); err != nil {
			return nil, err
		}
		cached = &interfaces.CachedSession{Session: *session, State: *types.EmptyQueueState()}
	} else if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if username != "" {
		client.Username = username
	}
	client.SessionID = sessionID
	members, existed := r.sessions[sessionID]
	if !existed {
		members = make(map[string]*Client)
		r.sessions[sessionID] = members
	}
	members[clientID] = client
	r.promoteLeaderLocked(sessionID)
	isLeader := client.IsLeader
	firstLocal := len(members) == 1
	r.mu.Unlock()

	if firstLocal {
		if err := r.bridge.SubscribeQueueChannel(ctx, sessionID); err != nil {
			log.Printf("[room] queue subscribe failed for %s: %v", sessionID, err)
		}
		if err := r.bridge.SubscribeSessionChannel(ctx, sessionID); err != nil {
			log.Printf("[room] session subscribe failed for %s: %v", sessionID, err)
		}
	}

	if err := r.store.MarkActive(ctx, sessionID); err != nil {
		log.Printf("[room] mark active failed for %s: %v", sessionID, err)
	}
	users := r.persistUsers(ctx, sessionID)

	r.emitSessionEvent(ctx, sessionID, &types.SessionEvent{
		Type:  types.EventUserJoined,
		User:  &types.SessionUser{ID: client.ID, Username: client.Username, IsLeader: isLeader},
		Users: users,
	}, clientID)

	return &types.JoinedMessage{
		Type:         types.MessageTypeSessionJoined,
		ClientID:     client.ID,
		IsLeader:     isLeader,
		Users:        users,
		Queue:        cached.State.Queue,
		CurrentClimb: cached.State.CurrentClimb,
		Sequence:     cached.State.Sequence,
		StateHash:    cached.State.StateHash,
	}, nil
}

// LeaveSession removes a client from its session, promoting a new leader
// when the leader leaves and releasing the subscription when the last
// local member is gone.
func (r *Registry) LeaveSession(ctx context.Context, clientID string) error {
	r.mu.Lock()
	client, ok := r.clients[clientID]
	if !ok || client.SessionID == "" {
		r.mu.Unlock()
		if !ok {
			return ErrClientNotFound
		}
		return nil
	}

	sessionID := client.SessionID
	wasLeader := client.IsLeader
	client.SessionID = ""
	client.IsLeader = false

	members := r.sessions[sessionID]
	delete(members, clientID)
	lastLocal := len(members) == 0
	if lastLocal {
		delete(r.sessions, sessionID)
	}

	var promoted *Client
	if wasLeader && !lastLocal {
		promoted = r.promoteLeaderLocked(sessionID)
	}
	r.mu.Unlock()

	if lastLocal {
		if err := r.bridge.UnsubscribeQueueChannel(ctx, sessionID); err != nil {
			log.Printf("[room] queue unsubscribe failed for %s: %v", sessionID, err)
		}
		if err := r.bridge.UnsubscribeSessionChannel(ctx, sessionID); err != nil {
			log.Printf("[room] session unsubscribe failed for %s: %v", sessionID, err)
		}
		if r.OnSessionIdle != nil {
			r.OnSessionIdle(sessionID)
		}
	}

	users := r.persistUsers(ctx, sessionID, clientID)
	if len(users) == 0 {
		if err := r.store.MarkInactive(ctx, sessionID); err != nil {
			log.Printf("[room] mark inactive failed for %s: %v", sessionID, err)
		}
	}

	r.emitSessionEvent(ctx, sessionID, &types.SessionEvent{
		Type:  types.EventUserLeft,
		User:  &types.SessionUser{ID: clientID, Username: client.Username},
		Users: users,
	}, clientID)

	if promoted != nil {
		r.emitSessionEvent(ctx, sessionID, &types.SessionEvent{
			Type:  types.EventLeaderChanged,
			User:  &types.SessionUser{ID: promoted.ID, Username: promoted.Username, IsLeader: true},
			Users: users,
		}, "")
	}
	return nil
}

// RemoveClient drops a disconnected client, leaving its session first.
func (r *Registry) RemoveClient(ctx context.Context, clientID string) error {
	if err := r.LeaveSession(ctx, clientID); err != nil && err != ErrClientNotFound {
		log.Printf("[room] leave on disconnect failed for %s: %v", clientID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return ErrClientNotFound
	}
	delete(r.clients, clientID)
	return nil
}

// UpdateUsername renames a client and notifies its session.
func (r *Registry) UpdateUsername(ctx context.Context, clientID, username string) error {
	if !types.IsValidUsername(username) {
		return types.ErrInvalidUsername
	}

	r.mu.Lock()
	client, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return ErrClientNotFound
	}
	client.Username = username
	sessionID := client.SessionID
	user := client.user()
	r.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	users := r.persistUsers(ctx, sessionID)
	r.emitSessionEvent(ctx, sessionID, &types.SessionEvent{
		Type:  types.EventUsernameChanged,
		User:  &user,
		Users: users,
	}, "")
	return nil
}

// SessionUsers returns the merged member list for a session: this
// instance's clients plus those mirrored from other instances.
func (r *Registry) SessionUsers(ctx context.Context, sessionID string) []types.SessionUser {
	return r.mergedUsers(ctx, sessionID)
}

// Broadcast writes payload to every local member of a session except
// excludeClientID. Write failures are logged; the read loop of the broken
// connection is responsible for cleanup.
func (r *Registry) Broadcast(sessionID string, payload interface{}, excludeClientID string) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.sessions[sessionID]))
	for id, client := range r.sessions[sessionID] {
		if id == excludeClientID {
			continue
		}
		targets = append(targets, client)
	}
	r.mu.RUnlock()

	for _, client := range targets {
		if err := client.Conn.WriteJSON(payload); err != nil {
			log.Printf("[room] broadcast to %s failed: %v", client.ID, err)
		}
	}
}

// LocalMemberCount reports local members of a session.
func (r *Registry) LocalMemberCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// ClientCount reports all registered clients on this instance.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// promoteLeaderLocked makes the earliest-connected local member leader.
// Callers hold r.mu. Returns the newly promoted client, or nil when the
// leader did not change.
func (r *Registry) promoteLeaderLocked(sessionID string) *Client {
	members := r.sessions[sessionID]
	var earliest *Client
	for _, client := range members {
		if client.IsLeader {
			return nil
		}
		if earliest == nil || client.ConnectedAt.Before(earliest.ConnectedAt) {
			earliest = client
		}
	}
	if earliest == nil {
		return nil
	}
	earliest.IsLeader = true
	return earliest
}

// persistUsers mirrors the merged member list to the shared cache and
// returns it. Remote members are preserved; local records overwrite their
// previous snapshot, and excludeIDs drops departed clients whose stale
// record would otherwise survive in the shared hash.
func (r *Registry) persistUsers(ctx context.Context, sessionID string, excludeIDs ...string) []types.SessionUser {
	users := r.mergedUsers(ctx, sessionID, excludeIDs...)
	if err := r.store.SaveUsers(ctx, sessionID, users); err != nil {
		log.Printf("[room] failed to persist users for %s: %v", sessionID, err)
	}
	return users
}

func (r *Registry) mergedUsers(ctx context.Context, sessionID string, excludeIDs ...string) []types.SessionUser {
	r.mu.RLock()
	local := make(map[string]types.SessionUser, len(r.sessions[sessionID]))
	for id, client := range r.sessions[sessionID] {
		local[id] = client.user()
	}
	r.mu.RUnlock()

	remote, err := r.store.GetUsers(ctx, sessionID)
	if err != nil {
		log.Printf("[room] failed to read users for %s: %v", sessionID, err)
		remote = nil
	}

	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}

	users := make([]types.SessionUser, 0, len(local)+len(remote))
	for _, user := range remote {
		if _, ok := local[user.ID]; ok || excluded[user.ID] {
			continue
		}
		users = append(users, user)
	}
	for _, user := range local {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// emitSessionEvent delivers a membership event to local members and
// mirrors it to other instances.
func (r *Registry) emitSessionEvent(ctx context.Context, sessionID string, event *types.SessionEvent, excludeClientID string) {
	r.Broadcast(sessionID, &types.SessionEventMessage{
		Type:  types.MessageTypeSessionEvent,
		Event: *event,
	}, excludeClientID)

	if err := r.bridge.PublishSessionEvent(ctx, sessionID, event); err != nil {
		log.Printf("[room] session event publish failed for %s: %v", sessionID, err)
	}
}
