package queue

import (
	"context"
	"log"
	"sync"

	"github.com/marcodejongh/boardsesh-sub009/internal/replay"
	"github.com/marcodejongh/boardsesh-sub009/internal/room"
	"github.com/marcodejongh/boardsesh-sub009/internal/store"
	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// Handler applies queue mutations for this instance's clients. Mutations
// on the same session serialize on a per-session mutex so each commit
// reads the state its predecessor wrote; the committed event then fans
// out to local members and to other instances through the bridge.
type Handler struct {
	registry *room.Registry
	store    *store.Store
	replay   *replay.Service
	bridge   interfaces.PubSubBridge

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewHandler wires the mutation pipeline.
func NewHandler(registry *room.Registry, st *store.Store, rp *replay.Service, bridge interfaces.PubSubBridge) *Handler {
	return &Handler{
		registry: registry,
		store:    st,
		replay:   rp,
		bridge:   bridge,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (h *Handler) sessionLock(sessionID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lock, ok := h.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		h.locks[sessionID] = lock
	}
	return lock
}

// Handle processes one mutation from a client. The zero-value outcomes:
// interfaces.ErrNotInSession when the client has no session,
// ErrInvalidMutation when the message is malformed, nil when the mutation
// committed or was a no-op.
func (h *Handler) Handle(ctx context.Context, clientID string, msg *types.ClientMessage) error {
	sessionID := h.registry.SessionOf(clientID)
	if sessionID == "" {
		return interfaces.ErrNotInSession
	}

	lock := h.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	state, err := h.store.QueueState(ctx, sessionID)
	if err != nil {
		return err
	}

	event, err := applyMutation(state, msg)
	if err != nil {
		return err
	}
	if event == nil {
		// Precondition not met: nothing committed, no sequence consumed.
		return nil
	}

	next := state.Clone()
	next.Queue, next.CurrentClimb = event.Apply(state.Queue, state.CurrentClimb)
	next.Version++
	next.Sequence++
	next.StateHash = types.ComputeStateHash(next.Queue, next.CurrentUUID())

	event.Sequence = next.Sequence
	if event.Type == types.EventFullSync {
		event.StateHash = next.StateHash
	}

	if err := h.store.CommitQueueState(ctx, sessionID, next); err != nil {
		return err
	}

	h.replay.Record(ctx, sessionID, event)

	// Local members first, then the wire: same-instance clients never
	// wait on the broker, and a broker outage degrades to
	// same-instance-only delivery instead of total silence.
	h.registry.Broadcast(sessionID, &types.QueueEventMessage{
		Type:  types.MessageTypeQueueEvent,
		Event: *event,
	}, clientID)

	if err := h.bridge.PublishQueueEvent(ctx, sessionID, event); err != nil {
		log.Printf("[queue] publish failed for %s, remote instances will resync: %v", sessionID, err)
	}
	return nil
}

// ReleaseSession drops the per-session lock entry once a session has no
// further use for it.
func (h *Handler) ReleaseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.locks, sessionID)
}
