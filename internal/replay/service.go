package replay

import (
	"context"
	"log"

	"github.com/marcodejongh/boardsesh-sub009/internal/store"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// Service records committed queue events into the bounded replay buffer
// and answers catch-up requests: incremental events when the buffer still
// covers the client's gap, a full snapshot when it does not.
type Service struct {
	store *store.Store
}

// NewService wires the service onto the hybrid store.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Record appends a committed event to the session's replay buffer. Buffer
// failures are logged, not returned: the event was already committed and
// broadcast, and an unrecordable event only means affected clients fall
// back to a full sync later.
func (s *Service) Record(ctx context.Context, sessionID string, event *types.QueueEvent) {
	if err := s.store.AppendEvent(ctx, sessionID, event); err != nil {
		log.Printf("[replay] failed to buffer event %d for %s: %v", event.Sequence, sessionID, err)
	}
}

// Replay answers a request-queue-state for a client that last saw
// sinceSequence. The reply carries either every event in (sinceSequence,
// current] or a single full-sync event when the buffer no longer covers
// the gap, when the client claims a future sequence, or when the buffered
// events are not contiguous.
func (s *Service) Replay(ctx context.Context, sessionID string, sinceSequence int64) (*types.QueueStateMessage, error) {
	state, err := s.store.QueueState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	reply := &types.QueueStateMessage{
		Type:            types.MessageTypeQueueState,
		CurrentSequence: state.Sequence,
		Events:          []types.QueueEvent{},
	}

	if sinceSequence == state.Sequence {
		return reply, nil
	}
	if sinceSequence > state.Sequence {
		// Client is ahead of the committed state; its view is bogus.
		reply.Events = []types.QueueEvent{fullSyncEvent(state)}
		return reply, nil
	}

	events, err := s.store.EventsSince(ctx, sessionID, sinceSequence)
	if err != nil {
		log.Printf("[replay] buffer read failed for %s: %v", sessionID, err)
		reply.Events = []types.QueueEvent{fullSyncEvent(state)}
		return reply, nil
	}

	if !covers(events, sinceSequence, state.Sequence) {
		reply.Events = []types.QueueEvent{fullSyncEvent(state)}
		return reply, nil
	}

	reply.Events = events
	return reply, nil
}

// covers reports whether events is exactly the contiguous range
// (since, current].
func covers(events []types.QueueEvent, since, current int64) bool {
	if int64(len(events)) != current-since {
		return false
	}
	expected := since + 1
	for _, event := range events {
		if event.Sequence != expected {
			return false
		}
		expected++
	}
	return true
}

func fullSyncEvent(state *types.QueueState) types.QueueEvent {
	return types.QueueEvent{
		Type:         types.EventFullSync,
		Sequence:     state.Sequence,
		Queue:        state.Queue,
		CurrentClimb: state.CurrentClimb,
		StateHash:    state.StateHash,
	}
}
