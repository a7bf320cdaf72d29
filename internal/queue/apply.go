package queue

import (
	"fmt"

	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// applyMutation translates a mutation message into the queue event it
// commits, given the current state. A nil event with nil error is a no-op:
// the mutation's precondition does not hold, nothing is committed and no
// sequence number is consumed. The returned event carries no sequence; the
// handler stamps it at commit.
func applyMutation(state *types.QueueState, msg *types.ClientMessage) (*types.QueueEvent, error) {
	switch msg.Type {
	case types.MessageTypeAddQueueItem:
		if msg.Item == nil || msg.Item.UUID == "" {
			return nil, fmt.Errorf("%w: add-queue-item requires an item", ErrInvalidMutation)
		}
		// Adds are idempotent by item uuid; a duplicate changes nothing.
		if types.IndexOf(state.Queue, msg.Item.UUID) >= 0 {
			return nil, nil
		}
		return &types.QueueEvent{
			Type:     types.EventQueueItemAdded,
			Item:     msg.Item,
			Position: msg.Position,
		}, nil

	case types.MessageTypeRemoveQueueItem:
		if msg.UUID == "" {
			return nil, fmt.Errorf("%w: remove-queue-item requires a uuid", ErrInvalidMutation)
		}
		if types.IndexOf(state.Queue, msg.UUID) < 0 {
			return nil, nil
		}
		return &types.QueueEvent{
			Type: types.EventQueueItemRemoved,
			UUID: msg.UUID,
		}, nil

	case types.MessageTypeReorderQueueItem:
		// Both indices must address the committed queue; a request with
		// an out-of-range index is dropped without consuming a sequence
		// number, regardless of what uuid it names.
		if msg.OldIndex < 0 || msg.OldIndex >= len(state.Queue) {
			return nil, nil
		}
		if msg.NewIndex < 0 || msg.NewIndex >= len(state.Queue) {
			return nil, nil
		}
		if msg.OldIndex == msg.NewIndex {
			return nil, nil
		}
		return &types.QueueEvent{
			Type:     types.EventQueueReordered,
			UUID:     state.Queue[msg.OldIndex].UUID,
			OldIndex: msg.OldIndex,
			NewIndex: msg.NewIndex,
		}, nil

	case types.MessageTypeUpdateQueue:
		if msg.Queue == nil {
			return nil, fmt.Errorf("%w: update-queue requires a queue", ErrInvalidMutation)
		}
		// Bulk replacement always commits as a full snapshot so remote
		// instances and replaying clients adopt it verbatim.
		return &types.QueueEvent{
			Type:         types.EventFullSync,
			Queue:        msg.Queue,
			CurrentClimb: msg.CurrentClimb,
		}, nil

	case types.MessageTypeUpdateCurrentClimb:
		if msg.CurrentClimb == nil && state.CurrentClimb == nil {
			return nil, nil
		}
		added := false
		if msg.CurrentClimb != nil && msg.ShouldAddToQueue {
			added = types.IndexOf(state.Queue, msg.CurrentClimb.UUID) < 0
		}
		return &types.QueueEvent{
			Type:         types.EventCurrentClimbChanged,
			Item:         msg.CurrentClimb,
			AddedToQueue: added,
		}, nil

	case types.MessageTypeMirrorCurrentClimb:
		if state.CurrentClimb == nil {
			return nil, nil
		}
		if state.CurrentClimb.Climb.Mirrored == msg.Mirrored {
			return nil, nil
		}
		return &types.QueueEvent{
			Type:     types.EventClimbMirrored,
			UUID:     state.CurrentClimb.UUID,
			Mirrored: msg.Mirrored,
		}, nil

	case types.MessageTypeReplaceQueueItem:
		if msg.UUID == "" || msg.Item == nil {
			return nil, fmt.Errorf("%w: replace-queue-item requires a uuid and an item", ErrInvalidMutation)
		}
		index := types.IndexOf(state.Queue, msg.UUID)
		if index < 0 {
			return nil, nil
		}
		queue := make([]types.QueueItem, len(state.Queue))
		copy(queue, state.Queue)
		queue[index] = *msg.Item

		current := state.CurrentClimb
		if current != nil && current.UUID == msg.UUID {
			replaced := *msg.Item
			current = &replaced
		}
		return &types.QueueEvent{
			Type:         types.EventFullSync,
			Queue:        queue,
			CurrentClimb: current,
		}, nil
	}

	return nil, fmt.Errorf("%w: unknown mutation type %q", ErrInvalidMutation, msg.Type)
}
