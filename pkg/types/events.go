package types

// Queue event discriminators. Every committed mutation produces exactly one
// event; FullSync stands in for bulk changes and replay-window misses.
const (
	EventFullSync            = "full-sync"
	EventQueueItemAdded      = "queue-item-added"
	EventQueueItemRemoved    = "queue-item-removed"
	EventQueueReordered      = "queue-reordered"
	EventCurrentClimbChanged = "current-climb-changed"
	EventClimbMirrored       = "climb-mirrored"
)

// Session event discriminators for membership changes.
const (
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventLeaderChanged   = "leader-changed"
	EventUsernameChanged = "username-changed"
)

// QueueEvent is the tagged union of queue mutations. Non-FullSync variants
// carry the minimal delta plus the sequence assigned at commit; FullSync
// carries the complete snapshot valid as-of Sequence. Applying events in
// increasing sequence order to the snapshot at sequence n reproduces the
// exact state at any later sequence.
type QueueEvent struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`

	// queue-item-added / current-climb-changed
	Item     *QueueItem `json:"item,omitempty"`
	Position *int       `json:"position,omitempty"`
	// current-climb-changed: item was also appended to the queue
	AddedToQueue bool `json:"added_to_queue,omitempty"`

	// queue-item-removed / queue-reordered / climb-mirrored
	UUID     string `json:"uuid,omitempty"`
	OldIndex int    `json:"old_index,omitempty"`
	NewIndex int    `json:"new_index,omitempty"`
	Mirrored bool   `json:"mirrored,omitempty"`

	// full-sync
	Queue        []QueueItem `json:"queue,omitempty"`
	CurrentClimb *QueueItem  `json:"current_climb,omitempty"`
	StateHash    string      `json:"state_hash,omitempty"`
}

// SessionEvent describes a membership change broadcast to session members.
type SessionEvent struct {
	Type  string        `json:"type"`
	User  *SessionUser  `json:"user,omitempty"`
	Users []SessionUser `json:"users,omitempty"`
}

// Apply folds the event into (queue, current) and returns the resulting
// pair. It never mutates its inputs. Application rules match the mutation
// handler so that replayed events reproduce committed state exactly.
func (e *QueueEvent) Apply(queue []QueueItem, current *QueueItem) ([]QueueItem, *QueueItem) {
	switch e.Type {
	case EventFullSync:
		out := make([]QueueItem, len(e.Queue))
		copy(out, e.Queue)
		return out, cloneItem(e.CurrentClimb)

	case EventQueueItemAdded:
		if e.Item == nil || IndexOf(queue, e.Item.UUID) >= 0 {
			return queue, current
		}
		return insertItem(queue, *e.Item, e.Position), current

	case EventQueueItemRemoved:
		out := make([]QueueItem, 0, len(queue))
		for i := range queue {
			if queue[i].UUID != e.UUID {
				out = append(out, queue[i])
			}
		}
		if current != nil && current.UUID == e.UUID {
			current = nil
		}
		return out, current

	case EventQueueReordered:
		if e.OldIndex < 0 || e.OldIndex >= len(queue) || e.NewIndex < 0 || e.NewIndex >= len(queue) {
			return queue, current
		}
		out := make([]QueueItem, len(queue))
		copy(out, queue)
		moved := out[e.OldIndex]
		out = append(out[:e.OldIndex], out[e.OldIndex+1:]...)
		out = append(out[:e.NewIndex], append([]QueueItem{moved}, out[e.NewIndex:]...)...)
		return out, current

	case EventCurrentClimbChanged:
		if e.AddedToQueue && e.Item != nil && IndexOf(queue, e.Item.UUID) < 0 {
			queue = insertItem(queue, *e.Item, nil)
		}
		return queue, cloneItem(e.Item)

	case EventClimbMirrored:
		out := make([]QueueItem, len(queue))
		copy(out, queue)
		if idx := IndexOf(out, e.UUID); idx >= 0 {
			out[idx].Climb.Mirrored = e.Mirrored
		}
		if current != nil && current.UUID == e.UUID {
			mirrored := *current
			mirrored.Climb.Mirrored = e.Mirrored
			current = &mirrored
		}
		return out, current
	}
	return queue, current
}

func insertItem(queue []QueueItem, item QueueItem, position *int) []QueueItem {
	out := make([]QueueItem, 0, len(queue)+1)
	if position != nil && *position >= 0 && *position < len(queue) {
		out = append(out, queue[:*position]...)
		out = append(out, item)
		out = append(out, queue[*position:]...)
		return out
	}
	out = append(out, queue...)
	return append(out, item)
}

func cloneItem(item *QueueItem) *QueueItem {
	if item == nil {
		return nil
	}
	out := *item
	return &out
}
