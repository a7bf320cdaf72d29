package types

import (
	"time"
)

// Session lifecycle states persisted in the durable store.
const (
	SessionStatusActive   = "active"
	SessionStatusInactive = "inactive"
	SessionStatusEnded    = "ended"
)

// Climb describes a single board problem as sent to the LED controller.
type Climb struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Grade    string `json:"grade,omitempty"`
	Angle    int    `json:"angle,omitempty"`
	Frames   string `json:"frames,omitempty"`
	Mirrored bool   `json:"mirrored"`
}

// QueueItem is one entry in a session's ordered climb queue.
// UUID is unique within its queue; the same climb may appear in multiple
// items with distinct item UUIDs.
type QueueItem struct {
	UUID      string   `json:"uuid"`
	Climb     Climb    `json:"climb"`
	AddedBy   string   `json:"added_by,omitempty"`
	TickedBy  []string `json:"ticked_by,omitempty"`
	Suggested bool     `json:"suggested"`
}

// SessionUser is the membership view of a connected client, shared with
// every participant of a session.
type SessionUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsLeader bool   `json:"is_leader"`
}

// Session holds the durable metadata of a party session. Queue contents
// live in QueueState and are versioned separately.
type Session struct {
	ID           string     `json:"id"`
	BoardPath    string     `json:"board_path"`
	Status       string     `json:"status"`
	Name         string     `json:"name,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	Discoverable bool       `json:"discoverable"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
}

// QueueState is a versioned snapshot of a session's queue.
// Version increments on every committed mutation and uniquely identifies
// a snapshot; Sequence is the event counter used for replay.
type QueueState struct {
	Queue        []QueueItem `json:"queue"`
	CurrentClimb *QueueItem  `json:"current_climb,omitempty"`
	Version      int64       `json:"version"`
	Sequence     int64       `json:"sequence"`
	StateHash    string      `json:"state_hash"`
}

// EmptyQueueState returns the zero-version state of a session that has
// never committed a mutation.
func EmptyQueueState() *QueueState {
	return &QueueState{
		Queue:     []QueueItem{},
		StateHash: ComputeStateHash(nil, ""),
	}
}

// Clone returns a deep copy of the state so callers can mutate a working
// copy without racing readers of the original.
func (s *QueueState) Clone() *QueueState {
	out := &QueueState{
		Queue:     make([]QueueItem, len(s.Queue)),
		Version:   s.Version,
		Sequence:  s.Sequence,
		StateHash: s.StateHash,
	}
	copy(out.Queue, s.Queue)
	if s.CurrentClimb != nil {
		current := *s.CurrentClimb
		out.CurrentClimb = &current
	}
	return out
}

// CurrentUUID returns the uuid of the current climb, or "" when absent.
func (s *QueueState) CurrentUUID() string {
	if s.CurrentClimb == nil {
		return ""
	}
	return s.CurrentClimb.UUID
}

// IndexOf returns the position of uuid in queue, or -1.
func IndexOf(queue []QueueItem, uuid string) int {
	for i := range queue {
		if queue[i].UUID == uuid {
			return i
		}
	}
	return -1
}
