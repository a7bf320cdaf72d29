package types

// Inbound message types on the client WebSocket.
const (
	MessageTypeJoinSession       = "join-session"
	MessageTypeLeaveSession      = "leave-session"
	MessageTypeUpdateUsername    = "update-username"
	MessageTypeRequestQueueState = "request-queue-state"
	MessageTypeHeartbeat         = "heartbeat"

	MessageTypeAddQueueItem       = "add-queue-item"
	MessageTypeRemoveQueueItem    = "remove-queue-item"
	MessageTypeReorderQueueItem   = "reorder-queue-item"
	MessageTypeUpdateQueue        = "update-queue"
	MessageTypeUpdateCurrentClimb = "update-current-climb"
	MessageTypeMirrorCurrentClimb = "mirror-current-climb"
	MessageTypeReplaceQueueItem   = "replace-queue-item"
)

// Outbound message types.
const (
	MessageTypeSessionJoined     = "session-joined"
	MessageTypeQueueState        = "queue-state"
	MessageTypeQueueEvent        = "queue-event"
	MessageTypeSessionEvent      = "session-event"
	MessageTypeHeartbeatResponse = "heartbeat-response"
	MessageTypeError             = "error"
)

// Error codes carried by ErrorMessage.
const (
	ErrorCodeNotInSession   = "NOT_IN_SESSION"
	ErrorCodeInvalidMessage = "INVALID_MESSAGE"
	ErrorCodeInternal       = "INTERNAL_ERROR"
)

// ClientMessage is the single decode target for all inbound messages.
// Type selects which fields are meaningful; unused fields stay zero.
type ClientMessage struct {
	Type string `json:"type"`

	// join-session
	SessionID string `json:"session_id,omitempty"`
	BoardPath string `json:"board_path,omitempty"`
	// join-session / update-username
	Username string `json:"username,omitempty"`

	// mutations
	Item             *QueueItem  `json:"item,omitempty"`
	UUID             string      `json:"uuid,omitempty"`
	Position         *int        `json:"position,omitempty"`
	OldIndex         int         `json:"old_index,omitempty"`
	NewIndex         int         `json:"new_index,omitempty"`
	Queue            []QueueItem `json:"queue,omitempty"`
	CurrentClimb     *QueueItem  `json:"current_climb,omitempty"`
	ShouldAddToQueue bool        `json:"should_add_to_queue,omitempty"`
	Mirrored         bool        `json:"mirrored,omitempty"`

	// request-queue-state
	SinceSequence int64 `json:"since_sequence,omitempty"`

	// heartbeat
	Timestamp int64 `json:"timestamp,omitempty"`
}

// IsMutation reports whether the message is one of the queue mutation
// operations that require session membership.
func (m *ClientMessage) IsMutation() bool {
	switch m.Type {
	case MessageTypeAddQueueItem, MessageTypeRemoveQueueItem, MessageTypeReorderQueueItem,
		MessageTypeUpdateQueue, MessageTypeUpdateCurrentClimb, MessageTypeMirrorCurrentClimb,
		MessageTypeReplaceQueueItem:
		return true
	}
	return false
}

// IsClientMessage reports whether the type discriminator is recognized.
// Unrecognized messages are protocol errors: logged and dropped.
func (m *ClientMessage) IsClientMessage() bool {
	switch m.Type {
	case MessageTypeJoinSession, MessageTypeLeaveSession, MessageTypeUpdateUsername,
		MessageTypeRequestQueueState, MessageTypeHeartbeat:
		return true
	}
	return m.IsMutation()
}

// JoinedMessage is the reply to join-session: the full snapshot the client
// should adopt plus its own membership view.
type JoinedMessage struct {
	Type         string        `json:"type"`
	ClientID     string        `json:"client_id"`
	IsLeader     bool          `json:"is_leader"`
	Users        []SessionUser `json:"users"`
	Queue        []QueueItem   `json:"queue"`
	CurrentClimb *QueueItem    `json:"current_climb,omitempty"`
	Sequence     int64         `json:"sequence"`
	StateHash    string        `json:"state_hash"`
}

// QueueStateMessage answers request-queue-state: either the incremental
// events since the requested sequence, or a single FullSync event.
type QueueStateMessage struct {
	Type            string       `json:"type"`
	CurrentSequence int64        `json:"current_sequence"`
	Events          []QueueEvent `json:"events"`
}

// QueueEventMessage relays one committed mutation to session members.
type QueueEventMessage struct {
	Type  string     `json:"type"`
	Event QueueEvent `json:"event"`
}

// SessionEventMessage relays a membership change to session members.
type SessionEventMessage struct {
	Type  string       `json:"type"`
	Event SessionEvent `json:"event"`
}

// HeartbeatResponseMessage echoes the client timestamp for RTT measurement.
type HeartbeatResponseMessage struct {
	Type              string `json:"type"`
	OriginalTimestamp int64  `json:"original_timestamp"`
	ResponseTimestamp int64  `json:"response_timestamp"`
}

// ErrorMessage is the structured error surface for precondition and
// transient failures; the connection stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// NewErrorMessage builds an outbound error with the given code.
func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{Type: MessageTypeError, Message: message, Code: code}
}
