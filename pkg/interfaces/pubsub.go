package interfaces

import (
	"context"

	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// PubSubBridge mirrors locally-originated events to other instances and
// delivers events that originated elsewhere. Implementations must never
// invoke a callback for an envelope published by this instance.
type PubSubBridge interface {
	PublishQueueEvent(ctx context.Context, sessionID string, event *types.QueueEvent) error
	PublishSessionEvent(ctx context.Context, sessionID string, event *types.SessionEvent) error

	// Subscriptions are ref-counted per session: repeat subscribes and
	// unmatched unsubscribes are no-ops.
	SubscribeQueueChannel(ctx context.Context, sessionID string) error
	UnsubscribeQueueChannel(ctx context.Context, sessionID string) error
	SubscribeSessionChannel(ctx context.Context, sessionID string) error
	UnsubscribeSessionChannel(ctx context.Context, sessionID string) error

	OnQueueMessage(callback func(sessionID string, event *types.QueueEvent))
	OnSessionMessage(callback func(sessionID string, event *types.SessionEvent))

	InstanceID() string
}
