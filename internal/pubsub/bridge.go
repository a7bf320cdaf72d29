package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

const (
	queueChannelPrefix   = "boardsesh:queue:"
	sessionChannelPrefix = "boardsesh:session:"
)

// envelope wraps every published event with the publishing instance's
// identity so subscribers can drop their own echoes.
type envelope struct {
	InstanceID string          `json:"instance_id"`
	Event      json.RawMessage `json:"event"`
	Timestamp  int64           `json:"timestamp"`
}

// Bridge implements interfaces.PubSubBridge over a Broker. Each bridge
// carries a unique instance ID stamped into every envelope; inbound
// envelopes bearing that ID are discarded before any callback runs, so
// local clients never see a mutation twice.
type Bridge struct {
	broker     Broker
	instanceID string

	mu          sync.Mutex
	queueSubs   map[string]int
	sessionSubs map[string]int

	callbackMu sync.RWMutex
	onQueue    func(sessionID string, event *types.QueueEvent)
	onSession  func(sessionID string, event *types.SessionEvent)
}

// NewBridge wires a bridge onto a broker and installs the receive handler.
func NewBridge(broker Broker) *Bridge {
	bridge := &Bridge{
		broker:      broker,
		instanceID:  uuid.NewString(),
		queueSubs:   make(map[string]int),
		sessionSubs: make(map[string]int),
	}
	broker.SetHandler(bridge.handleMessage)
	return bridge
}

// InstanceID returns this bridge's identity.
func (b *Bridge) InstanceID() string {
	return b.instanceID
}

// PublishQueueEvent mirrors a committed queue event to other instances.
func (b *Bridge) PublishQueueEvent(ctx context.Context, sessionID string, event *types.QueueEvent) error {
	return b.publish(ctx, queueChannelPrefix+sessionID, event)
}

// PublishSessionEvent mirrors a membership event to other instances.
func (b *Bridge) PublishSessionEvent(ctx context.Context, sessionID string, event *types.SessionEvent) error {
	return b.publish(ctx, sessionChannelPrefix+sessionID, event)
}

func (b *Bridge) publish(ctx context.Context, channel string, event interface{}) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	payload, err := json.Marshal(envelope{
		InstanceID: b.instanceID,
		Event:      encoded,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return b.broker.Publish(ctx, channel, payload)
}

// SubscribeQueueChannel adds a ref-counted subscription for a session's
// queue channel. Only the first reference touches the broker.
func (b *Bridge) SubscribeQueueChannel(ctx context.Context, sessionID string) error {
	return b.subscribe(ctx, b.queueSubs, queueChannelPrefix+sessionID, sessionID)
}

// UnsubscribeQueueChannel drops one reference; the broker unsubscribes
// when the last reference goes.
func (b *Bridge) UnsubscribeQueueChannel(ctx context.Context, sessionID string) error {
	return b.unsubscribe(ctx, b.queueSubs, queueChannelPrefix+sessionID, sessionID)
}

// SubscribeSessionChannel is the session-channel counterpart of
// SubscribeQueueChannel.
func (b *Bridge) SubscribeSessionChannel(ctx context.Context, sessionID string) error {
	return b.subscribe(ctx, b.sessionSubs, sessionChannelPrefix+sessionID, sessionID)
}

// UnsubscribeSessionChannel drops one session-channel reference.
func (b *Bridge) UnsubscribeSessionChannel(ctx context.Context, sessionID string) error {
	return b.unsubscribe(ctx, b.sessionSubs, sessionChannelPrefix+sessionID, sessionID)
}

func (b *Bridge) subscribe(ctx context.Context, refs map[string]int, channel, sessionID string) error {
	b.mu.Lock()
	refs[sessionID]++
	first := refs[sessionID] == 1
	b.mu.Unlock()

	if !first {
		return nil
	}
	if err := b.broker.Subscribe(ctx, channel); err != nil {
		b.mu.Lock()
		refs[sessionID]--
		if refs[sessionID] <= 0 {
			delete(refs, sessionID)
		}
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *Bridge) unsubscribe(ctx context.Context, refs map[string]int, channel, sessionID string) error {
	b.mu.Lock()
	count, ok := refs[sessionID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	count--
	if count > 0 {
		refs[sessionID] = count
		b.mu.Unlock()
		return nil
	}
	delete(refs, sessionID)
	b.mu.Unlock()

	return b.broker.Unsubscribe(ctx, channel)
}

// OnQueueMessage registers the callback for queue events that originated
// on other instances.
func (b *Bridge) OnQueueMessage(callback func(sessionID string, event *types.QueueEvent)) {
	b.callbackMu.Lock()
	b.onQueue = callback
	b.callbackMu.Unlock()
}

// OnSessionMessage registers the callback for membership events that
// originated on other instances.
func (b *Bridge) OnSessionMessage(callback func(sessionID string, event *types.SessionEvent)) {
	b.callbackMu.Lock()
	b.onSession = callback
	b.callbackMu.Unlock()
}

func (b *Bridge) handleMessage(channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logDroppedMessage(channel, err)
		return
	}
	if env.InstanceID == b.instanceID {
		return
	}

	switch {
	case strings.HasPrefix(channel, queueChannelPrefix):
		sessionID := strings.TrimPrefix(channel, queueChannelPrefix)
		var event types.QueueEvent
		if err := json.Unmarshal(env.Event, &event); err != nil {
			logDroppedMessage(channel, err)
			return
		}
		b.callbackMu.RLock()
		callback := b.onQueue
		b.callbackMu.RUnlock()
		if callback != nil {
			callback(sessionID, &event)
		}

	case strings.HasPrefix(channel, sessionChannelPrefix):
		sessionID := strings.TrimPrefix(channel, sessionChannelPrefix)
		var event types.SessionEvent
		if err := json.Unmarshal(env.Event, &event); err != nil {
			logDroppedMessage(channel, err)
			return
		}
		b.callbackMu.RLock()
		callback := b.onSession
		b.callbackMu.RUnlock()
		if callback != nil {
			callback(sessionID, &event)
		}

	default:
		log.Printf("[pubsub] message on unexpected channel %s", channel)
	}
}

var _ interfaces.PubSubBridge = (*Bridge)(nil)
