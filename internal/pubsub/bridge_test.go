package pubsub

import (
	"context"
	"sync"
	"testing"

	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// eventSink collects delivered queue events under a mutex; LocalHub
// delivery is synchronous so no waiting is needed after Publish returns.
type eventSink struct {
	mu     sync.Mutex
	events []types.QueueEvent
}

func (s *eventSink) record(sessionID string, event *types.QueueEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBridgeFiltersOwnEvents(t *testing.T) {
	hub := NewLocalHub()
	bridgeA := NewBridge(hub.Broker())
	bridgeB := NewBridge(hub.Broker())
	ctx := context.Background()

	if bridgeA.InstanceID() == bridgeB.InstanceID() {
		t.Fatal("expected distinct instance IDs")
	}

	var sinkA, sinkB eventSink
	bridgeA.OnQueueMessage(sinkA.record)
	bridgeB.OnQueueMessage(sinkB.record)

	if err := bridgeA.SubscribeQueueChannel(ctx, "s1"); err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	if err := bridgeB.SubscribeQueueChannel(ctx, "s1"); err != nil {
		t.Fatalf("subscribe B: %v", err)
	}

	event := &types.QueueEvent{Type: types.EventQueueItemAdded, Sequence: 1,
		Item: &types.QueueItem{UUID: "item-1"}}
	if err := bridgeA.PublishQueueEvent(ctx, "s1", event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if sinkA.count() != 0 {
		t.Errorf("publisher received its own event %d times", sinkA.count())
	}
	if sinkB.count() != 1 {
		t.Fatalf("expected 1 event on the other instance, got %d", sinkB.count())
	}
	if got := sinkB.events[0]; got.Sequence != 1 || got.Item == nil || got.Item.UUID != "item-1" {
		t.Errorf("event did not survive the round trip: %+v", got)
	}
}

func TestBridgeDeliversOnlySubscribedSessions(t *testing.T) {
	hub := NewLocalHub()
	bridgeA := NewBridge(hub.Broker())
	bridgeB := NewBridge(hub.Broker())
	ctx := context.Background()

	var sink eventSink
	bridgeB.OnQueueMessage(sink.record)
	if err := bridgeB.SubscribeQueueChannel(ctx, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	event := &types.QueueEvent{Type: types.EventQueueItemRemoved, Sequence: 2, UUID: "x"}
	if err := bridgeA.PublishQueueEvent(ctx, "s2", event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("received event for a session with no subscription")
	}
}

func TestBridgeRefCountedSubscriptions(t *testing.T) {
	hub := NewLocalHub()
	publisher := NewBridge(hub.Broker())
	subscriber := NewBridge(hub.Broker())
	ctx := context.Background()

	var sink eventSink
	subscriber.OnQueueMessage(sink.record)

	// Two local members, one broker subscription.
	if err := subscriber.SubscribeQueueChannel(ctx, "s1"); err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	if err := subscriber.SubscribeQueueChannel(ctx, "s1"); err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}

	event := &types.QueueEvent{Type: types.EventQueueItemAdded, Sequence: 1}
	publish := func() {
		if err := publisher.PublishQueueEvent(ctx, "s1", event); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	publish()
	if sink.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", sink.count())
	}

	// First member leaves; the subscription must survive.
	if err := subscriber.UnsubscribeQueueChannel(ctx, "s1"); err != nil {
		t.Fatalf("unsubscribe 1: %v", err)
	}
	publish()
	if sink.count() != 2 {
		t.Fatalf("expected delivery while one reference remains, got %d", sink.count())
	}

	// Last member leaves; no further deliveries.
	if err := subscriber.UnsubscribeQueueChannel(ctx, "s1"); err != nil {
		t.Fatalf("unsubscribe 2: %v", err)
	}
	publish()
	if sink.count() != 2 {
		t.Fatalf("expected no delivery after last unsubscribe, got %d", sink.count())
	}

	// Unmatched unsubscribe is a no-op.
	if err := subscriber.UnsubscribeQueueChannel(ctx, "s1"); err != nil {
		t.Fatalf("extra unsubscribe: %v", err)
	}
}

func TestBridgeSessionEvents(t *testing.T) {
	hub := NewLocalHub()
	bridgeA := NewBridge(hub.Broker())
	bridgeB := NewBridge(hub.Broker())
	ctx := context.Background()

	var mu sync.Mutex
	var received []types.SessionEvent
	bridgeB.OnSessionMessage(func(sessionID string, event *types.SessionEvent) {
		mu.Lock()
		defer mu.Unlock()
		if sessionID == "s1" {
			received = append(received, *event)
		}
	})
	if err := bridgeB.SubscribeSessionChannel(ctx, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	event := &types.SessionEvent{
		Type: types.EventUserJoined,
		User: &types.SessionUser{ID: "c1", Username: "alice"},
	}
	if err := bridgeA.PublishSessionEvent(ctx, "s1", event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 session event, got %d", len(received))
	}
	if received[0].User == nil || received[0].User.Username != "alice" {
		t.Errorf("session event did not survive the round trip: %+v", received[0])
	}
}

func TestBridgeIgnoresMalformedPayloads(t *testing.T) {
	hub := NewLocalHub()
	broker := hub.Broker()
	bridge := NewBridge(broker)
	ctx := context.Background()

	var sink eventSink
	bridge.OnQueueMessage(sink.record)
	if err := bridge.SubscribeQueueChannel(ctx, "s1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	other := hub.Broker()
	if err := other.Publish(ctx, "boardsesh:queue:s1", []byte("not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sink.count() != 0 {
		t.Error("malformed payload reached the callback")
	}
}
