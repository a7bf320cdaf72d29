package pubsub

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broker is the transport under the bridge: raw publish/subscribe on named
// channels. Implementations deliver every message on a subscribed channel,
// including the publisher's own; the bridge filters self-echo.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	// SetHandler registers the delivery callback. Must be called before
	// the first Subscribe.
	SetHandler(handler func(channel string, payload []byte))
	Close() error
}

// RedisBroker implements Broker on a Redis pub/sub connection. One
// subscriber connection serves all channels; go-redis multiplexes channel
// membership onto it.
type RedisBroker struct {
	client  redis.UniversalClient
	sub     *redis.PubSub
	mu      sync.Mutex
	handler func(channel string, payload []byte)
	done    chan struct{}
	once    sync.Once
}

// NewRedisBroker opens the subscriber connection and starts the receive
// loop. ctx bounds the lifetime of the receive loop's deliveries.
func NewRedisBroker(ctx context.Context, client redis.UniversalClient) *RedisBroker {
	broker := &RedisBroker{
		client: client,
		sub:    client.Subscribe(ctx),
		done:   make(chan struct{}),
	}
	go broker.receiveLoop()
	return broker
}

func (b *RedisBroker) receiveLoop() {
	ch := b.sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.mu.Lock()
			handler := b.handler
			b.mu.Unlock()
			if handler != nil {
				handler(msg.Channel, []byte(msg.Payload))
			}
		case <-b.done:
			return
		}
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) error {
	return b.sub.Subscribe(ctx, channel)
}

func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	return b.sub.Unsubscribe(ctx, channel)
}

func (b *RedisBroker) SetHandler(handler func(channel string, payload []byte)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

func (b *RedisBroker) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.sub.Close()
	})
	return err
}

var _ Broker = (*RedisBroker)(nil)

// LocalHub is an in-process broker fabric. Single-instance deployments run
// on it instead of Redis, and tests use it to wire multiple bridges
// together without a server.
type LocalHub struct {
	mu      sync.RWMutex
	members []*LocalBroker
}

// NewLocalHub returns an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{}
}

// Broker registers a new member on the hub.
func (h *LocalHub) Broker() *LocalBroker {
	broker := &LocalBroker{
		hub:      h,
		channels: make(map[string]bool),
	}
	h.mu.Lock()
	h.members = append(h.members, broker)
	h.mu.Unlock()
	return broker
}

func (h *LocalHub) publish(channel string, payload []byte) {
	h.mu.RLock()
	members := make([]*LocalBroker, len(h.members))
	copy(members, h.members)
	h.mu.RUnlock()

	for _, member := range members {
		member.deliver(channel, payload)
	}
}

// LocalBroker is one member of a LocalHub. Delivery is synchronous and
// includes the publisher itself, matching Redis pub/sub semantics.
type LocalBroker struct {
	hub      *LocalHub
	mu       sync.Mutex
	channels map[string]bool
	handler  func(channel string, payload []byte)
	closed   bool
}

func (b *LocalBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.hub.publish(channel, payload)
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[channel] = true
	return nil
}

func (b *LocalBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, channel)
	return nil
}

func (b *LocalBroker) SetHandler(handler func(channel string, payload []byte)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

func (b *LocalBroker) deliver(channel string, payload []byte) {
	b.mu.Lock()
	subscribed := !b.closed && b.channels[channel]
	handler := b.handler
	b.mu.Unlock()
	if subscribed && handler != nil {
		handler(channel, payload)
	}
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ Broker = (*LocalBroker)(nil)

func logDroppedMessage(channel string, err error) {
	log.Printf("[pubsub] dropping undecodable message on %s: %v", channel, err)
}
