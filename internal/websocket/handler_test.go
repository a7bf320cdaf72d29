package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcodejongh/boardsesh-sub009/internal/pubsub"
	"github.com/marcodejongh/boardsesh-sub009/internal/queue"
	"github.com/marcodejongh/boardsesh-sub009/internal/replay"
	"github.com/marcodejongh/boardsesh-sub009/internal/room"
	"github.com/marcodejongh/boardsesh-sub009/internal/store"
	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

type memoryDurable struct {
	mu       sync.Mutex
	sessions map[string]types.Session
	states   map[string]types.QueueState
}

func newMemoryDurable() *memoryDurable {
	return &memoryDurable{
		sessions: make(map[string]types.Session),
		states:   make(map[string]types.QueueState),
	}
}

func (d *memoryDurable) UpsertSession(ctx context.Context, session *types.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[session.ID] = *session
	return nil
}

func (d *memoryDurable) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	session, ok := d.sessions[sessionID]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return &session, nil
}

func (d *memoryDurable) SetSessionStatus(ctx context.Context, sessionID, status string) error { return nil }

func (d *memoryDurable) SaveQueueState(ctx context.Context, sessionID string, state *types.QueueState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[sessionID] = *state.Clone()
	return nil
}

func (d *memoryDurable) GetQueueState(ctx context.Context, sessionID string) (*types.QueueState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.states[sessionID]; ok {
		return state.Clone(), nil
	}
	return types.EmptyQueueState(), nil
}

func (d *memoryDurable) ListDiscoverable(ctx context.Context) ([]*types.Session, error) {
	return nil, nil
}
func (d *memoryDurable) HealthCheck(ctx context.Context) error { return nil }
func (d *memoryDurable) Close() error                          { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	st := store.NewStore(store.NewMemorySessionStore(), newMemoryDurable(), store.Options{})
	bridge := pubsub.NewBridge(pubsub.NewLocalHub().Broker())
	registry := room.NewRegistry(st, bridge)
	rp := replay.NewService(st)
	mutation := queue.NewHandler(registry, st, rp, bridge)
	registry.OnSessionIdle = mutation.ReleaseSession
	handler := NewHandler(registry, mutation, rp, st, nil, Options{})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg interface{}) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntilType skips unrelated messages (session events from other
// joiners, heartbeat responses) until one with the wanted type arrives.
func readUntilType(t *testing.T, conn *websocket.Conn, wantType string) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", wantType, err)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &head); err != nil {
			t.Fatalf("malformed server message: %v", err)
		}
		if head.Type == wantType {
			return payload
		}
	}
}

func joinSession(t *testing.T, conn *websocket.Conn, sessionID string) types.JoinedMessage {
	t.Helper()
	send(t, conn, &types.ClientMessage{
		Type:      types.MessageTypeJoinSession,
		SessionID: sessionID,
		BoardPath: "/kilter/original/40",
	})
	var joined types.JoinedMessage
	payload := readUntilType(t, conn, types.MessageTypeSessionJoined)
	if err := json.Unmarshal(payload, &joined); err != nil {
		t.Fatalf("decode session-joined: %v", err)
	}
	return joined
}

func TestJoinOverWebSocket(t *testing.T) {
	server := newTestServer(t)
	conn := dial(t, server)

	joined := joinSession(t, conn, "sess-1")
	if joined.ClientID == "" {
		t.Error("expected assigned client ID")
	}
	if !joined.IsLeader {
		t.Error("first joiner must be leader")
	}
	if joined.Sequence != 0 {
		t.Errorf("new session must start at sequence 0, got %d", joined.Sequence)
	}
}

func TestMutationBroadcastBetweenClients(t *testing.T) {
	server := newTestServer(t)
	sender := dial(t, server)
	receiver := dial(t, server)

	joinSession(t, sender, "sess-1")
	joinSession(t, receiver, "sess-1")

	send(t, sender, &types.ClientMessage{
		Type: types.MessageTypeAddQueueItem,
		Item: &types.QueueItem{UUID: "item-1", Climb: types.Climb{UUID: "c1", Name: "Proj"}},
	})

	payload := readUntilType(t, receiver, types.MessageTypeQueueEvent)
	var msg types.QueueEventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode queue-event: %v", err)
	}
	if msg.Event.Type != types.EventQueueItemAdded || msg.Event.Sequence != 1 {
		t.Errorf("unexpected event: %+v", msg.Event)
	}
	if msg.Event.Item == nil || msg.Event.Item.UUID != "item-1" {
		t.Errorf("event item wrong: %+v", msg.Event.Item)
	}
}

func TestMutationWithoutSessionRejected(t *testing.T) {
	server := newTestServer(t)
	conn := dial(t, server)

	send(t, conn, &types.ClientMessage{
		Type: types.MessageTypeAddQueueItem,
		Item: &types.QueueItem{UUID: "item-1"},
	})

	payload := readUntilType(t, conn, types.MessageTypeError)
	var errMsg types.ErrorMessage
	if err := json.Unmarshal(payload, &errMsg); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errMsg.Code != types.ErrorCodeNotInSession {
		t.Errorf("expected NOT_IN_SESSION, got %s", errMsg.Code)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	server := newTestServer(t)
	conn := dial(t, server)

	sent := time.Now().UnixMilli()
	send(t, conn, &types.ClientMessage{Type: types.MessageTypeHeartbeat, Timestamp: sent})

	payload := readUntilType(t, conn, types.MessageTypeHeartbeatResponse)
	var response types.HeartbeatResponseMessage
	if err := json.Unmarshal(payload, &response); err != nil {
		t.Fatalf("decode heartbeat-response: %v", err)
	}
	if response.OriginalTimestamp != sent {
		t.Errorf("expected original timestamp %d, got %d", sent, response.OriginalTimestamp)
	}
	if response.ResponseTimestamp < sent {
		t.Errorf("response timestamp %d precedes request", response.ResponseTimestamp)
	}
}

func TestRequestQueueStateReplay(t *testing.T) {
	server := newTestServer(t)
	conn := dial(t, server)
	joinSession(t, conn, "sess-1")

	for _, uuid := range []string{"a", "b"} {
		send(t, conn, &types.ClientMessage{
			Type: types.MessageTypeAddQueueItem,
			Item: &types.QueueItem{UUID: uuid},
		})
	}

	// Ask for everything after sequence 0; mutations are serialized per
	// session so by the time the reply is computed both commits are done
	// or the reply simply reflects fewer events plus a lower sequence.
	send(t, conn, &types.ClientMessage{
		Type:          types.MessageTypeRequestQueueState,
		SinceSequence: 0,
	})

	payload := readUntilType(t, conn, types.MessageTypeQueueState)
	var reply types.QueueStateMessage
	if err := json.Unmarshal(payload, &reply); err != nil {
		t.Fatalf("decode queue-state: %v", err)
	}
	if reply.CurrentSequence != int64(len(reply.Events)) {
		t.Errorf("reply not self-consistent: sequence %d with %d events",
			reply.CurrentSequence, len(reply.Events))
	}
}

func TestMalformedMessageGetsError(t *testing.T) {
	server := newTestServer(t)
	conn := dial(t, server)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	payload := readUntilType(t, conn, types.MessageTypeError)
	var errMsg types.ErrorMessage
	if err := json.Unmarshal(payload, &errMsg); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errMsg.Code != types.ErrorCodeInvalidMessage {
		t.Errorf("expected INVALID_MESSAGE, got %s", errMsg.Code)
	}
}
