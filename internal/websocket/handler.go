package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcodejongh/boardsesh-sub009/internal/queue"
	"github.com/marcodejongh/boardsesh-sub009/internal/replay"
	"github.com/marcodejongh/boardsesh-sub009/internal/room"
	"github.com/marcodejongh/boardsesh-sub009/internal/store"
	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
	"github.com/marcodejongh/boardsesh-sub009/pkg/types"
)

// Handler upgrades HTTP requests to WebSocket connections and runs the
// per-connection read loop, dispatching messages to the registry, the
// mutation handler and the replay service.
type Handler struct {
	registry *room.Registry
	mutation *queue.Handler
	replay   *replay.Service
	store    *store.Store
	connOpts Options
	upgrader websocket.Upgrader
}

// NewHandler builds the connection handler. checkOrigin nil allows every
// origin; deployments behind a browser frontend pass their own check.
func NewHandler(registry *room.Registry, mutation *queue.Handler, rp *replay.Service, st *store.Store, checkOrigin func(*http.Request) bool, connOpts Options) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		registry: registry,
		mutation: mutation,
		replay:   rp,
		store:    st,
		connOpts: connOpts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until the
// client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}

	conn := NewConnection(ws, h.connOpts)
	conn.configureRead()

	username := r.URL.Query().Get("username")
	client := h.registry.RegisterClient(conn, username)
	log.Printf("[websocket] client %s connected", client.ID)

	h.readLoop(r.Context(), client.ID, conn)

	if err := h.registry.RemoveClient(context.Background(), client.ID); err != nil {
		log.Printf("[websocket] cleanup for %s failed: %v", client.ID, err)
	}
	conn.Close()
	log.Printf("[websocket] client %s disconnected", client.ID)
}

func (h *Handler) readLoop(ctx context.Context, clientID string, conn *Connection) {
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error for %s: %v", clientID, err)
			}
			return
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.sendError(conn, types.ErrorCodeInvalidMessage, "malformed message")
			continue
		}
		if !msg.IsClientMessage() {
			log.Printf("[websocket] unknown message type %q from %s", msg.Type, clientID)
			continue
		}

		h.dispatch(ctx, clientID, conn, &msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, clientID string, conn *Connection, msg *types.ClientMessage) {
	switch msg.Type {
	case types.MessageTypeJoinSession:
		joined, err := h.registry.JoinSession(ctx, clientID, msg.SessionID, msg.BoardPath, msg.Username)
		if err != nil {
			h.sendError(conn, joinErrorCode(err), err.Error())
			return
		}
		if err := conn.WriteJSON(joined); err != nil {
			log.Printf("[websocket] join reply to %s failed: %v", clientID, err)
		}

	case types.MessageTypeLeaveSession:
		if err := h.registry.LeaveSession(ctx, clientID); err != nil {
			log.Printf("[websocket] leave failed for %s: %v", clientID, err)
		}

	case types.MessageTypeUpdateUsername:
		if err := h.registry.UpdateUsername(ctx, clientID, msg.Username); err != nil {
			h.sendError(conn, types.ErrorCodeInvalidMessage, err.Error())
		}

	case types.MessageTypeRequestQueueState:
		sessionID := h.registry.SessionOf(clientID)
		if sessionID == "" {
			h.sendError(conn, types.ErrorCodeNotInSession, "join a session first")
			return
		}
		reply, err := h.replay.Replay(ctx, sessionID, msg.SinceSequence)
		if err != nil {
			h.sendError(conn, types.ErrorCodeInternal, "failed to load queue state")
			return
		}
		if err := conn.WriteJSON(reply); err != nil {
			log.Printf("[websocket] queue state reply to %s failed: %v", clientID, err)
		}

	case types.MessageTypeHeartbeat:
		if sessionID := h.registry.SessionOf(clientID); sessionID != "" {
			if err := h.store.RefreshTTL(ctx, sessionID); err != nil {
				log.Printf("[websocket] ttl refresh for %s failed: %v", sessionID, err)
			}
		}
		response := &types.HeartbeatResponseMessage{
			Type:              types.MessageTypeHeartbeatResponse,
			OriginalTimestamp: msg.Timestamp,
			ResponseTimestamp: time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(response); err != nil {
			log.Printf("[websocket] heartbeat reply to %s failed: %v", clientID, err)
		}

	default:
		// Remaining recognized types are the queue mutations.
		if err := h.mutation.Handle(ctx, clientID, msg); err != nil {
			h.sendError(conn, mutationErrorCode(err), err.Error())
		}
	}
}

func (h *Handler) sendError(conn *Connection, code, message string) {
	if err := conn.WriteJSON(types.NewErrorMessage(code, message)); err != nil {
		log.Printf("[websocket] error reply failed: %v", err)
	}
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidSessionID),
		errors.Is(err, types.ErrInvalidUsername),
		errors.Is(err, types.ErrInvalidBoardPath):
		return types.ErrorCodeInvalidMessage
	default:
		return types.ErrorCodeInternal
	}
}

func mutationErrorCode(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrNotInSession):
		return types.ErrorCodeNotInSession
	case errors.Is(err, queue.ErrInvalidMutation):
		return types.ErrorCodeInvalidMessage
	default:
		return types.ErrorCodeInternal
	}
}
