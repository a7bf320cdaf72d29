package interfaces

// ClientConn is the write side of one client connection as seen by the
// room registry and mutation handler. The WebSocket wrapper implements it;
// tests substitute in-memory fakes.
type ClientConn interface {
	WriteJSON(v interface{}) error
	Close() error
}
