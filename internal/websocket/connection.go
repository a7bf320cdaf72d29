package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcodejongh/boardsesh-sub009/pkg/interfaces"
)

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultReadTimeout    = 60 * time.Second
	defaultPingInterval   = (defaultReadTimeout * 9) / 10
	defaultSendBufferSize = 256

	maxMessageSize = 64 * 1024
)

// Options tunes a connection's transport behaviour. Zero values take the
// defaults above. PingInterval must stay below ReadTimeout; the read
// deadline only advances when a pong arrives.
type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
}

func (o *Options) fill() {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = defaultSendBufferSize
	}
}

// Connection wraps a websocket.Conn with a single writer goroutine. All
// outbound traffic funnels through the send channel; gorilla/websocket
// allows only one concurrent writer and broadcasts arrive from many
// goroutines.
type Connection struct {
	ws   *websocket.Conn
	opts Options
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps an upgraded socket and starts its write pump.
func NewConnection(ws *websocket.Conn, opts Options) *Connection {
	opts.fill()
	conn := &Connection{
		ws:   ws,
		opts: opts,
		send: make(chan []byte, opts.SendBufferSize),
		done: make(chan struct{}),
	}
	go conn.writePump()
	return conn
}

// WriteJSON queues v for delivery. A full buffer means the client has
// stopped reading; the message is dropped and the caller may close the
// connection.
func (c *Connection) WriteJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
				log.Printf("[websocket] close write failed: %v", err)
			}
			return
		}
	}
}

// ReadMessage blocks for the next inbound text frame. The read deadline
// advances on every pong so an unresponsive client times out.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, payload, err := c.ws.ReadMessage()
	return payload, err
}

// configureRead applies the read limits and keepalive deadline handling.
func (c *Connection) configureRead() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return nil
	})
}

// Close shuts the connection down once; safe from any goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

var _ interfaces.ClientConn = (*Connection)(nil)
