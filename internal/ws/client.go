package ws

import (
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Client represents one live WebSocket connection.
//
// The send queue is never closed: the write pump stops on its context
// instead, so late deliveries to a departed client are simply dropped.
type Client struct {
	id   string
	key  string
	conn *websocket.Conn
	send chan []byte
}

// NewClient wraps conn. key identifies the peer for rate limiting, normally
// its IP address.
func NewClient(conn *websocket.Conn, key string) *Client {
	return &Client{
		id:   uuid.NewString(),
		key:  key,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// ID returns the connection identity, which is also the user's ID once the
// client has joined.
func (c *Client) ID() string { return c.id }
