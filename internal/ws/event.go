package ws

import "github.com/christopherjohns/chatroom/internal/user"

// Event is an inbound hub event. Every event names the connection it came
// from; the set of implementations is closed.
type Event interface {
	client() *Client
}

// Connect registers a new connection.
type Connect struct{ Client *Client }

// Join announces or updates the connection's identity.
type Join struct {
	Client  *Client
	Profile user.Profile
}

// Send posts a chat message. RequestID is echoed in the ack.
type Send struct {
	Client    *Client
	Text      string
	RequestID string
}

// TypingStart reports that a client began typing.
type TypingStart struct{ Client *Client }

// TypingStop reports that a client stopped typing.
type TypingStop struct{ Client *Client }

// RequestHistory asks for one page of history.
type RequestHistory struct {
	Client    *Client
	Page      int
	PageSize  int
	RequestID string
}

// Disconnect unregisters a connection. Repeats are ignored.
type Disconnect struct{ Client *Client }

func (e Connect) client() *Client        { return e.Client }
func (e Join) client() *Client           { return e.Client }
func (e Send) client() *Client           { return e.Client }
func (e TypingStart) client() *Client    { return e.Client }
func (e TypingStop) client() *Client     { return e.Client }
func (e RequestHistory) client() *Client { return e.Client }
func (e Disconnect) client() *Client     { return e.Client }
