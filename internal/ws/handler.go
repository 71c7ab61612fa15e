package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/chatroom/internal/user"
)

// readLimit caps the size of a single inbound frame.
const readLimit = 16 << 10

// Handler upgrades HTTP requests to WebSocket connections and turns the
// frames each client sends into hub events.
type Handler struct {
	hub    *Hub
	accept *websocket.AcceptOptions
	log    logrus.FieldLogger
}

// NewHandler creates a Handler. A nil accept allows only same-origin
// upgrades.
func NewHandler(hub *Hub, accept *websocket.AcceptOptions, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{hub: hub, accept: accept, log: log}
}

// ServeHTTP keys the client by the request's remote IP.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		key = r.RemoteAddr
	}
	h.Serve(w, r, key)
}

// Serve upgrades the connection and runs the client's read loop until the
// peer goes away. key identifies the peer for rate limiting.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, key string) {
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.log.WithError(err).Warn("ws: accept error")
		return
	}
	conn.SetReadLimit(readLimit)

	client := NewClient(conn, key)
	cm := h.hub.ConnMgr()
	connCtx, ok := cm.Add(client)
	if !ok {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	defer cm.Remove(client)

	h.hub.Dispatch(Connect{Client: client})
	h.readLoop(connCtx, client)
	h.hub.Dispatch(Disconnect{Client: client})
}

// readLoop reads envelopes until the connection fails or connCtx is
// cancelled.
func (h *Handler) readLoop(connCtx context.Context, c *Client) {
	cm := h.hub.ConnMgr()
	for {
		_, data, err := c.conn.Read(connCtx)
		if err != nil {
			return
		}
		cm.TouchActivity(c)

		ev, err := decodeEvent(c, data)
		if err != nil {
			h.log.WithError(err).WithField("conn", c.id).Debug("ws: bad request")
			if reply, encErr := encode(TypeError, "", ErrorPayload{Error: err.Error(), Code: CodeProtocol}); encErr == nil {
				cm.Send(c, reply)
			}
			continue
		}
		h.hub.Dispatch(ev)
	}
}

// decodeEvent turns one inbound envelope into a hub event.
func decodeEvent(c *Client, data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON", ErrBadEnvelope)
	}

	switch env.Type {
	case TypeJoin:
		var p JoinPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return Join{Client: c, Profile: user.Profile{Name: p.Name, ProfileImage: p.ProfileImage}}, nil
	case TypeSendMessage:
		var p SendPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return Send{Client: c, Text: p.Text, RequestID: env.ID}, nil
	case TypeTypingStart:
		return TypingStart{Client: c}, nil
	case TypeTypingStop:
		return TypingStop{Client: c}, nil
	case TypeRequestHistory:
		var p HistoryRequest
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return RequestHistory{Client: c, Page: p.Page, PageSize: p.PageSize, RequestID: env.ID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadEnvelope, env.Type)
	}
}

// decodePayload treats a missing payload as an empty object.
func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid payload", ErrBadEnvelope)
	}
	return nil
}
