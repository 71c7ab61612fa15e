package ws

import (
	"encoding/json"
	"errors"

	"github.com/christopherjohns/chatroom/internal/message"
	"github.com/christopherjohns/chatroom/internal/moderation"
)

// Envelope is the JSON structure sent over the WebSocket in both directions.
// ID correlates a request with its ack or reply.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound envelope types.
const (
	TypeJoin           = "join"
	TypeSendMessage    = "send-message"
	TypeTypingStart    = "typing-start"
	TypeTypingStop     = "typing-stop"
	TypeRequestHistory = "request-history"
)

// Outbound envelope types.
const (
	TypeHistory      = "history"
	TypeHistoryPage  = "history-page"
	TypeRosterUpdate = "roster-update"
	TypeActiveCount  = "active-count"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypeAck          = "ack"
	TypeError        = "error"
)

// JoinPayload is sent by the client to announce its identity.
type JoinPayload struct {
	Name         string `json:"name"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// SendPayload is sent by the client to post a message.
type SendPayload struct {
	Text string `json:"text"`
}

// HistoryRequest asks for one page of history. PageSize defaults to 20.
type HistoryRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize,omitempty"`
}

// HistoryPage answers a HistoryRequest.
type HistoryPage struct {
	Messages []*message.Message `json:"messages"`
	HasMore  bool               `json:"hasMore"`
	Page     int                `json:"page"`
}

// CountPayload carries the number of present users.
type CountPayload struct {
	Count int `json:"count"`
}

// AckPayload is the result of a send-message request.
type AckPayload struct {
	Status  string           `json:"status"`
	Message *message.Message `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
	Code    string           `json:"code,omitempty"`
}

// ErrorPayload reports a failed request that has no ack of its own.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Ack statuses.
const (
	AckOK    = "ok"
	AckError = "error"
)

// Error codes carried in AckPayload and ErrorPayload.
const (
	CodeValidation = "validation"
	CodeRateLimit  = "rate_limit"
	CodePresence   = "presence"
	CodeStorage    = "storage"
	CodeProtocol   = "protocol"
)

var (
	ErrRateLimited = errors.New("too many requests, slow down")
	ErrNotJoined   = errors.New("join the room first")
	ErrBadPage     = errors.New("page out of range")
	ErrBadEnvelope = errors.New("malformed request")
)

// codeFor maps an error to its wire code.
func codeFor(err error) string {
	switch {
	case moderation.IsValidation(err), errors.Is(err, ErrBadPage), errors.Is(err, message.ErrInvalidPage):
		return CodeValidation
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimit
	case errors.Is(err, ErrNotJoined):
		return CodePresence
	case errors.Is(err, message.ErrStorage):
		return CodeStorage
	default:
		return CodeProtocol
	}
}

// publicError hides storage internals from clients.
func publicError(err error) string {
	if errors.Is(err, message.ErrStorage) {
		return "storage unavailable, try again"
	}
	return err.Error()
}

func encode(typ, id string, payload any) ([]byte, error) {
	env := Envelope{Type: typ, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = data
	}
	return json.Marshal(env)
}
