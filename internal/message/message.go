package message

import (
	"time"

	"github.com/google/uuid"

	"github.com/christopherjohns/chatroom/internal/user"
)

// Type represents the kind of message.
type Type string

const (
	TypeChat   Type = "chat"
	TypeSystem Type = "system"
)

// Action describes what triggered a system message.
type Action string

const (
	ActionJoin        Action = "join"
	ActionLeave       Action = "leave"
	ActionSetUsername Action = "set_username"
)

// Message represents a chat message. User is a snapshot taken when the
// message was sent, so history keeps the sender's name after they leave.
type Message struct {
	ID        string    `json:"id" bson:"_id"`
	Text      string    `json:"text" bson:"text"`
	User      user.User `json:"user" bson:"user"`
	Type      Type      `json:"type" bson:"type"`
	Action    Action    `json:"action,omitempty" bson:"action,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Page is one page of history. Messages are ordered oldest first.
type Page struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"hasMore"`
}

// NewSystem builds a system notice. System messages are broadcast but never
// stored.
func NewSystem(action Action, text string, now time.Time) *Message {
	return &Message{
		ID:        NewID(),
		Text:      text,
		User:      user.System,
		Type:      TypeSystem,
		Action:    action,
		Timestamp: now.UTC().Truncate(time.Millisecond),
	}
}

// NewID returns a time-ordered message ID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// stamp fills in the server-assigned fields of a message about to be stored.
func stamp(msg *Message, now time.Time) *Message {
	m := *msg
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Type == "" {
		m.Type = TypeChat
	}
	m.Timestamp = now.UTC().Truncate(time.Millisecond)
	return &m
}

// pageBounds converts a reverse-chronological page into the [start, end)
// slice of an oldest-first list of total messages.
func pageBounds(total, page, size int) (start, end int, hasMore bool) {
	end = total - page*size
	if end < 0 {
		end = 0
	}
	start = end - size
	if start < 0 {
		start = 0
	}
	return start, end, page*size+size < total
}
