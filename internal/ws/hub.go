package ws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/christopherjohns/chatroom/internal/message"
	"github.com/christopherjohns/chatroom/internal/metrics"
	"github.com/christopherjohns/chatroom/internal/moderation"
	"github.com/christopherjohns/chatroom/internal/ratelimit"
	"github.com/christopherjohns/chatroom/internal/room"
	"github.com/christopherjohns/chatroom/internal/user"
)

const (
	// DefaultHistorySize is the number of messages sent on connect.
	DefaultHistorySize = 50

	// DefaultPageSize is used when a history request names no size.
	DefaultPageSize = 20
	// MaxPageSize caps the size of one history page.
	MaxPageSize = 100

	// eventBufferSize is the capacity of the hub's inbound queue.
	eventBufferSize = 256

	// storeTimeout bounds a single store call made from the event loop.
	storeTimeout = 5 * time.Second
)

// Limiter decides whether a client may perform another action of a kind.
type Limiter interface {
	Allow(key string, kind ratelimit.Kind) bool
}

// Validator checks and cleans message text.
type Validator interface {
	Check(text string) error
	Sanitize(text string) string
}

// HubStats holds point-in-time hub counters.
type HubStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

// Hub owns the room: the set of connections and the roster of joined
// users. All state changes happen on the goroutine running Run, so a roster
// change and the broadcasts it causes are never interleaved with another
// event.
type Hub struct {
	store       message.Store
	limiter     Limiter
	policy      Validator
	conns       *ConnManager
	log         logrus.FieldLogger
	historySize int
	now         func() time.Time

	events  chan Event
	stopped chan struct{}

	// Owned by the Run goroutine.
	clients map[*Client]struct{}
	roster  *room.Roster

	connCount atomic.Int64
	userCount atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLimiter sets the rate limiter. The default allows DefaultRules.
func WithLimiter(l Limiter) HubOption {
	return func(h *Hub) { h.limiter = l }
}

// WithValidator sets the content policy. The default is
// moderation.DefaultPolicy.
func WithValidator(v Validator) HubOption {
	return func(h *Hub) { h.policy = v }
}

// WithConnManager sets the connection manager used for delivery.
func WithConnManager(cm *ConnManager) HubOption {
	return func(h *Hub) { h.conns = cm }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) HubOption {
	return func(h *Hub) { h.log = l }
}

// WithHistorySize sets how many messages a new connection receives.
func WithHistorySize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.historySize = n
		}
	}
}

// NewHub creates a Hub backed by store. Call Run to start processing.
func NewHub(store message.Store, opts ...HubOption) *Hub {
	h := &Hub{
		store:       store,
		historySize: DefaultHistorySize,
		now:         time.Now,
		events:      make(chan Event, eventBufferSize),
		stopped:     make(chan struct{}),
		clients:     make(map[*Client]struct{}),
		roster:      room.NewRoster(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		h.log = l
	}
	if h.limiter == nil {
		h.limiter = ratelimit.New(ratelimit.DefaultRules())
	}
	if h.policy == nil {
		h.policy = moderation.DefaultPolicy()
	}
	if h.conns == nil {
		h.conns = NewConnManager(WithConnLogger(h.log))
	}
	return h
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Dispatch queues an event for the hub. It blocks while the queue is full
// and returns immediately once Run has stopped.
func (h *Hub) Dispatch(ev Event) {
	select {
	case h.events <- ev:
	case <-h.stopped:
	}
}

// Run processes events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.handle(ctx, ev)
		}
	}
}

// Stats returns point-in-time hub counters. Safe to call from any goroutine.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Connections: int(h.connCount.Load()),
		Users:       int(h.userCount.Load()),
	}
}

func (h *Hub) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case Connect:
		h.onConnect(ctx, e.Client)
	case Join:
		h.onJoin(e.Client, e.Profile)
	case Send:
		h.onSend(ctx, e)
	case TypingStart:
		h.onTyping(e.Client, TypeTyping)
	case TypingStop:
		h.onTyping(e.Client, TypeTypingStop)
	case RequestHistory:
		h.onRequestHistory(ctx, e)
	case Disconnect:
		h.onDisconnect(e.Client)
	}
	h.connCount.Store(int64(len(h.clients)))
	h.userCount.Store(int64(h.roster.Len()))
	metrics.Connections.Set(float64(len(h.clients)))
	metrics.Users.Set(float64(h.roster.Len()))
}

func (h *Hub) onConnect(ctx context.Context, c *Client) {
	if _, ok := h.clients[c]; ok {
		return
	}
	h.clients[c] = struct{}{}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	recent, err := h.store.Recent(sctx, h.historySize)
	cancel()
	if err != nil {
		h.log.WithError(err).WithField("conn", c.id).Error("ws: failed to load history")
		recent = []*message.Message{}
	}
	h.sendTo(c, TypeHistory, "", recent)
}

func (h *Hub) onJoin(c *Client, p user.Profile) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	u := user.Normalize(c.id, p)
	prev, rejoined := h.roster.Get(c.id)
	h.roster.Put(c.id, u)
	h.broadcastPresence()

	now := h.now()
	switch {
	case !rejoined:
		h.log.WithFields(logrus.Fields{"conn": c.id, "user": u.Name}).Info("ws: user joined")
		h.broadcast(TypeMessage, message.NewSystem(message.ActionJoin, u.Name+" joined the chat", now))
	case prev.Name != u.Name:
		h.broadcast(TypeMessage, message.NewSystem(message.ActionSetUsername,
			fmt.Sprintf("%s is now known as %s", prev.Name, u.Name), now))
	}
}

func (h *Hub) onSend(ctx context.Context, e Send) {
	c := e.Client
	if _, ok := h.clients[c]; !ok {
		return
	}

	u, ok := h.roster.Get(c.id)
	if !ok {
		h.reject(c, e.RequestID, ErrNotJoined)
		return
	}
	if !h.limiter.Allow(c.key, ratelimit.KindMessage) {
		h.log.WithFields(logrus.Fields{"conn": c.id, "key": c.key}).Info("ws: message rate limited")
		h.reject(c, e.RequestID, ErrRateLimited)
		return
	}

	// The cleaned text is checked again so markup cannot hide blocked
	// content or leave nothing behind.
	text := e.Text
	err := h.policy.Check(text)
	if err == nil {
		text = h.policy.Sanitize(text)
		err = h.policy.Check(text)
	}
	if err != nil {
		h.log.WithFields(logrus.Fields{"conn": c.id, "reason": err}).Debug("ws: message rejected")
		h.reject(c, e.RequestID, err)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	stored, err := h.store.Append(sctx, &message.Message{
		Text: text,
		User: u,
		Type: message.TypeChat,
	})
	cancel()
	if err != nil {
		h.log.WithError(err).WithField("conn", c.id).Error("ws: failed to store message")
		h.reject(c, e.RequestID, err)
		return
	}

	metrics.MessagesTotal.Inc()
	h.broadcast(TypeMessage, stored)
	h.sendTo(c, TypeAck, e.RequestID, AckPayload{Status: AckOK, Message: stored})
}

func (h *Hub) onTyping(c *Client, typ string) {
	u, ok := h.roster.Get(c.id)
	if !ok {
		return
	}
	if !h.limiter.Allow(c.key, ratelimit.KindTyping) {
		return
	}
	h.broadcastExcept(c, typ, u)
}

func (h *Hub) onRequestHistory(ctx context.Context, e RequestHistory) {
	c := e.Client
	if _, ok := h.clients[c]; !ok {
		return
	}
	if e.Page < 0 {
		h.sendError(c, e.RequestID, ErrBadPage)
		return
	}

	size := e.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	page, err := h.store.Page(sctx, e.Page, size)
	cancel()
	switch {
	case errors.Is(err, message.ErrInvalidPage):
		h.sendError(c, e.RequestID, ErrBadPage)
		return
	case err != nil:
		h.log.WithError(err).WithField("conn", c.id).Error("ws: failed to load history page")
		h.sendError(c, e.RequestID, err)
		return
	}

	h.sendTo(c, TypeHistoryPage, e.RequestID, HistoryPage{
		Messages: page.Messages,
		HasMore:  page.HasMore,
		Page:     e.Page,
	})
}

func (h *Hub) onDisconnect(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)

	u, ok := h.roster.Remove(c.id)
	if !ok {
		return
	}
	h.log.WithFields(logrus.Fields{"conn": c.id, "user": u.Name}).Info("ws: user left")

	h.broadcastPresence()
	h.broadcast(TypeMessage, message.NewSystem(message.ActionLeave, u.Name+" left the chat", h.now()))
	h.broadcast(TypeTypingStop, u)
}

func (h *Hub) broadcastPresence() {
	h.broadcast(TypeRosterUpdate, h.roster.Values())
	h.broadcast(TypeActiveCount, CountPayload{Count: h.roster.Len()})
}

// reject refuses a send and counts it by error code.
func (h *Hub) reject(c *Client, id string, err error) {
	metrics.RejectedTotal.WithLabelValues(codeFor(err)).Inc()
	h.ackError(c, id, err)
}

func (h *Hub) ackError(c *Client, id string, err error) {
	h.sendTo(c, TypeAck, id, AckPayload{
		Status: AckError,
		Error:  publicError(err),
		Code:   codeFor(err),
	})
}

func (h *Hub) sendError(c *Client, id string, err error) {
	h.sendTo(c, TypeError, id, ErrorPayload{Error: publicError(err), Code: codeFor(err)})
}

func (h *Hub) sendTo(c *Client, typ, id string, payload any) {
	data, err := encode(typ, id, payload)
	if err != nil {
		h.log.WithError(err).WithField("type", typ).Error("ws: failed to encode envelope")
		return
	}
	h.conns.Send(c, data)
}

func (h *Hub) broadcast(typ string, payload any) {
	h.broadcastExcept(nil, typ, payload)
}

// broadcastExcept sends one envelope to every connection but skip.
func (h *Hub) broadcastExcept(skip *Client, typ string, payload any) {
	data, err := encode(typ, "", payload)
	if err != nil {
		h.log.WithError(err).WithField("type", typ).Error("ws: failed to encode envelope")
		return
	}
	for c := range h.clients {
		if c == skip {
			continue
		}
		h.conns.Send(c, data)
	}
}
