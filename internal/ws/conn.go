package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/chatroom/internal/metrics"
)

const (
	// sendBufferSize is the number of frames that can be queued per client.
	sendBufferSize = 64

	writeTimeout = 5 * time.Second

	// pingInterval is how often the write pump pings an otherwise quiet peer.
	pingInterval = 30 * time.Second

	idleCheckInterval = 30 * time.Second
)

var (
	errShuttingDown = errors.New("server shutting down")
	errAtCapacity   = errors.New("server at capacity")
)

// peer is the manager's bookkeeping for one admitted client.
type peer struct {
	cancel context.CancelFunc
	since  time.Time
	seen   time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"maxConns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"droppedMessages"`
	IdleReaped      int64 `json:"idleReaped"`
}

// ConnInfo describes a single admitted connection. The peer's address is
// left out so the list can be published.
type ConnInfo struct {
	ID          string        `json:"id"`
	ConnectedAt time.Time     `json:"connectedAt"`
	LastActive  time.Time     `json:"lastActive"`
	Idle        time.Duration `json:"idle"`
}

// ConnManager owns the delivery side of every connection. It admits
// clients up to a limit, runs one write pump per client, hangs up on peers
// that stop talking and closes everything on shutdown. The hub never
// writes to a socket directly.
type ConnManager struct {
	mu      sync.Mutex
	peers   map[*Client]*peer
	closing bool

	limit int
	idle  time.Duration
	log   logrus.FieldLogger

	quit     chan struct{}
	quitOnce sync.Once

	rejected atomic.Int64
	dropped  atomic.Int64
	reaped   atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns caps concurrent connections. 0 means unlimited.
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) { cm.limit = n }
}

// WithIdleTimeout closes connections that send nothing for d. 0 disables
// the check.
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) { cm.idle = d }
}

// WithConnLogger sets the logger.
func WithConnLogger(l logrus.FieldLogger) ConnManagerOption {
	return func(cm *ConnManager) { cm.log = l }
}

// NewConnManager creates a ConnManager. The idle sweep starts only when an
// idle timeout is configured.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		peers: make(map[*Client]*peer),
		log:   logrus.StandardLogger(),
		quit:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idle > 0 {
		go cm.sweep()
	}
	return cm
}

// Add admits c and starts its write pump. The returned context ends when
// c is removed, reaped or the manager shuts down. A refused client has its
// socket closed and gets ok == false with an already-cancelled context.
func (cm *ConnManager) Add(c *Client) (ctx context.Context, ok bool) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := cm.admit(c, cancel); err != nil {
		cancel()
		status := websocket.StatusGoingAway
		if errors.Is(err, errAtCapacity) {
			status = websocket.StatusTryAgainLater
			cm.rejected.Add(1)
			cm.log.WithField("key", c.key).Warn("ws: rejecting connection, server at capacity")
		}
		c.conn.Close(status, err.Error())
		return ctx, false
	}
	go cm.pump(ctx, c)
	return ctx, true
}

func (cm *ConnManager) admit(c *Client, cancel context.CancelFunc) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	switch {
	case cm.closing:
		return errShuttingDown
	case cm.limit > 0 && len(cm.peers) >= cm.limit:
		return errAtCapacity
	}
	now := time.Now()
	cm.peers[c] = &peer{cancel: cancel, since: now, seen: now}
	return nil
}

// detach removes every peer for which drop returns true and hands them
// back so they can be hung up on outside the lock.
func (cm *ConnManager) detach(drop func(*Client, *peer) bool) map[*Client]*peer {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make(map[*Client]*peer)
	for c, p := range cm.peers {
		if drop(c, p) {
			out[c] = p
			delete(cm.peers, c)
		}
	}
	return out
}

// Remove stops c's write pump. The socket itself belongs to the caller.
func (cm *ConnManager) Remove(c *Client) {
	for _, p := range cm.detach(func(other *Client, _ *peer) bool { return other == c }) {
		p.cancel()
	}
}

// Send queues a frame for c without blocking. A full queue drops the frame,
// counts it and returns false.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		cm.dropped.Add(1)
		metrics.DroppedFramesTotal.Inc()
		cm.log.WithField("conn", c.id).Warn("ws: send buffer full, dropping frame")
		return false
	}
}

// TouchActivity marks c as having just sent something.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if p, ok := cm.peers[c]; ok {
		p.seen = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of admitted connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.peers)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	return ConnStats{
		Active:          cm.Count(),
		MaxConns:        cm.limit,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.dropped.Load(),
		IdleReaped:      cm.reaped.Load(),
	}
}

// Clients lists the admitted connections in no particular order.
func (cm *ConnManager) Clients() []ConnInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	infos := make([]ConnInfo, 0, len(cm.peers))
	for c, p := range cm.peers {
		infos = append(infos, ConnInfo{
			ID:          c.id,
			ConnectedAt: p.since,
			LastActive:  p.seen,
			Idle:        now.Sub(p.seen),
		})
	}
	return infos
}

// Shutdown refuses new connections and closes every current one with
// StatusGoingAway. It is safe to call more than once.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closing = true
	cm.mu.Unlock()
	cm.quitOnce.Do(func() { close(cm.quit) })

	all := cm.detach(func(*Client, *peer) bool { return true })
	hangUp(all, websocket.StatusGoingAway, errShuttingDown.Error())
}

func (cm *ConnManager) sweep() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cm.quit:
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle hangs up on peers quiet for longer than the idle timeout. The
// closed socket ends the peer's read loop, which reports the disconnect.
func (cm *ConnManager) reapIdle() {
	cutoff := time.Now().Add(-cm.idle)
	stale := cm.detach(func(_ *Client, p *peer) bool { return p.seen.Before(cutoff) })
	if len(stale) == 0 {
		return
	}
	cm.reaped.Add(int64(len(stale)))
	for c := range stale {
		cm.log.WithField("conn", c.id).Info("ws: closing idle connection")
	}
	hangUp(stale, websocket.StatusPolicyViolation, "idle timeout")
}

func hangUp(peers map[*Client]*peer, status websocket.StatusCode, reason string) {
	for c, p := range peers {
		p.cancel()
		c.conn.Close(status, reason)
	}
}

// pump writes queued frames to the socket and pings the peer every
// pingInterval. Any write failure closes the connection.
func (cm *ConnManager) pump(ctx context.Context, c *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		var (
			op  string
			err error
		)
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			op = "write"
			err = withTimeout(ctx, func(wctx context.Context) error {
				return c.conn.Write(wctx, websocket.MessageText, frame)
			})
		case <-ticker.C:
			op = "ping"
			err = withTimeout(ctx, c.conn.Ping)
		}
		if err != nil {
			if ctx.Err() == nil {
				cm.log.WithError(err).WithField("conn", c.id).Debugf("ws: %s failed, closing connection", op)
				c.conn.Close(websocket.StatusInternalError, op+" failed")
			}
			return
		}
	}
}

func withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return fn(ctx)
}
