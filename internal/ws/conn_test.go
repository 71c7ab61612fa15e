package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"nhooyr.io/websocket"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

// connPair returns the server and client ends of a live WebSocket. The
// server end is kept reading so control frames are handled.
func connPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	client = dialWS(t, ts.URL)
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "") })

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept")
	}
	return server, client
}

func newTestConnManager(t *testing.T, opts ...ConnManagerOption) *ConnManager {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cm := NewConnManager(append([]ConnManagerOption{WithConnLogger(logger)}, opts...)...)
	t.Cleanup(cm.Shutdown)
	return cm
}

// closeStatus reads from conn until it fails and returns the close status.
func closeStatus(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestConnManagerAddRemove(t *testing.T) {
	cm := newTestConnManager(t)
	server, _ := connPair(t)
	c := NewClient(server, "k")

	ctx, ok := cm.Add(c)
	if !ok {
		t.Fatal("expected Add to succeed")
	}
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}

	select {
	case <-ctx.Done():
		t.Fatal("context should not be cancelled yet")
	default:
	}

	cm.Remove(c)
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after remove, got %d", cm.Count())
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after remove")
	}

	// Removing twice is harmless.
	cm.Remove(c)
}

func TestConnManagerDeliversFrames(t *testing.T) {
	cm := newTestConnManager(t)
	server, client := connPair(t)
	c := NewClient(server, "k")
	if _, ok := cm.Add(c); !ok {
		t.Fatal("expected Add to succeed")
	}

	for _, frame := range []string{`{"type":"one"}`, `{"type":"two"}`} {
		if !cm.Send(c, []byte(frame)) {
			t.Fatal("Send returned false")
		}
	}

	for _, want := range []string{`{"type":"one"}`, `{"type":"two"}`} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, data, err := client.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		if string(data) != want {
			t.Errorf("expected %s, got %s", want, data)
		}
	}
}

func TestConnManagerSendDropsWhenFull(t *testing.T) {
	cm := newTestConnManager(t)
	c := &Client{id: "slow", send: make(chan []byte, 1)}

	if !cm.Send(c, []byte("a")) {
		t.Fatal("first send should fit")
	}
	if cm.Send(c, []byte("b")) {
		t.Fatal("second send should be dropped")
	}
	if got := cm.Stats().DroppedMessages; got != 1 {
		t.Errorf("expected 1 dropped message, got %d", got)
	}
}

func TestConnManagerMaxConns(t *testing.T) {
	cm := newTestConnManager(t, WithMaxConns(1))

	s1, _ := connPair(t)
	if _, ok := cm.Add(NewClient(s1, "a")); !ok {
		t.Fatal("first connection should be accepted")
	}

	s2, c2 := connPair(t)
	ctx, ok := cm.Add(NewClient(s2, "b"))
	if ok {
		t.Fatal("second connection should be rejected")
	}
	if ctx.Err() == nil {
		t.Error("rejected connection should get a cancelled context")
	}
	if got := closeStatus(t, c2); got != websocket.StatusTryAgainLater {
		t.Errorf("expected StatusTryAgainLater, got %v", got)
	}

	stats := cm.Stats()
	if stats.Active != 1 || stats.MaxConns != 1 || stats.Rejected != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestConnManagerShutdown(t *testing.T) {
	cm := newTestConnManager(t)

	s1, c1 := connPair(t)
	s2, c2 := connPair(t)
	cm.Add(NewClient(s1, "a"))
	cm.Add(NewClient(s2, "b"))

	cm.Shutdown()

	for _, c := range []*websocket.Conn{c1, c2} {
		if got := closeStatus(t, c); got != websocket.StatusGoingAway {
			t.Errorf("expected StatusGoingAway, got %v", got)
		}
	}
	if cm.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", cm.Count())
	}

	s3, _ := connPair(t)
	if _, ok := cm.Add(NewClient(s3, "c")); ok {
		t.Error("Add after Shutdown should fail")
	}
}

func TestConnManagerReapsIdle(t *testing.T) {
	cm := newTestConnManager(t, WithIdleTimeout(20*time.Millisecond))

	server, client := connPair(t)
	c := NewClient(server, "k")
	ctx, _ := cm.Add(c)

	time.Sleep(40 * time.Millisecond)
	cm.reapIdle()

	if got := closeStatus(t, client); got != websocket.StatusPolicyViolation {
		t.Errorf("expected StatusPolicyViolation, got %v", got)
	}
	if ctx.Err() == nil {
		t.Error("reaped connection context should be cancelled")
	}
	if stats := cm.Stats(); stats.IdleReaped != 1 || stats.Active != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestConnManagerTouchActivity(t *testing.T) {
	cm := newTestConnManager(t, WithIdleTimeout(time.Hour))

	server, _ := connPair(t)
	c := NewClient(server, "10.1.2.3")
	cm.Add(c)

	before := cm.Clients()[0].LastActive
	time.Sleep(5 * time.Millisecond)
	cm.TouchActivity(c)

	infos := cm.Clients()
	if len(infos) != 1 {
		t.Fatalf("expected 1 client, got %d", len(infos))
	}
	if !infos[0].LastActive.After(before) {
		t.Error("TouchActivity should advance LastActive")
	}
	if infos[0].ID != c.ID() {
		t.Errorf("unexpected info %+v", infos[0])
	}

	cm.reapIdle()
	if cm.Count() != 1 {
		t.Error("active connection should not be reaped")
	}
}
