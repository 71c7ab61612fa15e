package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/christopherjohns/chatroom/internal/message"
	"github.com/christopherjohns/chatroom/internal/user"
)

func newHandlerTestServer(t *testing.T, store message.Store, opts ...ConnManagerOption) (*httptest.Server, *Hub) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cm := NewConnManager(append([]ConnManagerOption{WithConnLogger(logger)}, opts...)...)
	hub := NewHub(store, WithLogger(logger), WithConnManager(cm))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	handler := NewHandler(hub, &websocket.AcceptOptions{InsecureSkipVerify: true}, logger)
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		cm.Shutdown()
		ts.Close()
		cancel()
	})
	return ts, hub
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	env := Envelope{Type: typ, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		env.Payload = data
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readType reads envelopes until one of type typ arrives, decoding its
// payload into v.
func readType(t *testing.T, conn *websocket.Conn, typ string, v any) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type != typ {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(env.Payload, v); err != nil {
				t.Fatalf("decode %s: %v", typ, err)
			}
		}
		return env
	}
}

func TestEndToEndAliceAndBob(t *testing.T) {
	ts, _ := newHandlerTestServer(t, message.NewMemoryStore())

	alice := dialWS(t, ts.URL)
	defer alice.Close(websocket.StatusNormalClosure, "")
	readType(t, alice, TypeHistory, nil)

	bob := dialWS(t, ts.URL)
	defer bob.Close(websocket.StatusNormalClosure, "")
	readType(t, bob, TypeHistory, nil)

	writeEnvelope(t, alice, TypeJoin, "", JoinPayload{Name: "Alice"})
	var roster []user.User
	readType(t, bob, TypeRosterUpdate, &roster)
	if len(roster) != 1 || roster[0].Name != "Alice" {
		t.Fatalf("bob saw roster %+v", roster)
	}
	readType(t, alice, TypeMessage, nil)

	writeEnvelope(t, bob, TypeJoin, "", JoinPayload{Name: "Bob"})
	readType(t, alice, TypeRosterUpdate, &roster)
	if len(roster) != 2 || roster[0].Name != "Alice" || roster[1].Name != "Bob" {
		t.Fatalf("alice saw roster %+v", roster)
	}
	var count CountPayload
	readType(t, alice, TypeActiveCount, &count)
	if count.Count != 2 {
		t.Fatalf("expected 2 active, got %d", count.Count)
	}
	readType(t, bob, TypeMessage, nil)

	writeEnvelope(t, alice, TypeSendMessage, "m1", SendPayload{Text: "hello bob"})

	var got message.Message
	readType(t, bob, TypeMessage, &got)
	for got.Type != message.TypeChat {
		readType(t, bob, TypeMessage, &got)
	}
	if got.Text != "hello bob" || got.User.Name != "Alice" {
		t.Fatalf("bob received %+v", got)
	}

	var ack AckPayload
	env := readType(t, alice, TypeAck, &ack)
	if env.ID != "m1" || ack.Status != AckOK {
		t.Fatalf("alice received ack %s %+v", env.ID, ack)
	}

	bob.Close(websocket.StatusNormalClosure, "")

	var notice message.Message
	readType(t, alice, TypeMessage, &notice)
	for notice.Action != message.ActionLeave {
		readType(t, alice, TypeMessage, &notice)
	}
	if notice.Text != "Bob left the chat" {
		t.Errorf("unexpected notice %q", notice.Text)
	}
}

func TestEndToEndHistoryAndPaging(t *testing.T) {
	store := message.NewMemoryStore()
	fillStore(t, store, 45)
	ts, _ := newHandlerTestServer(t, store)

	conn := dialWS(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var history []*message.Message
	readType(t, conn, TypeHistory, &history)
	if len(history) != 45 {
		t.Fatalf("expected 45 messages, got %d", len(history))
	}

	writeEnvelope(t, conn, TypeRequestHistory, "p2", HistoryRequest{Page: 2, PageSize: 20})
	var page HistoryPage
	env := readType(t, conn, TypeHistoryPage, &page)
	if env.ID != "p2" || len(page.Messages) != 5 || page.HasMore {
		t.Fatalf("unexpected page %s n=%d hasMore=%v", env.ID, len(page.Messages), page.HasMore)
	}
}

func TestEndToEndRejectsLinkSpam(t *testing.T) {
	store := message.NewMemoryStore()
	ts, _ := newHandlerTestServer(t, store)

	conn := dialWS(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readType(t, conn, TypeHistory, nil)

	writeEnvelope(t, conn, TypeJoin, "", JoinPayload{Name: "Mallory"})
	readType(t, conn, TypeMessage, nil)

	writeEnvelope(t, conn, TypeSendMessage, "s1", SendPayload{Text: "https://a.com https://b.com https://c.com"})
	var ack AckPayload
	readType(t, conn, TypeAck, &ack)
	if ack.Status != AckError || ack.Code != CodeValidation {
		t.Fatalf("expected validation error, got %+v", ack)
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Fatalf("expected nothing stored, got %d", n)
	}
}

func TestHandlerBadFrames(t *testing.T) {
	ts, _ := newHandlerTestServer(t, message.NewMemoryStore())

	conn := dialWS(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readType(t, conn, TypeHistory, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	var e ErrorPayload
	readType(t, conn, TypeError, &e)
	if e.Code != CodeProtocol {
		t.Errorf("expected protocol error, got %+v", e)
	}

	writeEnvelope(t, conn, "dance", "", nil)
	readType(t, conn, TypeError, &e)
	if e.Code != CodeProtocol {
		t.Errorf("expected protocol error, got %+v", e)
	}

	// The connection survives bad frames.
	writeEnvelope(t, conn, TypeRequestHistory, "", nil)
	readType(t, conn, TypeHistoryPage, nil)
}

func TestHandlerRejectsOverCapacity(t *testing.T) {
	ts, hub := newHandlerTestServer(t, message.NewMemoryStore(), WithMaxConns(1))

	first := dialWS(t, ts.URL)
	defer first.Close(websocket.StatusNormalClosure, "")
	readType(t, first, TypeHistory, nil)

	second := dialWS(t, ts.URL)
	defer second.Close(websocket.StatusNormalClosure, "")
	if got := closeStatus(t, second); got != websocket.StatusTryAgainLater {
		t.Fatalf("expected StatusTryAgainLater, got %v", got)
	}
	if got := hub.ConnMgr().Stats().Rejected; got != 1 {
		t.Errorf("expected 1 rejection, got %d", got)
	}
}

func TestHandlerDisconnectUpdatesStats(t *testing.T) {
	ts, hub := newHandlerTestServer(t, message.NewMemoryStore())

	conn := dialWS(t, ts.URL)
	readType(t, conn, TypeHistory, nil)
	writeEnvelope(t, conn, TypeJoin, "", JoinPayload{Name: "Carol"})
	readType(t, conn, TypeMessage, nil)

	if !waitFor(t, func() bool { return hub.Stats().Users == 1 }) {
		t.Fatalf("expected 1 user, got %+v", hub.Stats())
	}

	conn.Close(websocket.StatusNormalClosure, "")

	if !waitFor(t, func() bool { s := hub.Stats(); return s.Users == 0 && s.Connections == 0 }) {
		t.Fatalf("expected empty hub, got %+v", hub.Stats())
	}
	if !waitFor(t, func() bool { return hub.ConnMgr().Count() == 0 }) {
		t.Fatalf("expected no tracked connections, got %d", hub.ConnMgr().Count())
	}
}

func TestDecodeEvent(t *testing.T) {
	c := testClient("k")

	tests := []struct {
		name string
		in   string
		want Event
	}{
		{"join", `{"type":"join","payload":{"name":"Al","profileImage":"https://x/y.png"}}`,
			Join{Client: c, Profile: user.Profile{Name: "Al", ProfileImage: "https://x/y.png"}}},
		{"send", `{"type":"send-message","id":"r9","payload":{"text":"hi"}}`,
			Send{Client: c, Text: "hi", RequestID: "r9"}},
		{"typing start", `{"type":"typing-start"}`, TypingStart{Client: c}},
		{"typing stop", `{"type":"typing-stop","payload":null}`, TypingStop{Client: c}},
		{"history", `{"type":"request-history","id":"h","payload":{"page":3,"pageSize":10}}`,
			RequestHistory{Client: c, Page: 3, PageSize: 10, RequestID: "h"}},
		{"history defaults", `{"type":"request-history"}`, RequestHistory{Client: c}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvent(c, []byte(tt.in))
			if err != nil {
				t.Fatalf("decodeEvent: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}

	for _, bad := range []string{`nope`, `{"type":"join","payload":"x"}`, `{"type":"shout"}`} {
		if _, err := decodeEvent(c, []byte(bad)); err == nil {
			t.Errorf("expected error for %s", bad)
		}
	}
}
