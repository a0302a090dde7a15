package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// phoenixServer is a minimal realtime server. It records every frame the
// client sends and answers joins, leaves, heartbeats and presence pushes.
type phoenixServer struct {
	t      *testing.T
	srv    *httptest.Server
	frames chan Message

	mu         sync.Mutex
	conns      []*fakeConn
	joinStatus string
}

type fakeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *fakeConn) write(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func newPhoenixServer(t *testing.T) *phoenixServer {
	t.Helper()
	ps := &phoenixServer{
		t:          t,
		frames:     make(chan Message, 100),
		joinStatus: "ok",
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/realtime/v1/websocket", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "anon" || r.URL.Query().Get("vsn") != "1.0.0" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Upgrade failed: %v", err)
			return
		}
		fc := &fakeConn{conn: conn}
		ps.mu.Lock()
		ps.conns = append(ps.conns, fc)
		ps.mu.Unlock()
		ps.serve(fc)
	})
	ps.srv = httptest.NewServer(mux)
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *phoenixServer) serve(fc *fakeConn) {
	defer fc.conn.Close()
	for {
		var msg Message
		if err := fc.conn.ReadJSON(&msg); err != nil {
			return
		}
		ps.frames <- msg

		status := "ok"
		response := `{}`
		switch msg.Event {
		case eventJoin:
			ps.mu.Lock()
			status = ps.joinStatus
			ps.mu.Unlock()
			if status != "ok" {
				response = `{"reason":"denied"}`
			}
		case eventLeave, eventHeartbeat, eventPresence:
		default:
			continue
		}
		_ = fc.write(Message{
			Topic:   msg.Topic,
			Event:   eventReply,
			Ref:     msg.Ref,
			JoinRef: msg.JoinRef,
			Payload: json.RawMessage(`{"status":"` + status + `","response":` + response + `}`),
		})
	}
}

// send writes msg on the most recent connection.
func (ps *phoenixServer) send(msg Message) {
	ps.t.Helper()
	ps.mu.Lock()
	fc := ps.conns[len(ps.conns)-1]
	ps.mu.Unlock()
	if err := fc.write(msg); err != nil {
		ps.t.Fatalf("server write: %v", err)
	}
}

// drop closes every open connection.
func (ps *phoenixServer) drop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, fc := range ps.conns {
		fc.conn.Close()
	}
}

// expect returns the next client frame with the given event, skipping others.
func (ps *phoenixServer) expect(event string) Message {
	ps.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ps.frames:
			if msg.Event == event {
				return msg
			}
		case <-timeout:
			ps.t.Fatalf("no %s frame received", event)
			return Message{}
		}
	}
}

func newRealtimeClient(t *testing.T, ps *phoenixServer, opts ...SocketOption) *Client {
	t.Helper()
	c, err := New(ps.srv.URL, "anon", WithSocketOptions(opts...))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type statusRecorder chan Status

func (r statusRecorder) fn(status Status, err error) {
	r <- status
}

func (r statusRecorder) expect(t *testing.T, want Status) {
	t.Helper()
	select {
	case got := <-r:
		if got != want {
			t.Fatalf("status = %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s status received", want)
	}
}

func TestChannel_SubscribeAndReceiveBroadcast(t *testing.T) {
	ps := newPhoenixServer(t)
	c := newRealtimeClient(t, ps)

	events := make(chan Event, 4)
	ch := c.Channel("room1", ChannelOptions{PresenceKey: "me", BroadcastSelf: true})
	ch.On(KindBroadcast, Filter{Event: "greet"}, func(e Event) { events <- e })
	ch.On(KindPostgresChanges, Filter{Event: "INSERT", Table: "todos"}, func(e Event) { events <- e })

	statuses := make(statusRecorder, 4)
	if err := ch.Subscribe(context.Background(), statuses.fn); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	statuses.expect(t, StatusSubscribed)

	join := ps.expect(eventJoin)
	if join.Topic != "realtime:room1" {
		t.Errorf("join topic = %q", join.Topic)
	}
	if join.Ref == "" || join.Ref != join.JoinRef {
		t.Errorf("join ref = %q, join_ref = %q", join.Ref, join.JoinRef)
	}
	var payload struct {
		Config struct {
			Broadcast struct {
				Self bool `json:"self"`
			} `json:"broadcast"`
			Presence struct {
				Key string `json:"key"`
			} `json:"presence"`
			PostgresChanges []map[string]string `json:"postgres_changes"`
		} `json:"config"`
	}
	if err := json.Unmarshal(join.Payload, &payload); err != nil {
		t.Fatalf("decode join payload: %v", err)
	}
	if !payload.Config.Broadcast.Self || payload.Config.Presence.Key != "me" {
		t.Errorf("join config = %+v", payload.Config)
	}
	if len(payload.Config.PostgresChanges) != 1 ||
		payload.Config.PostgresChanges[0]["table"] != "todos" ||
		payload.Config.PostgresChanges[0]["schema"] != "public" {
		t.Errorf("postgres_changes = %v", payload.Config.PostgresChanges)
	}

	ps.send(Message{
		Topic:   "realtime:room1",
		Event:   eventBroadcast,
		Payload: json.RawMessage(`{"type":"broadcast","event":"other","payload":{}}`),
	})
	ps.send(Message{
		Topic:   "realtime:room1",
		Event:   eventBroadcast,
		Payload: json.RawMessage(`{"type":"broadcast","event":"greet","payload":{"x":1}}`),
	})

	select {
	case e := <-events:
		if e.Kind != KindBroadcast || e.Event != "greet" || string(e.Payload) != `{"x":1}` {
			t.Errorf("event = %+v (payload %s)", e, e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}

	ps.send(Message{
		Topic:   "realtime:room1",
		Event:   eventPostgresChanges,
		Payload: json.RawMessage(`{"ids":[1],"data":{"type":"INSERT","schema":"public","table":"todos","record":{"id":7}}}`),
	})
	select {
	case e := <-events:
		if e.Kind != KindPostgresChanges || e.Event != "INSERT" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("postgres change not delivered")
	}
}

func TestChannel_BindAfterSubscribe(t *testing.T) {
	ps := newPhoenixServer(t)
	c := newRealtimeClient(t, ps)

	ch := c.Channel("room1", ChannelOptions{})
	statuses := make(statusRecorder, 4)
	if err := ch.Subscribe(context.Background(), statuses.fn); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	statuses.expect(t, StatusSubscribed)
	ps.expect(eventJoin)

	events := make(chan Event, 1)
	ch.On(KindBroadcast, Filter{Event: "late"}, func(e Event) { events <- e })
	ps.send(Message{
		Topic:   "realtime:room1",
		Event:   eventBroadcast,
		Payload: json.RawMessage(`{"type":"broadcast","event":"late","payload":{"n":2}}`),
	})

	select {
	case e := <-events:
		if e.Event != "late" || string(e.Payload) != `{"n":2}` {
			t.Errorf("event = %+v (payload %s)", e, e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast bound after join not delivered")
	}
}

func TestChannel_JoinRefused(t *testing.T) {
	ps := newPhoenixServer(t)
	ps.joinStatus = "error"
	c := newRealtimeClient(t, ps)

	ch := c.Channel("private-room", ChannelOptions{})
	err := ch.Subscribe(context.Background(), nil)
	if !errors.Is(err, ErrSubscription) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscription", err)
	}
	if err := ch.Send(context.Background(), "x", nil); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("Send() on refused channel error = %v", err)
	}
}

func TestChannel_SendTrackUntrack(t *testing.T) {
	ps := newPhoenixServer(t)
	c := newRealtimeClient(t, ps)
	ch := c.Channel("room1", ChannelOptions{})
	if err := ch.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	join := ps.expect(eventJoin)

	if err := ch.Send(context.Background(), "ping", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	msg := ps.expect(eventBroadcast)
	var bp broadcastPayload
	if err := json.Unmarshal(msg.Payload, &bp); err != nil {
		t.Fatal(err)
	}
	if bp.Type != "broadcast" || bp.Event != "ping" || string(bp.Payload) != `{"n":1}` {
		t.Errorf("broadcast payload = %+v", bp)
	}
	if msg.JoinRef != join.JoinRef {
		t.Errorf("broadcast join_ref = %q, want %q", msg.JoinRef, join.JoinRef)
	}

	if err := ch.Track(context.Background(), map[string]any{"user": "ann"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	var pp presencePayload
	_ = json.Unmarshal(ps.expect(eventPresence).Payload, &pp)
	if pp.Event != "track" || pp.Payload["user"] != "ann" {
		t.Errorf("track payload = %+v", pp)
	}

	if err := ch.Untrack(context.Background()); err != nil {
		t.Fatalf("Untrack() error = %v", err)
	}
	_ = json.Unmarshal(ps.expect(eventPresence).Payload, &pp)
	if pp.Event != "untrack" {
		t.Errorf("untrack event = %q", pp.Event)
	}
}

func TestChannel_Unsubscribe(t *testing.T) {
	ps := newPhoenixServer(t)
	c := newRealtimeClient(t, ps)
	ch := c.Channel("room1", ChannelOptions{})

	statuses := make(statusRecorder, 4)
	if err := ch.Subscribe(context.Background(), statuses.fn); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	statuses.expect(t, StatusSubscribed)

	if err := ch.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	leave := ps.expect(eventLeave)
	if leave.Topic != "realtime:room1" {
		t.Errorf("leave topic = %q", leave.Topic)
	}
	statuses.expect(t, StatusClosed)

	// A second leave is a no-op.
	if err := ch.Unsubscribe(context.Background()); err != nil {
		t.Errorf("second Unsubscribe() error = %v", err)
	}
}

func TestSocket_ReconnectRejoins(t *testing.T) {
	ps := newPhoenixServer(t)
	c := newRealtimeClient(t, ps, WithReconnectBackoff(10*time.Millisecond))
	ch := c.Channel("room1", ChannelOptions{})

	statuses := make(statusRecorder, 8)
	if err := ch.Subscribe(context.Background(), statuses.fn); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	statuses.expect(t, StatusSubscribed)
	ps.expect(eventJoin)

	ps.drop()
	statuses.expect(t, StatusReconnecting)
	statuses.expect(t, StatusSubscribed)
	ps.expect(eventJoin)
}

func TestSocket_Heartbeat(t *testing.T) {
	ps := newPhoenixServer(t)
	c := newRealtimeClient(t, ps, WithHeartbeatInterval(20*time.Millisecond))
	ch := c.Channel("room1", ChannelOptions{})
	if err := ch.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	hb := ps.expect(eventHeartbeat)
	if hb.Topic != phoenixTopic {
		t.Errorf("heartbeat topic = %q", hb.Topic)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://127.0.0.1:54321":  "ws://127.0.0.1:54321/realtime/v1/websocket?apikey=k&vsn=1.0.0",
		"https://abc.supabase.co/": "wss://abc.supabase.co/realtime/v1/websocket?apikey=k&vsn=1.0.0",
	}
	for in, want := range tests {
		if got := websocketURL(in, "k"); got != want {
			t.Errorf("websocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
