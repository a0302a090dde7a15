package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

type channelState int

const (
	stateClosed channelState = iota
	stateJoining
	stateJoined
	stateErrored
	stateLeaving
)

type binding struct {
	kind   EventKind
	filter Filter
	cb     EventFunc
}

// RealtimeChannel is a channel on the shared realtime socket.
type RealtimeChannel struct {
	socket *Socket
	name   string
	topic  string
	opts   ChannelOptions

	mu        sync.Mutex
	state     channelState
	joinRef   string
	bindings  []binding
	status    StatusFunc
	rejoining bool
}

// Name returns the channel name without the realtime topic prefix.
func (c *RealtimeChannel) Name() string {
	return c.name
}

// On registers cb for events of kind matching filter.
func (c *RealtimeChannel) On(kind EventKind, filter Filter, cb EventFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, binding{kind: kind, filter: filter, cb: cb})
}

// Subscribe connects the socket if needed and joins the channel. It returns
// once the server has accepted or refused the join.
func (c *RealtimeChannel) Subscribe(ctx context.Context, status StatusFunc) error {
	c.mu.Lock()
	if c.state == stateJoined || c.state == stateJoining {
		c.mu.Unlock()
		return nil
	}
	c.status = status
	c.state = stateJoining
	c.mu.Unlock()

	if err := c.socket.connect(ctx); err != nil {
		c.setState(stateClosed)
		return err
	}
	c.socket.add(c)
	return c.join(ctx, true)
}

// join sends phx_join and applies the reply. On the first join a refusal is
// only returned; on rejoins it is reported through the status callback.
func (c *RealtimeChannel) join(ctx context.Context, initial bool) error {
	ref := c.socket.nextRef()
	c.mu.Lock()
	c.joinRef = ref
	c.state = stateJoining
	payload := c.joinPayload()
	c.mu.Unlock()

	msg, err := newMessage(c.topic, eventJoin, payload)
	if err != nil {
		return err
	}
	msg.Ref = ref
	msg.JoinRef = ref

	r, err := c.socket.request(ctx, msg)
	if err == nil && !r.ok() {
		err = fmt.Errorf("%w: join %s: %s", ErrSubscription, c.name, r.reason())
	}
	if err != nil {
		if initial {
			c.setState(stateClosed)
			c.socket.remove(c)
		} else {
			c.setState(stateErrored)
			c.notify(StatusError, err)
		}
		return err
	}

	c.setState(stateJoined)
	c.socket.logger.Debug("Channel joined", "channel", c.name)
	c.notify(StatusSubscribed, nil)
	return nil
}

// joinPayload must be called with c.mu held.
func (c *RealtimeChannel) joinPayload() map[string]any {
	key := c.opts.PresenceKey
	if key == "" {
		key = uuid.NewString()
		c.opts.PresenceKey = key
	}

	changes := []map[string]string{}
	for _, b := range c.bindings {
		if b.kind != KindPostgresChanges {
			continue
		}
		p := map[string]string{
			"event":  b.filter.Event,
			"schema": b.filter.Schema,
		}
		if p["event"] == "" {
			p["event"] = "*"
		}
		if p["schema"] == "" {
			p["schema"] = "public"
		}
		if b.filter.Table != "" {
			p["table"] = b.filter.Table
		}
		if b.filter.Filter != "" {
			p["filter"] = b.filter.Filter
		}
		changes = append(changes, p)
	}

	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]bool{
				"self": c.opts.BroadcastSelf,
				"ack":  c.opts.BroadcastAck,
			},
			"presence":         map[string]string{"key": key},
			"postgres_changes": changes,
			"private":          c.opts.Private,
		},
	}
	if token := c.socket.accessToken(); token != "" {
		payload["access_token"] = token
	}
	return payload
}

// Send broadcasts event with payload to the channel's other subscribers.
func (c *RealtimeChannel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("send %s: marshal: %w", event, err)
	}
	return c.pushEvent(ctx, eventBroadcast, broadcastPayload{
		Type:    eventBroadcast,
		Event:   event,
		Payload: raw,
	}, c.opts.BroadcastAck)
}

// Track publishes state as this client's presence.
func (c *RealtimeChannel) Track(ctx context.Context, state map[string]any) error {
	return c.pushEvent(ctx, eventPresence, presencePayload{
		Type:    eventPresence,
		Event:   "track",
		Payload: state,
	}, true)
}

// Untrack removes this client's presence.
func (c *RealtimeChannel) Untrack(ctx context.Context) error {
	return c.pushEvent(ctx, eventPresence, presencePayload{
		Type:  eventPresence,
		Event: "untrack",
	}, true)
}

func (c *RealtimeChannel) pushEvent(ctx context.Context, event string, payload any, wantReply bool) error {
	if !c.joined() {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, c.name)
	}
	msg, err := newMessage(c.topic, event, payload)
	if err != nil {
		return err
	}
	msg.JoinRef = c.currentJoinRef()

	r, err := c.socket.push(ctx, msg, wantReply)
	if err != nil {
		return err
	}
	if !r.ok() {
		return fmt.Errorf("%w: %s on %s: %s", ErrSubscription, event, c.name, r.reason())
	}
	return nil
}

// Unsubscribe leaves the channel. The channel is only dropped once the
// server confirms; when the socket is down it is dropped immediately.
func (c *RealtimeChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	if prev == stateClosed || prev == stateLeaving {
		c.mu.Unlock()
		return nil
	}
	c.state = stateLeaving
	joinRef := c.joinRef
	c.mu.Unlock()

	if !c.socket.Connected() {
		c.closed()
		return nil
	}

	msg, err := newMessage(c.topic, eventLeave, nil)
	if err != nil {
		return err
	}
	msg.JoinRef = joinRef
	r, err := c.socket.request(ctx, msg)
	if err == nil && !r.ok() {
		err = fmt.Errorf("%w: leave %s: %s", ErrSubscription, c.name, r.reason())
	}
	if err != nil {
		c.setState(prev)
		return err
	}
	c.closed()
	return nil
}

func (c *RealtimeChannel) closed() {
	c.setState(stateClosed)
	c.socket.remove(c)
	c.socket.logger.Debug("Channel closed", "channel", c.name)
	c.notify(StatusClosed, nil)
}

// handle processes a frame addressed to this channel. It runs on the
// socket's read goroutine.
func (c *RealtimeChannel) handle(msg Message) {
	switch msg.Event {
	case eventError:
		c.mu.Lock()
		wasJoined := c.state == stateJoined
		if wasJoined {
			c.state = stateErrored
		}
		c.mu.Unlock()
		if wasJoined {
			c.notify(StatusError, fmt.Errorf("%w: channel %s errored", ErrSubscription, c.name))
			go c.rejoinLoop()
		}

	case eventClose:
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if st != stateLeaving && st != stateClosed {
			c.closed()
		}

	case eventBroadcast:
		var p broadcastPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.dispatch(KindBroadcast, p.Event, p.Payload, nil)

	case eventPresenceState:
		c.dispatch(KindPresence, "sync", msg.Payload, nil)

	case eventPresenceDiff:
		var d presenceDiff
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			return
		}
		if len(d.Joins) > 0 {
			raw, _ := json.Marshal(d.Joins)
			c.dispatch(KindPresence, "join", raw, nil)
		}
		if len(d.Leaves) > 0 {
			raw, _ := json.Marshal(d.Leaves)
			c.dispatch(KindPresence, "leave", raw, nil)
		}

	case eventPostgresChanges:
		var p postgresChange
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		var data struct {
			Data json.RawMessage `json:"data"`
		}
		_ = json.Unmarshal(msg.Payload, &data)
		c.dispatch(KindPostgresChanges, p.Data.Type, data.Data, func(f Filter) bool {
			return (f.Schema == "" || f.Schema == p.Data.Schema) &&
				(f.Table == "" || f.Table == "*" || f.Table == p.Data.Table)
		})

	case eventSystem:
		var p systemMessage
		_ = json.Unmarshal(msg.Payload, &p)
		c.dispatch(KindSystem, p.Extension, msg.Payload, nil)
	}
}

func (c *RealtimeChannel) dispatch(kind EventKind, event string, payload json.RawMessage, extra func(Filter) bool) {
	c.mu.Lock()
	var targets []EventFunc
	for _, b := range c.bindings {
		if b.kind != kind || !b.filter.matches(event) {
			continue
		}
		if extra != nil && !extra(b.filter) {
			continue
		}
		targets = append(targets, b.cb)
	}
	c.mu.Unlock()

	ev := Event{Channel: c.name, Kind: kind, Event: event, Payload: payload}
	for _, cb := range targets {
		cb(ev)
	}
}

// connectionLost is called by the socket when the websocket drops.
func (c *RealtimeChannel) connectionLost() {
	c.mu.Lock()
	wasJoined := c.state == stateJoined
	if wasJoined {
		c.state = stateErrored
	}
	c.mu.Unlock()
	if wasJoined {
		c.notify(StatusReconnecting, nil)
	}
}

// rejoinLoop retries joining with backoff until it succeeds, the channel is
// left, or the socket goes down (the socket restarts the loop on reconnect).
func (c *RealtimeChannel) rejoinLoop() {
	c.mu.Lock()
	if c.rejoining {
		c.mu.Unlock()
		return
	}
	c.rejoining = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.rejoining = false
		c.mu.Unlock()
	}()

	for tries := 0; ; tries++ {
		if tries > 0 && !c.socket.sleep(c.socket.backoffFor(tries-1)) {
			return
		}
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if st != stateErrored {
			return
		}
		if !c.socket.Connected() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.socket.timeout)
		err := c.join(ctx, false)
		cancel()
		if err == nil {
			return
		}
	}
}

func (c *RealtimeChannel) joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateJoined
}

func (c *RealtimeChannel) currentJoinRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRef
}

func (c *RealtimeChannel) setState(st channelState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = st
}

func (c *RealtimeChannel) notify(status Status, err error) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}

// Broadcast sends one message to a channel through the REST endpoint, which
// does not require joining it first.
func (c *Client) Broadcast(ctx context.Context, channel, event string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"messages": []map[string]any{{
			"topic":   channel,
			"event":   event,
			"payload": payload,
			"private": false,
		}},
	})
	if err != nil {
		return fmt.Errorf("broadcast: marshal: %w", err)
	}

	h := http.Header{}
	h.Set("apikey", c.apiKey)
	h.Set("Authorization", "Bearer "+c.bearer())
	h.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/realtime/v1/api/broadcast", h, body)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%w: broadcast to %s: %s", ErrNetwork, channel, resp.Status)
	}
	return nil
}
