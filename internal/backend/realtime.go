package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Realtime defaults, matching the official client libraries.
const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultPushTimeout       = 10 * time.Second
	DefaultEventsPerSecond   = 10
	protocolVersion          = "1.0.0"
)

// DefaultReconnectBackoff is the delay before each reconnect attempt; the
// last value repeats.
var DefaultReconnectBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

var errSocketClosed = errors.New("realtime socket closed")

// Socket is the shared realtime websocket. Channels are multiplexed on it by
// topic. It connects lazily, sends heartbeats while connected and reconnects
// with backoff when the connection drops, rejoining every channel.
type Socket struct {
	endpoint          string
	logger            *slog.Logger
	dialer            *websocket.Dialer
	limiter           *rate.Limiter
	heartbeatInterval time.Duration
	timeout           time.Duration
	backoff           []time.Duration

	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	ref      uint64
	token    string
	channels map[string]*RealtimeChannel
	replies  map[string]chan Message
	closed   bool
	stop     chan struct{}
}

// SocketOption configures a Socket.
type SocketOption func(*Socket)

// WithSocketLogger sets the socket's logger.
func WithSocketLogger(l *slog.Logger) SocketOption {
	return func(s *Socket) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHeartbeatInterval sets how often heartbeats are sent.
func WithHeartbeatInterval(d time.Duration) SocketOption {
	return func(s *Socket) {
		s.heartbeatInterval = d
	}
}

// WithPushTimeout sets how long to wait for a reply to a push.
func WithPushTimeout(d time.Duration) SocketOption {
	return func(s *Socket) {
		s.timeout = d
	}
}

// WithEventsPerSecond limits outgoing channel pushes.
func WithEventsPerSecond(n int) SocketOption {
	return func(s *Socket) {
		s.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
}

// WithReconnectBackoff sets the delays between reconnect attempts.
func WithReconnectBackoff(d ...time.Duration) SocketOption {
	return func(s *Socket) {
		if len(d) > 0 {
			s.backoff = d
		}
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) SocketOption {
	return func(s *Socket) {
		s.dialer = d
	}
}

// NewSocket creates a socket for the project at baseURL. It does not connect.
func NewSocket(baseURL, apiKey string, opts ...SocketOption) *Socket {
	s := &Socket{
		endpoint:          websocketURL(baseURL, apiKey),
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		dialer:            websocket.DefaultDialer,
		limiter:           rate.NewLimiter(rate.Limit(DefaultEventsPerSecond), DefaultEventsPerSecond),
		heartbeatInterval: DefaultHeartbeatInterval,
		timeout:           DefaultPushTimeout,
		backoff:           DefaultReconnectBackoff,
		channels:          make(map[string]*RealtimeChannel),
		replies:           make(map[string]chan Message),
		stop:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// websocketURL converts an http(s) project URL to its realtime endpoint.
func websocketURL(baseURL, apiKey string) string {
	u := strings.TrimRight(baseURL, "/")
	if strings.HasPrefix(u, "http") {
		u = "ws" + strings.TrimPrefix(u, "http")
	}
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", protocolVersion)
	return u + "/realtime/v1/websocket?" + q.Encode()
}

func (s *Socket) channel(name string, opts ChannelOptions) *RealtimeChannel {
	return &RealtimeChannel{
		socket: s,
		name:   name,
		topic:  topicPrefix + name,
		opts:   opts,
	}
}

// Connected reports whether the websocket is currently open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// SetAccessToken records the token sent when joining and pushes it to every
// joined channel so that row level security follows the signed-in user.
func (s *Socket) SetAccessToken(token string) {
	s.mu.Lock()
	s.token = token
	chans := s.channelList()
	s.mu.Unlock()

	if token == "" {
		return
	}
	for _, c := range chans {
		if !c.joined() {
			continue
		}
		msg, err := newMessage(c.topic, eventAccessToken, map[string]string{"access_token": token})
		if err != nil {
			continue
		}
		msg.Ref = s.nextRef()
		msg.JoinRef = c.currentJoinRef()
		if err := s.write(msg); err != nil {
			s.logger.Warn("Failed to push access token", "channel", c.name, "error", err)
		}
	}
}

func (s *Socket) accessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Close disconnects and stops reconnecting. Channels are dropped without
// leaving.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	conn := s.conn
	s.conn = nil
	chans := s.channelList()
	s.channels = make(map[string]*RealtimeChannel)
	s.mu.Unlock()

	for _, c := range chans {
		c.setState(stateClosed)
	}
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

// connect dials the websocket if it is not already open.
func (s *Socket) connect(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSocketClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: realtime connect: %v", ErrNetwork, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return errSocketClosed
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Debug("Realtime connected")
	done := make(chan struct{})
	go s.readLoop(conn, done)
	go s.heartbeat(conn, done)
	return nil
}

func (s *Socket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			s.disconnected(conn, err)
			return
		}
		s.route(msg)
	}
}

// route delivers a frame to the pending request it answers, or to the
// channel it is addressed to.
func (s *Socket) route(msg Message) {
	s.mu.Lock()
	if msg.Event == eventReply && msg.Ref != "" {
		if ch, ok := s.replies[msg.Ref]; ok {
			delete(s.replies, msg.Ref)
			s.mu.Unlock()
			ch <- msg
			return
		}
	}
	c := s.channels[msg.Topic]
	s.mu.Unlock()

	if c == nil {
		if msg.Topic != phoenixTopic {
			s.logger.Debug("Message for unknown topic", "topic", msg.Topic, "event", msg.Event)
		}
		return
	}
	c.handle(msg)
}

// disconnected cleans up after conn fails and, unless the socket was closed,
// starts reconnecting.
func (s *Socket) disconnected(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	for ref, ch := range s.replies {
		close(ch)
		delete(s.replies, ref)
	}
	closed := s.closed
	chans := s.channelList()
	s.mu.Unlock()
	conn.Close()

	if closed {
		return
	}
	s.logger.Warn("Realtime connection lost", "error", err)
	for _, c := range chans {
		c.connectionLost()
	}
	go s.reconnect()
}

func (s *Socket) reconnect() {
	for tries := 0; ; tries++ {
		if !s.sleep(s.backoffFor(tries)) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.connect(ctx)
		cancel()
		if errors.Is(err, errSocketClosed) {
			return
		}
		if err != nil {
			s.logger.Debug("Realtime reconnect failed", "attempt", tries+1, "error", err)
			continue
		}

		s.mu.Lock()
		chans := s.channelList()
		s.mu.Unlock()
		for _, c := range chans {
			go c.rejoinLoop()
		}
		return
	}
}

func (s *Socket) backoffFor(tries int) time.Duration {
	if tries >= len(s.backoff) {
		return s.backoff[len(s.backoff)-1]
	}
	return s.backoff[tries]
}

// sleep waits for d and reports false if the socket was closed meanwhile.
func (s *Socket) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stop:
		return false
	}
}

// heartbeat keeps the connection alive. A heartbeat that goes unanswered
// closes the connection, which triggers a reconnect.
func (s *Socket) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.stop:
			return
		case <-ticker.C:
			msg, _ := newMessage(phoenixTopic, eventHeartbeat, nil)
			if _, err := s.request(context.Background(), msg); err != nil {
				s.logger.Warn("Heartbeat failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (s *Socket) nextRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

func (s *Socket) write(msg Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: realtime not connected", ErrNetwork)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: realtime write: %v", ErrNetwork, err)
	}
	return nil
}

// request sends msg and waits for its phx_reply. A ref is assigned unless
// msg already carries one.
func (s *Socket) request(ctx context.Context, msg Message) (reply, error) {
	if msg.Ref == "" {
		msg.Ref = s.nextRef()
	}
	ch := make(chan Message, 1)
	s.mu.Lock()
	s.replies[msg.Ref] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.replies, msg.Ref)
		s.mu.Unlock()
	}()

	if err := s.write(msg); err != nil {
		return reply{}, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case m, ok := <-ch:
		if !ok {
			return reply{}, fmt.Errorf("%w: connection lost waiting for %s reply", ErrNetwork, msg.Event)
		}
		var r reply
		if err := json.Unmarshal(m.Payload, &r); err != nil {
			return reply{}, fmt.Errorf("%w: bad %s reply: %v", ErrNetwork, msg.Event, err)
		}
		return r, nil
	case <-timer.C:
		return reply{}, fmt.Errorf("%w: %s timed out after %s", ErrNetwork, msg.Event, s.timeout)
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// push sends a channel event, waiting on the rate limiter first.
func (s *Socket) push(ctx context.Context, msg Message, wantReply bool) (reply, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return reply{}, err
	}
	if wantReply {
		return s.request(ctx, msg)
	}
	msg.Ref = s.nextRef()
	return reply{Status: "ok"}, s.write(msg)
}

func (s *Socket) add(c *RealtimeChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.topic] = c
}

func (s *Socket) remove(c *RealtimeChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[c.topic] == c {
		delete(s.channels, c.topic)
	}
}

// channelList must be called with s.mu held.
func (s *Socket) channelList() []*RealtimeChannel {
	out := make([]*RealtimeChannel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	return out
}
