// Package backend is the narrow interface supalab uses to reach a Supabase
// project: password sign-in, edge function calls and realtime channels.
//
// # Realtime
//
// Channels are multiplexed over one websocket using the Phoenix v1 JSON
// protocol spoken by Supabase Realtime. Status changes and incoming events are
// delivered through callbacks invoked from the socket's read goroutine, so
// callers that own non thread-safe state should hand them off to their own
// event loop.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error classes reported by the backend. Returned errors wrap one of these.
var (
	// ErrMissingCredential means the project URL or API key is not configured.
	ErrMissingCredential = errors.New("missing credential")
	// ErrAuth means the auth server rejected the request.
	ErrAuth = errors.New("authentication failed")
	// ErrNetwork means a request could not be completed or returned a non-2xx status.
	ErrNetwork = errors.New("network error")
	// ErrSubscription means a channel join or leave was refused or timed out.
	ErrSubscription = errors.New("subscription error")
	// ErrNotSubscribed is returned when pushing on a channel that is not joined.
	ErrNotSubscribed = errors.New("channel not subscribed")
)

// Backend is what the console needs from the platform SDK.
type Backend interface {
	SignIn(ctx context.Context, email, password string) (*AuthSession, error)
	SignOut(ctx context.Context) error
	Post(ctx context.Context, url string, payload any, headers map[string]string) (*Response, error)
	Broadcast(ctx context.Context, channel, event string, payload any) error
	Channel(name string, opts ChannelOptions) Channel
	URL() string
	APIKey() string
	AccessToken() string
	JWKSURL() string
	Close() error
}

// Channel is one realtime subscription endpoint.
type Channel interface {
	Name() string
	// On registers a callback for incoming events of the given kind.
	// Broadcast and presence bindings may be added after Subscribe; postgres
	// changes filters are sent with the join and must be bound before it.
	On(kind EventKind, filter Filter, cb EventFunc)
	// Subscribe joins the channel and waits for the server's reply. Later
	// status changes are reported through status.
	Subscribe(ctx context.Context, status StatusFunc) error
	Send(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, state map[string]any) error
	Untrack(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
}

// Status is a channel connection state reported to a StatusFunc.
type Status string

const (
	StatusSubscribed   Status = "subscribed"
	StatusClosed       Status = "closed"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// StatusFunc receives channel status changes. err is set for StatusError.
type StatusFunc func(status Status, err error)

// EventKind selects which incoming events a callback receives.
type EventKind string

const (
	KindBroadcast       EventKind = "broadcast"
	KindPresence        EventKind = "presence"
	KindPostgresChanges EventKind = "postgres_changes"
	KindSystem          EventKind = "system"
)

// Filter narrows the events delivered to a callback. Empty fields match
// anything; Event "*" also matches anything.
type Filter struct {
	// Event is the broadcast event name, the presence event (sync, join,
	// leave) or the database change type (INSERT, UPDATE, DELETE).
	Event string
	// Schema, Table and Filter are the postgres_changes parameters sent to
	// the server when joining.
	Schema string
	Table  string
	Filter string
}

func (f Filter) matches(event string) bool {
	return f.Event == "" || f.Event == "*" || f.Event == event
}

// Event is one incoming realtime message.
type Event struct {
	Channel string
	Kind    EventKind
	Event   string
	Payload json.RawMessage
}

// EventFunc receives incoming events.
type EventFunc func(Event)

// ChannelOptions configures a channel before it is joined.
type ChannelOptions struct {
	// BroadcastSelf echoes the client's own broadcasts back to it.
	BroadcastSelf bool
	// BroadcastAck asks the server to acknowledge broadcasts.
	BroadcastAck bool
	// PresenceKey identifies this client in presence state. A random key is
	// used when empty.
	PresenceKey string
	// Private requests a private (RLS-authorized) channel.
	Private bool
}

// User is the signed-in user as reported by the auth server.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	LastSignInAt time.Time `json:"last_sign_in_at"`
}

// AuthSession is the result of a successful sign-in.
type AuthSession struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`

	// Raw is the full decoded response, used for exploration.
	Raw map[string]any `json:"-"`
}
