package backend

import (
	"encoding/json"
)

// Phoenix channel protocol events.
const (
	eventJoin        = "phx_join"
	eventLeave       = "phx_leave"
	eventReply       = "phx_reply"
	eventError       = "phx_error"
	eventClose       = "phx_close"
	eventHeartbeat   = "heartbeat"
	eventAccessToken = "access_token"

	eventBroadcast       = "broadcast"
	eventPresence        = "presence"
	eventPresenceState   = "presence_state"
	eventPresenceDiff    = "presence_diff"
	eventPostgresChanges = "postgres_changes"
	eventSystem          = "system"
)

// phoenixTopic carries socket level messages such as heartbeats.
const phoenixTopic = "phoenix"

// topicPrefix namespaces channel names on the realtime server.
const topicPrefix = "realtime:"

// Message is one Phoenix v1 JSON frame.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// newMessage builds a frame, encoding payload as JSON. A nil payload is
// sent as an empty object.
func newMessage(topic, event string, payload any) (Message, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: topic, Event: event, Payload: raw}, nil
}

// reply is the payload of a phx_reply frame.
type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

func (r reply) ok() bool {
	return r.Status == "ok"
}

// reason extracts a human readable reason from an error reply.
func (r reply) reason() string {
	var body struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(r.Response, &body)
	switch {
	case body.Reason != "":
		return body.Reason
	case body.Message != "":
		return body.Message
	case r.Status != "":
		return r.Status
	default:
		return "unknown reason"
	}
}

// broadcastPayload wraps a user event for the broadcast extension.
type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// presencePayload wraps a track or untrack request.
type presencePayload struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// presenceDiff is the payload of presence_diff.
type presenceDiff struct {
	Joins  map[string]json.RawMessage `json:"joins"`
	Leaves map[string]json.RawMessage `json:"leaves"`
}

// postgresChange is the payload of postgres_changes.
type postgresChange struct {
	IDs  []int64 `json:"ids"`
	Data struct {
		Type   string `json:"type"`
		Schema string `json:"schema"`
		Table  string `json:"table"`
	} `json:"data"`
}

// systemMessage is the payload of system events.
type systemMessage struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Extension string `json:"extension"`
}
