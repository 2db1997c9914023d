// Package protocol implements the Pusher wire protocol: event frames, the
// reserved event namespaces, close codes and the canonical payloads the broker
// emits. Inputs accept both the "pusher:" and "pusher." spellings of protocol
// events; outputs use the spelling deployed clients expect
// ("pusher.connection_established", "pusher.pong", "pusher:error",
// "pusher_internal:*").
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved event names. The colon form is the canonical Pusher spelling; the
// dot form is accepted on input for compatibility with clients that normalise
// event names.
const (
	EvPing                  = "pusher:ping"
	EvPong                  = "pusher.pong"
	EvSubscribe             = "pusher:subscribe"
	EvUnsubscribe           = "pusher:unsubscribe"
	EvError                 = "pusher:error"
	EvConnectionEstablished = "pusher.connection_established"
	EvSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EvMemberAdded           = "pusher_internal:member_added"
	EvMemberRemoved         = "pusher_internal:member_removed"
)

// Channel name prefixes determining the channel kind.
const (
	PrefixPrivate  = "private-"
	PrefixPresence = "presence-"
	PrefixClient   = "client-"
)

// Close / error codes (§6.1 of the protocol).
const (
	CodeUnknownAppKey    = 4001
	CodeOriginNotAllowed = 4009
	CodeInvalidSignature = 4009
	CodeOverCapacity     = 4100
)

// ActivityTimeout is advertised to clients in connection_established.
const ActivityTimeout = 30

// Event is one wire frame. Data is kept raw: protocol payloads are often
// double-encoded JSON strings and must round-trip untouched.
type Event struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// Encode serialises an event frame to a UTF-8 JSON text frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an incoming text frame.
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("malformed event frame: %w", err)
	}
	if ev.Event == "" {
		return Event{}, fmt.Errorf("event frame missing event name")
	}
	return ev, nil
}

// Action returns the protocol action for a reserved event name, accepting both
// "pusher:" and "pusher." on input: "pusher:subscribe" and "pusher.subscribe"
// both yield "subscribe". The empty string means the event is not in the
// pusher namespace.
func Action(event string) string {
	if rest, ok := strings.CutPrefix(event, "pusher:"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(event, "pusher."); ok {
		return rest
	}
	return ""
}

// IsReserved reports whether the event name lives in a namespace clients may
// not publish into.
func IsReserved(event string) bool {
	return strings.HasPrefix(event, "pusher:") ||
		strings.HasPrefix(event, "pusher.") ||
		strings.HasPrefix(event, "pusher_internal:")
}

// IsClientEvent reports whether the event is a client-initiated channel
// message ("client-" prefix).
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, PrefixClient)
}

// PongFrame is the pre-serialised reply for the ping fast path.
var PongFrame = []byte(`{"event":"pusher.pong"}`)

var (
	fastPingColon = []byte(`"pusher:ping"`)
	fastPingDot   = []byte(`"pusher.ping"`)
)

// IsPing detects a ping frame without a full JSON decode. Pings are the
// highest-frequency inbound frame; the broker must answer them before any
// routing work happens. A frame that merely mentions the ping event name in a
// payload would also match, which is acceptable: such frames are reserved-name
// abuse and dropping them into the pong path is harmless.
func IsPing(raw []byte) bool {
	if len(raw) > 256 {
		return false
	}
	return bytes.Contains(raw, fastPingColon) || bytes.Contains(raw, fastPingDot)
}

// ConnectionEstablished builds the post-handshake greeting. Note the nested
// encoding: data is a JSON-encoded string, per the protocol.
func ConnectionEstablished(socketID string) []byte {
	inner, _ := json.Marshal(struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}{socketID, ActivityTimeout})
	data, _ := json.Marshal(string(inner))
	frame, _ := Event{Event: EvConnectionEstablished, Data: data}.Encode()
	return frame
}

// ErrorFrame builds a pusher:error frame. A zero code omits the field.
func ErrorFrame(message string, code int) []byte {
	payload := map[string]any{"message": message}
	if code != 0 {
		payload["code"] = code
	}
	data, _ := json.Marshal(payload)
	frame, _ := Event{Event: EvError, Data: data}.Encode()
	return frame
}

// EventError builds the "<event>:error" reply used for message-scoped
// failures (unknown handler, auth gate, handler exception, timeout).
func EventError(event string, payload any) []byte {
	data, _ := json.Marshal(payload)
	frame, _ := Event{Event: event + ":error", Data: data}.Encode()
	return frame
}

// SubscriptionSucceeded builds the per-channel subscribe acknowledgement.
// data is the raw payload: "{}" for public/private channels, the presence
// payload for presence channels. It is double-encoded on the wire.
func SubscriptionSucceeded(channel string, data []byte) []byte {
	if len(data) == 0 {
		data = []byte("{}")
	}
	enc, _ := json.Marshal(string(data))
	frame, _ := Event{Event: EvSubscriptionSucceeded, Channel: channel, Data: enc}.Encode()
	return frame
}

// PresencePayload is the channel_data document carried by presence
// subscriptions and member events.
type PresencePayload struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// PresenceHello builds the subscription_succeeded presence document:
// {"presence":{"ids":[...],"hash":{...},"count":N}}.
func PresenceHello(ids []string, hash map[string]json.RawMessage) []byte {
	if ids == nil {
		ids = []string{}
	}
	if hash == nil {
		hash = map[string]json.RawMessage{}
	}
	doc, _ := json.Marshal(map[string]any{
		"presence": map[string]any{
			"ids":   ids,
			"hash":  hash,
			"count": len(ids),
		},
	})
	return doc
}

// MemberEvent builds a pusher_internal:member_added / member_removed frame.
func MemberEvent(event, channel string, member PresencePayload) []byte {
	inner, _ := json.Marshal(member)
	data, _ := json.Marshal(string(inner))
	frame, _ := Event{Event: event, Channel: channel, Data: data}.Encode()
	return frame
}

// ChannelEvent builds a broadcastable channel event frame with data passed
// through verbatim.
func ChannelEvent(event, channel string, data json.RawMessage) []byte {
	frame, _ := Event{Event: event, Channel: channel, Data: data}.Encode()
	return frame
}
