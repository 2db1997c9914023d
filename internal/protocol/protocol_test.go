package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionAcceptsBothSpellings(t *testing.T) {
	tests := []struct {
		event string
		want  string
	}{
		{"pusher:ping", "ping"},
		{"pusher.ping", "ping"},
		{"pusher:subscribe", "subscribe"},
		{"pusher.unsubscribe", "unsubscribe"},
		{"client-hello", ""},
		{"chat-message.send", ""},
		{"pusher_internal:member_added", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Action(tt.event), tt.event)
	}
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("pusher:subscribe"))
	assert.True(t, IsReserved("pusher.pong"))
	assert.True(t, IsReserved("pusher_internal:subscription_succeeded"))
	assert.False(t, IsReserved("client-typing"))
	assert.False(t, IsReserved("orders.create"))
}

func TestIsPingFastPath(t *testing.T) {
	assert.True(t, IsPing([]byte(`{"event":"pusher:ping"}`)))
	assert.True(t, IsPing([]byte(`{"event":"pusher.ping"}`)))
	assert.True(t, IsPing([]byte(`{"event":"pusher:ping","data":"{}"}`)))
	assert.False(t, IsPing([]byte(`{"event":"pusher:subscribe"}`)))
	assert.False(t, IsPing([]byte(`{"event":"client-hello"}`)))
}

func TestConnectionEstablishedDoubleEncoding(t *testing.T) {
	frame := ConnectionEstablished("123456.654321")

	var ev Event
	require.NoError(t, json.Unmarshal(frame, &ev))
	assert.Equal(t, EvConnectionEstablished, ev.Event)

	// data must be a JSON-encoded string carrying nested JSON
	var dataStr string
	require.NoError(t, json.Unmarshal(ev.Data, &dataStr))

	var inner struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	require.NoError(t, json.Unmarshal([]byte(dataStr), &inner))
	assert.Equal(t, "123456.654321", inner.SocketID)
	assert.Equal(t, 30, inner.ActivityTimeout)
}

func TestErrorFrame(t *testing.T) {
	frame := ErrorFrame("Could not find app key `NonWorkingKey`.", CodeUnknownAppKey)

	var ev Event
	require.NoError(t, json.Unmarshal(frame, &ev))
	assert.Equal(t, EvError, ev.Event)

	var payload struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, 4001, payload.Code)
	assert.Contains(t, payload.Message, "NonWorkingKey")
}

func TestEventError(t *testing.T) {
	frame := EventError("custom.action", map[string]any{"message": "Subscription not established"})

	var ev Event
	require.NoError(t, json.Unmarshal(frame, &ev))
	assert.Equal(t, "custom.action:error", ev.Event)
}

func TestPresenceHello(t *testing.T) {
	hash := map[string]json.RawMessage{
		"u1": json.RawMessage(`{"name":"alice"}`),
		"u2": json.RawMessage(`{"name":"bob"}`),
	}
	doc := PresenceHello([]string{"u1", "u2"}, hash)

	var parsed struct {
		Presence struct {
			IDs   []string                   `json:"ids"`
			Hash  map[string]json.RawMessage `json:"hash"`
			Count int                        `json:"count"`
		} `json:"presence"`
	}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.Equal(t, 2, parsed.Presence.Count)
	assert.ElementsMatch(t, []string{"u1", "u2"}, parsed.Presence.IDs)
	assert.JSONEq(t, `{"name":"alice"}`, string(parsed.Presence.Hash["u1"]))
}

func TestPresenceHelloEmpty(t *testing.T) {
	doc := PresenceHello(nil, nil)
	assert.JSONEq(t, `{"presence":{"ids":[],"hash":{},"count":0}}`, string(doc))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)
}

func TestMemberEvent(t *testing.T) {
	frame := MemberEvent(EvMemberAdded, "presence-room", PresencePayload{
		UserID:   "u1",
		UserInfo: json.RawMessage(`{"name":"alice"}`),
	})

	var ev Event
	require.NoError(t, json.Unmarshal(frame, &ev))
	assert.Equal(t, EvMemberAdded, ev.Event)
	assert.Equal(t, "presence-room", ev.Channel)

	var dataStr string
	require.NoError(t, json.Unmarshal(ev.Data, &dataStr))
	assert.JSONEq(t, `{"user_id":"u1","user_info":{"name":"alice"}}`, dataStr)
}
