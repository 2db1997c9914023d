package channels

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamsock/beamd/internal/apps"
	"github.com/beamsock/beamd/internal/auth"
	"github.com/beamsock/beamd/internal/protocol"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) SocketID() string { return f.id }

func (f *fakeConn) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeConn) events(t *testing.T) []protocol.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Event, 0, len(f.frames))
	for _, frame := range f.frames {
		var ev protocol.Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		out = append(out, ev)
	}
	return out
}

func (f *fakeConn) eventNames(t *testing.T) []string {
	names := []string{}
	for _, ev := range f.events(t) {
		names = append(names, ev.Event)
	}
	return names
}

var testApp = &apps.App{ID: "1", Key: "app-key", Secret: "app-secret"}

func newTestRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}

func subscribePublic(t *testing.T, r *Registry, conn *fakeConn, channel string) {
	t.Helper()
	require.NoError(t, r.Subscribe(testApp, conn, SubscribePayload{Channel: channel}))
}

func presencePayload(conn *fakeConn, channel, userID, userInfo string) SubscribePayload {
	data := `{"user_id":"` + userID + `"`
	if userInfo != "" {
		data += `,"user_info":` + userInfo
	}
	data += `}`
	sig := auth.ChannelSignature(testApp.Secret, conn.id, channel, data)
	return SubscribePayload{
		Channel:     channel,
		Auth:        testApp.Key + ":" + sig,
		ChannelData: data,
	}
}

func TestSubscribeIdempotence(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{id: "1.1"}

	subscribePublic(t, r, conn, "news")
	subscribePublic(t, r, conn, "news")

	assert.Equal(t, []string{protocol.EvSubscriptionSucceeded}, conn.eventNames(t))
	assert.Equal(t, 1, r.Find("1", "news").ConnectionCount())
}

func TestMembershipInvariant(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{id: "1.1"}

	subscribePublic(t, r, conn, "news")
	assert.True(t, r.Find("1", "news").Has("1.1"))

	r.Unsubscribe("1", conn, "news")
	assert.Nil(t, r.Find("1", "news"), "empty channel must be destroyed")

	// unsubscribe is idempotent
	r.Unsubscribe("1", conn, "news")
}

func TestPrivateChannelAuth(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{id: "42.7"}

	// bad signature rejected, channel untouched
	err := r.Subscribe(testApp, conn, SubscribePayload{
		Channel: "private-orders",
		Auth:    testApp.Key + ":deadbeef",
	})
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Nil(t, r.Find("1", "private-orders"))

	// correct signature accepted
	sig := auth.ChannelSignature(testApp.Secret, conn.id, "private-orders", "")
	err = r.Subscribe(testApp, conn, SubscribePayload{
		Channel: "private-orders",
		Auth:    testApp.Key + ":" + sig,
	})
	require.NoError(t, err)
	assert.True(t, r.Find("1", "private-orders").Has(conn.id))
}

func TestPresenceRequiresChannelData(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{id: "5.5"}

	sig := auth.ChannelSignature(testApp.Secret, conn.id, "presence-room", "")
	err := r.Subscribe(testApp, conn, SubscribePayload{
		Channel: "presence-room",
		Auth:    testApp.Key + ":" + sig,
	})
	assert.ErrorIs(t, err, ErrPresenceDataMissing)
}

func TestPresenceMemberAddedOnlyToOthers(t *testing.T) {
	r := newTestRegistry()
	alice := &fakeConn{id: "1.1"}
	bob := &fakeConn{id: "2.2"}

	require.NoError(t, r.Subscribe(testApp, alice, presencePayload(alice, "presence-room", "u-alice", `{"name":"alice"}`)))
	require.NoError(t, r.Subscribe(testApp, bob, presencePayload(bob, "presence-room", "u-bob", `{"name":"bob"}`)))

	// alice sees her own hello plus bob's member_added
	assert.Equal(t, []string{protocol.EvSubscriptionSucceeded, protocol.EvMemberAdded}, alice.eventNames(t))
	// bob only sees his hello, never his own member_added
	assert.Equal(t, []string{protocol.EvSubscriptionSucceeded}, bob.eventNames(t))

	// bob's hello lists both users
	var dataStr string
	require.NoError(t, json.Unmarshal(bob.events(t)[0].Data, &dataStr))
	var hello struct {
		Presence struct {
			IDs   []string `json:"ids"`
			Count int      `json:"count"`
		} `json:"presence"`
	}
	require.NoError(t, json.Unmarshal([]byte(dataStr), &hello))
	assert.Equal(t, 2, hello.Presence.Count)
	assert.ElementsMatch(t, []string{"u-alice", "u-bob"}, hello.Presence.IDs)
}

func TestPresenceUserCountedOnce(t *testing.T) {
	r := newTestRegistry()
	alice := &fakeConn{id: "1.1"}
	tab1 := &fakeConn{id: "2.2"}
	tab2 := &fakeConn{id: "3.3"}

	require.NoError(t, r.Subscribe(testApp, alice, presencePayload(alice, "presence-room", "u-alice", "")))
	require.NoError(t, r.Subscribe(testApp, tab1, presencePayload(tab1, "presence-room", "u-bob", "")))
	// second tab of the same user joins: no second member_added
	require.NoError(t, r.Subscribe(testApp, tab2, presencePayload(tab2, "presence-room", "u-bob", "")))

	added := 0
	for _, name := range alice.eventNames(t) {
		if name == protocol.EvMemberAdded {
			added++
		}
	}
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, r.Find("1", "presence-room").UserCount())

	// first tab leaves: user still present, no member_removed
	r.Unsubscribe("1", tab1, "presence-room")
	for _, name := range alice.eventNames(t) {
		assert.NotEqual(t, protocol.EvMemberRemoved, name)
	}

	// last tab leaves: member_removed fires once
	r.Unsubscribe("1", tab2, "presence-room")
	removed := 0
	for _, name := range alice.eventNames(t) {
		if name == protocol.EvMemberRemoved {
			removed++
		}
	}
	assert.Equal(t, 1, removed)
}

func TestBroadcastExclusion(t *testing.T) {
	r := newTestRegistry()
	sender := &fakeConn{id: "1.1"}
	other1 := &fakeConn{id: "2.2"}
	other2 := &fakeConn{id: "3.3"}
	for _, conn := range []*fakeConn{sender, other1, other2} {
		subscribePublic(t, r, conn, "broadcast-channel")
	}

	frame := protocol.ChannelEvent("client-hello", "broadcast-channel", json.RawMessage(`{"message":"Hi"}`))
	delivered := r.Broadcast("1", "broadcast-channel", frame, map[string]struct{}{sender.id: {}})

	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{protocol.EvSubscriptionSucceeded}, sender.eventNames(t))
	assert.Contains(t, other1.eventNames(t), "client-hello")
	assert.Contains(t, other2.eventNames(t), "client-hello")
}

func TestBroadcastUnknownChannel(t *testing.T) {
	r := newTestRegistry()
	assert.Equal(t, 0, r.Broadcast("1", "ghost", []byte(`{}`), nil))
}

func TestConnectionTableAndWhisper(t *testing.T) {
	r := newTestRegistry()
	a := &fakeConn{id: "1.1"}
	b := &fakeConn{id: "2.2"}
	r.Register("1", a)
	r.Register("1", b)

	assert.Equal(t, 2, r.GlobalConnectionsCount("1"))
	assert.Len(t, r.LocalConnections(), 2)

	sent := r.Whisper("1", []string{"2.2", "9.9"}, []byte(`{"event":"psst"}`))
	assert.Equal(t, 1, sent)
	assert.Len(t, b.frames, 1)
	assert.Empty(t, a.frames)

	r.Unregister("1", "1.1")
	assert.Equal(t, 1, r.GlobalConnectionsCount("1"))
}

func TestUnsubscribeFromAll(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{id: "1.1"}
	subscribePublic(t, r, conn, "a")
	subscribePublic(t, r, conn, "b")

	r.UnsubscribeFromAll("1", conn)
	assert.Nil(t, r.Find("1", "a"))
	assert.Nil(t, r.Find("1", "b"))
}

func TestDeclineNewConnections(t *testing.T) {
	r := newTestRegistry()
	assert.True(t, r.AcceptsNewConnections())
	r.DeclineNewConnections()
	assert.False(t, r.AcceptsNewConnections())
}

func TestClosedSinkDropsSilently(t *testing.T) {
	r := newTestRegistry()
	open := &fakeConn{id: "1.1"}
	closed := &fakeConn{id: "2.2", closed: true}
	subscribePublic(t, r, open, "news")

	closed.mu.Lock()
	closed.closed = false
	closed.mu.Unlock()
	subscribePublic(t, r, closed, "news")
	closed.mu.Lock()
	closed.closed = true
	closed.frames = nil
	closed.mu.Unlock()

	delivered := r.Broadcast("1", "news", []byte(`{"event":"x"}`), nil)
	assert.Equal(t, 1, delivered)
	assert.Empty(t, closed.frames)
}
