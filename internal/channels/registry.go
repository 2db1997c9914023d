package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/beamsock/beamd/internal/apps"
	"github.com/beamsock/beamd/internal/auth"
	"github.com/beamsock/beamd/internal/metrics"
	"github.com/beamsock/beamd/internal/protocol"
)

// Subscription failures. Non-fatal to the connection: the server surfaces
// them as channel-scoped pusher:error frames.
var (
	ErrInvalidSignature    = errors.New("invalid subscription signature")
	ErrPresenceDataMissing = errors.New("presence channel_data missing or invalid")
)

// SubscribePayload is the data object of a pusher:subscribe frame.
type SubscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// Registry owns every channel and live connection on this node, keyed by app.
// A channel exists exactly while its member set is non-empty.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Channel  // app id -> channel name -> channel
	conns    map[string]map[string]Subscriber // app id -> socket id -> subscriber

	accepting  int32 // 1 while new connections are admitted
	replicator Replicator

	logger zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		channels:  make(map[string]map[string]*Channel),
		conns:     make(map[string]map[string]Subscriber),
		accepting: 1,
		logger:    logger.With().Str("component", "channels").Logger(),
	}
}

// SetReplicator installs the optional cross-node replication module. Local
// broadcasts are mirrored to it; replica-originated broadcasts are injected
// through BroadcastLocal and never republished.
func (r *Registry) SetReplicator(rep Replicator) {
	r.replicator = rep
}

// AcceptsNewConnections reports whether admission is open.
func (r *Registry) AcceptsNewConnections() bool {
	return atomic.LoadInt32(&r.accepting) == 1
}

// DeclineNewConnections closes admission; used by the drain sequence.
func (r *Registry) DeclineNewConnections() {
	atomic.StoreInt32(&r.accepting, 0)
}

// Register adds a live connection to the app's connection table.
func (r *Registry) Register(appID string, conn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.conns[appID]
	if table == nil {
		table = make(map[string]Subscriber)
		r.conns[appID] = table
	}
	table[conn.SocketID()] = conn
}

// Unregister removes a live connection. Channel memberships are cleaned up
// separately via UnsubscribeFromAll.
func (r *Registry) Unregister(appID, socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if table := r.conns[appID]; table != nil {
		delete(table, socketID)
		if len(table) == 0 {
			delete(r.conns, appID)
		}
	}
}

// GlobalConnectionsCount returns the number of live connections for the app
// on this node. Consulted by the capacity check.
func (r *Registry) GlobalConnectionsCount(appID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[appID])
}

// LocalConnections enumerates every live connection on this node.
func (r *Registry) LocalConnections() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Subscriber
	for _, table := range r.conns {
		for _, conn := range table {
			out = append(out, conn)
		}
	}
	return out
}

// FindOrCreate returns the app's channel with the given name, creating it if
// absent. The kind is inferred from the name prefix.
func (r *Registry) FindOrCreate(appID, name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.channels[appID]
	if table == nil {
		table = make(map[string]*Channel)
		r.channels[appID] = table
	}
	ch := table[name]
	if ch == nil {
		ch = newChannel(name)
		table[name] = ch
	}
	return ch
}

// Find returns the app's channel, or nil when it does not exist.
func (r *Registry) Find(appID, name string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[appID][name]
}

// Channels returns a snapshot of the app's live channels.
func (r *Registry) Channels(appID string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels[appID]))
	for _, ch := range r.channels[appID] {
		out = append(out, ch)
	}
	return out
}

// dropIfEmpty destroys the channel once its member set is empty.
func (r *Registry) dropIfEmpty(appID string, ch *Channel) {
	if ch.ConnectionCount() > 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if table := r.channels[appID]; table != nil {
		if existing := table[ch.name]; existing == ch && existing.ConnectionCount() == 0 {
			delete(table, ch.name)
			if len(table) == 0 {
				delete(r.channels, appID)
			}
		}
	}
}

// Subscribe validates the payload and adds the connection to the channel.
//
// Re-subscribing an already-subscribed connection is a no-op: no duplicate
// subscription_succeeded, no duplicate member_added. Auth failures return a
// subscription error and leave the channel untouched.
func (r *Registry) Subscribe(app *apps.App, conn Subscriber, payload SubscribePayload) error {
	name := payload.Channel
	kind := KindOf(name)

	var member *protocol.PresencePayload
	switch kind {
	case Private:
		if !auth.ValidateChannelAuth(app.Key, app.Secret, conn.SocketID(), name, "", payload.Auth) {
			return fmt.Errorf("%w: channel %q", ErrInvalidSignature, name)
		}
	case Presence:
		if !auth.ValidateChannelAuth(app.Key, app.Secret, conn.SocketID(), name, payload.ChannelData, payload.Auth) {
			return fmt.Errorf("%w: channel %q", ErrInvalidSignature, name)
		}
		var m protocol.PresencePayload
		if err := json.Unmarshal([]byte(payload.ChannelData), &m); err != nil || m.UserID == "" {
			return fmt.Errorf("%w: channel %q", ErrPresenceDataMissing, name)
		}
		member = &m
	}

	ch := r.FindOrCreate(app.ID, name)
	already, firstOfUser := ch.add(conn, member)
	if already {
		return nil
	}

	if kind == Presence {
		conn.Send(protocol.SubscriptionSucceeded(name, ch.PresenceData()))
		if firstOfUser {
			frame := protocol.MemberEvent(protocol.EvMemberAdded, name, *member)
			ch.broadcast(frame, map[string]struct{}{conn.SocketID(): {}})
		}
	} else {
		conn.Send(protocol.SubscriptionSucceeded(name, nil))
	}

	metrics.SubscriptionsCurrent.Inc()
	r.logger.Debug().
		Str("app", app.ID).
		Str("channel", name).
		Str("socket_id", conn.SocketID()).
		Str("kind", kind.String()).
		Msg("subscribed")
	return nil
}

// Unsubscribe removes the connection from the channel. Idempotent. For
// presence channels the last departure of a user emits member_removed to the
// remaining members.
func (r *Registry) Unsubscribe(appID string, conn Subscriber, name string) {
	ch := r.Find(appID, name)
	if ch == nil {
		return
	}
	was, member, lastOfUser := ch.remove(conn.SocketID())
	if !was {
		return
	}
	metrics.SubscriptionsCurrent.Dec()

	if ch.Kind() == Presence && lastOfUser {
		frame := protocol.MemberEvent(protocol.EvMemberRemoved, name, protocol.PresencePayload{UserID: member.UserID})
		ch.broadcast(frame, nil)
	}
	r.dropIfEmpty(appID, ch)
}

// UnsubscribeFromAll removes the connection from every channel of the app.
// Invoked by the close sequence.
func (r *Registry) UnsubscribeFromAll(appID string, conn Subscriber) {
	for _, ch := range r.Channels(appID) {
		r.Unsubscribe(appID, conn, ch.Name())
	}
}

// Broadcast delivers the frame to every member of the channel except the
// given socket ids, and mirrors it to the replication module when one is
// installed. Returns the number of local deliveries.
func (r *Registry) Broadcast(appID, name string, frame []byte, except map[string]struct{}) int {
	delivered := r.BroadcastLocal(appID, name, frame, except)
	if r.replicator != nil {
		ids := make([]string, 0, len(except))
		for id := range except {
			ids = append(ids, id)
		}
		if err := r.replicator.Publish(appID, name, frame, ids); err != nil {
			r.logger.Warn().Err(err).Str("channel", name).Msg("replication publish failed")
		}
	}
	return delivered
}

// BroadcastLocal delivers the frame to local members only. The replication
// module uses this entry point for remote-originated broadcasts.
func (r *Registry) BroadcastLocal(appID, name string, frame []byte, except map[string]struct{}) int {
	ch := r.Find(appID, name)
	if ch == nil {
		return 0
	}
	delivered, dropped := ch.broadcast(frame, except)
	metrics.BroadcastsTotal.Inc()
	if dropped > 0 {
		metrics.BroadcastDrops.Add(float64(dropped))
	}
	return delivered
}

// Whisper sends the frame to the live connections with the given socket ids.
func (r *Registry) Whisper(appID string, socketIDs []string, frame []byte) int {
	r.mu.RLock()
	table := r.conns[appID]
	targets := make([]Subscriber, 0, len(socketIDs))
	for _, id := range socketIDs {
		if conn, ok := table[id]; ok {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if conn.Send(frame) {
			sent++
		}
	}
	return sent
}
