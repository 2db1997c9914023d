// Package channels owns the per-app channel objects: membership, presence
// state and broadcast primitives. All operations are safe for concurrent use;
// broadcasts iterate a stable snapshot of the member set.
package channels

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/beamsock/beamd/internal/protocol"
)

// Kind is the channel variant, inferred from the name prefix.
type Kind int

const (
	Public Kind = iota
	Private
	Presence
)

// KindOf infers the channel kind from its name.
func KindOf(name string) Kind {
	switch {
	case strings.HasPrefix(name, protocol.PrefixPresence):
		return Presence
	case strings.HasPrefix(name, protocol.PrefixPrivate):
		return Private
	default:
		return Public
	}
}

func (k Kind) String() string {
	switch k {
	case Private:
		return "private"
	case Presence:
		return "presence"
	default:
		return "public"
	}
}

// Subscriber is the narrow connection surface the registry needs: an identity
// and an ordered, non-blocking frame sink.
type Subscriber interface {
	SocketID() string
	Send(frame []byte) bool
}

// Channel is one named membership set within an app.
type Channel struct {
	name string
	kind Kind

	mu    sync.RWMutex
	conns map[string]Subscriber // socket id -> subscriber

	// presence bookkeeping: user id -> socket ids, socket id -> member doc.
	// A user joined from several connections counts once for member events.
	userSockets map[string]map[string]struct{}
	memberBy    map[string]protocol.PresencePayload // socket id -> member
}

func newChannel(name string) *Channel {
	return &Channel{
		name:        name,
		kind:        KindOf(name),
		conns:       make(map[string]Subscriber),
		userSockets: make(map[string]map[string]struct{}),
		memberBy:    make(map[string]protocol.PresencePayload),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Kind returns the channel variant.
func (c *Channel) Kind() Kind { return c.kind }

// add registers a subscriber. For presence channels member carries the user
// identity. Returns whether the connection was already subscribed and, for
// presence, whether this is the first connection of that user.
func (c *Channel) add(conn Subscriber, member *protocol.PresencePayload) (already, firstOfUser bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := conn.SocketID()
	if _, ok := c.conns[id]; ok {
		return true, false
	}
	c.conns[id] = conn

	if c.kind == Presence && member != nil {
		sockets := c.userSockets[member.UserID]
		if sockets == nil {
			sockets = make(map[string]struct{})
			c.userSockets[member.UserID] = sockets
			firstOfUser = true
		}
		sockets[id] = struct{}{}
		c.memberBy[id] = *member
	}
	return false, firstOfUser
}

// remove drops a subscriber. Returns whether it was subscribed and, for
// presence, the member doc plus whether this was the user's last connection.
func (c *Channel) remove(socketID string) (was bool, member protocol.PresencePayload, lastOfUser bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.conns[socketID]; !ok {
		return false, protocol.PresencePayload{}, false
	}
	delete(c.conns, socketID)

	if c.kind == Presence {
		if m, ok := c.memberBy[socketID]; ok {
			member = m
			delete(c.memberBy, socketID)
			if sockets := c.userSockets[m.UserID]; sockets != nil {
				delete(sockets, socketID)
				if len(sockets) == 0 {
					delete(c.userSockets, m.UserID)
					lastOfUser = true
				}
			}
		}
	}
	return true, member, lastOfUser
}

// Has reports whether the socket id is currently subscribed.
func (c *Channel) Has(socketID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.conns[socketID]
	return ok
}

// ConnectionCount returns the number of subscribed connections.
func (c *Channel) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// UserCount returns the number of distinct presence users.
func (c *Channel) UserCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.userSockets)
}

// snapshot returns a stable copy of the current subscriber set. A member
// removed after the snapshot is taken still receives in-flight sends only if
// its sink accepts them; a closed sink drops silently.
func (c *Channel) snapshot() []Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Subscriber, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, conn)
	}
	return out
}

// PresenceData builds the {"presence":{...}} document for
// subscription_succeeded.
func (c *Channel) PresenceData() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.userSockets))
	hash := make(map[string]json.RawMessage, len(c.userSockets))
	for id := range c.userSockets {
		ids = append(ids, id)
	}
	for _, m := range c.memberBy {
		info := m.UserInfo
		if info == nil {
			info = json.RawMessage("null")
		}
		hash[m.UserID] = info
	}
	return protocol.PresenceHello(ids, hash)
}

// Members returns the distinct presence members (one entry per user).
func (c *Channel) Members() []protocol.PresencePayload {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{}, len(c.userSockets))
	out := make([]protocol.PresencePayload, 0, len(c.userSockets))
	for _, m := range c.memberBy {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// broadcast writes the frame to every subscriber in the snapshot except the
// excluded socket ids. Returns delivered and dropped counts.
func (c *Channel) broadcast(frame []byte, except map[string]struct{}) (delivered, dropped int) {
	for _, conn := range c.snapshot() {
		if _, skip := except[conn.SocketID()]; skip {
			continue
		}
		if conn.Send(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
