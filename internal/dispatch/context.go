package dispatch

import (
	"sync"
)

// Sink is the narrow reply surface a dispatch holds on the originating
// connection: identity plus an ordered, non-blocking frame sink. Sends to a
// closed sink are dropped silently.
type Sink interface {
	SocketID() string
	AppID() string
	Principal() (string, bool)
	Send(frame []byte) bool
}

// Broadcaster routes broadcast and whisper envelopes. Implemented by the
// channel registry.
type Broadcaster interface {
	Broadcast(appID, channel string, frame []byte, except map[string]struct{}) int
	Whisper(appID string, socketIDs []string, frame []byte) int
}

// Context is the per-dispatch scope handed to hooks and handler methods. Each
// dispatch gets its own Context initialised from the connection snapshot at
// dispatch time; concurrent dispatches never share one.
type Context struct {
	id      string
	event   string
	channel string

	socketID  string
	appID     string
	principal string
	hasPrinc  bool

	emit func(Envelope)

	mu     sync.Mutex
	values map[string]any
}

// ID returns the dispatch invocation id.
func (c *Context) ID() string { return c.id }

// Event returns the full inbound event name.
func (c *Context) Event() string { return c.event }

// Channel returns the contextual channel name, if any.
func (c *Context) Channel() string { return c.channel }

// SocketID returns the originating connection's socket id.
func (c *Context) SocketID() string { return c.socketID }

// AppID returns the originating connection's app id.
func (c *Context) AppID() string { return c.appID }

// Principal returns the authenticated principal snapshot taken at dispatch
// time, and whether one is present.
func (c *Context) Principal() (string, bool) { return c.principal, c.hasPrinc }

// Set stores a request-local value scoped to this dispatch only.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

// Value reads a request-local value.
func (c *Context) Value(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Reply emits a terminal success envelope to the originating connection.
func (c *Context) Reply(payload any) { c.emit(Success(payload)) }

// Progress emits a progress envelope; any number may precede the terminal
// reply and they are delivered in production order.
func (c *Context) Progress(payload any) { c.emit(Progress(payload)) }

// Fail emits a terminal error envelope.
func (c *Context) Fail(payload any) { c.emit(Fail(payload)) }

// Broadcast emits to all members of the named channel (contextual channel
// when empty), excluding the sender unless includingSelf.
func (c *Context) Broadcast(payload any, channel string, includingSelf bool) {
	c.emit(Broadcast(payload, channel, includingSelf))
}

// Whisper emits to the given socket ids only.
func (c *Context) Whisper(payload any, socketIDs ...string) {
	c.emit(Whisper(payload, socketIDs...))
}
