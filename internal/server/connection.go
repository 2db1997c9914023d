// Package server owns the WebSocket surface: admission, the per-connection
// read/write pumps, the protocol state machine and the lifecycle sweeps.
package server

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamsock/beamd/internal/apps"
)

// sendBufferSize is the per-connection outbound queue. A full queue means the
// client is not keeping up; further frames are dropped rather than blocking
// the broadcast path.
const sendBufferSize = 256

// Connection is one admitted WebSocket client. It satisfies both the channel
// registry's subscriber surface and the dispatch engine's reply sink.
type Connection struct {
	conn net.Conn
	app  *apps.App

	socketID   string
	remoteAddr string

	send      chan []byte
	closed    atomic.Bool
	closeOnce sync.Once

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos

	mu            sync.Mutex
	principal     string
	hasPrincipal  bool
	subscriptions map[string]struct{}
}

func newConnection(conn net.Conn, app *apps.App, socketID, remoteAddr string) *Connection {
	c := &Connection{
		conn:          conn,
		app:           app,
		socketID:      socketID,
		remoteAddr:    remoteAddr,
		send:          make(chan []byte, sendBufferSize),
		connectedAt:   time.Now(),
		subscriptions: make(map[string]struct{}),
	}
	c.touch()
	return c
}

func (c *Connection) SocketID() string { return c.socketID }
func (c *Connection) AppID() string    { return c.app.ID }

// Principal returns the authenticated identity attached to this connection,
// if any.
func (c *Connection) Principal() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal, c.hasPrincipal
}

// SetPrincipal attaches an authenticated identity. Dispatches started before
// this call keep their unauthenticated snapshot.
func (c *Connection) SetPrincipal(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = id
	c.hasPrincipal = true
}

// Send queues a frame for the write pump. Non-blocking: returns false when
// the connection is closed or its buffer is full, and the frame is dropped.
func (c *Connection) Send(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close makes the connection terminal. Frames already queued still drain
// through the write pump before the socket closes.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

func (c *Connection) markSubscribed(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = struct{}{}
}

func (c *Connection) markUnsubscribed(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

func (c *Connection) subscribedTo(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// newSocketID produces a "<int>.<int>" socket id with both parts in
// [1, 1e9].
func newSocketID() string {
	return fmt.Sprintf("%d.%d", rand.Int63n(1_000_000_000)+1, rand.Int63n(1_000_000_000)+1)
}
