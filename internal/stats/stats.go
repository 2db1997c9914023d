// Package stats accumulates per-app usage counters and periodically flushes
// interval snapshots to a backing store.
package stats

import (
	"context"
	"time"
)

// Record is one flushed interval snapshot for one app.
type Record struct {
	AppID                 string
	Time                  time.Time
	PeakConnectionCount   int
	WebSocketMessageCount int
	APIMessageCount       int
}

// Store persists interval snapshots.
type Store interface {
	Save(ctx context.Context, rec Record) error
	ForApp(ctx context.Context, appID string, since time.Time) ([]Record, error)
	Prune(ctx context.Context, olderThan time.Time) error
}

// Sink receives usage signals from the hot paths. Implementations must be
// cheap and non-blocking; callers sit on the connection read loop.
type Sink interface {
	ConnectionOpened(appID string, current int)
	ConnectionClosed(appID string, current int)
	WebSocketMessage(appID string)
	APIMessage(appID string)
}

// Noop discards all signals. Installed when statistics are disabled.
type Noop struct{}

func (Noop) ConnectionOpened(string, int) {}
func (Noop) ConnectionClosed(string, int) {}
func (Noop) WebSocketMessage(string)      {}
func (Noop) APIMessage(string)            {}
