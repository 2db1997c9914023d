// Package limits contains the broker's admission and flood-control limiters.
package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// MessageLimiter applies a per-connection token bucket to inbound frames. One
// flooding client must not starve the read loops of others.
type MessageLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	burst    int
	perSec   rate.Limit
}

// NewMessageLimiter creates a limiter allowing the given sustained rate with
// the given burst per socket id.
func NewMessageLimiter(burst int, perSec float64) *MessageLimiter {
	if burst <= 0 {
		burst = 100
	}
	if perSec <= 0 {
		perSec = 10
	}
	return &MessageLimiter{
		limiters: make(map[string]*rate.Limiter),
		burst:    burst,
		perSec:   rate.Limit(perSec),
	}
}

// Allow reports whether the connection may process another inbound frame.
func (l *MessageLimiter) Allow(socketID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[socketID]
	if !ok {
		limiter = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[socketID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// Forget drops the bucket for a closed connection.
func (l *MessageLimiter) Forget(socketID string) {
	l.mu.Lock()
	delete(l.limiters, socketID)
	l.mu.Unlock()
}
