package limits

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard is a process-level safety valve consulted during admission.
// It enforces a hard connection ceiling and rejects new connections when CPU
// usage crosses a configured threshold. Static configuration only; no
// auto-tuning.
type ResourceGuard struct {
	maxConnections     int
	cpuRejectThreshold float64

	currentConns *int64       // server-owned counter, read atomically
	currentCPU   atomic.Value // float64

	logger zerolog.Logger
}

// NewResourceGuard creates a guard over the server's live connection counter.
// A zero maxConnections disables the ceiling; a zero cpuRejectThreshold
// disables the CPU brake.
func NewResourceGuard(maxConnections int, cpuRejectThreshold float64, currentConns *int64, logger zerolog.Logger) *ResourceGuard {
	g := &ResourceGuard{
		maxConnections:     maxConnections,
		cpuRejectThreshold: cpuRejectThreshold,
		currentConns:       currentConns,
		logger:             logger.With().Str("component", "resource_guard").Logger(),
	}
	g.currentCPU.Store(0.0)
	return g
}

// ShouldAcceptConnection reports whether a new connection may be admitted and,
// when not, the reason.
func (g *ResourceGuard) ShouldAcceptConnection() (bool, string) {
	if g.maxConnections > 0 && atomic.LoadInt64(g.currentConns) >= int64(g.maxConnections) {
		return false, "max_connections"
	}
	if g.cpuRejectThreshold > 0 {
		if usage, ok := g.currentCPU.Load().(float64); ok && usage >= g.cpuRejectThreshold {
			return false, "cpu_threshold"
		}
	}
	return true, ""
}

// StartMonitoring samples process CPU usage on the given interval until the
// context is cancelled. Sampling errors are logged and skipped; the guard then
// keeps its last good reading.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if g.cpuRejectThreshold <= 0 {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				percents, err := cpu.PercentWithContext(ctx, 0, false)
				if err != nil || len(percents) == 0 {
					g.logger.Debug().Err(err).Msg("cpu sample failed")
					continue
				}
				g.currentCPU.Store(percents[0])
			}
		}
	}()
}
