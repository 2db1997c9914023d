package restart

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often the watcher re-reads the marker.
const DefaultPollInterval = 10 * time.Second

// Watcher polls the store and invokes the callback once when a marker newer
// than the process start appears. Markers written before the watcher started
// are ignored; a broker must not restart itself over a command it already
// obeyed.
type Watcher struct {
	store    Store
	interval time.Duration
	logger   zerolog.Logger

	since time.Time
}

func NewWatcher(store Store, interval time.Duration, logger zerolog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "restart").Logger(),
		since:    time.Now(),
	}
}

// Run blocks until the context is cancelled or a new marker fires the
// callback. The callback is invoked at most once per Run.
func (w *Watcher) Run(ctx context.Context, onRestart func(Marker)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m, err := w.store.Read(ctx)
			if err != nil {
				if !errors.Is(err, ErrNoMarker) {
					w.logger.Warn().Err(err).Msg("restart marker read failed")
				}
				continue
			}
			if m.Time.After(w.since) {
				w.logger.Info().
					Time("requested_at", m.Time).
					Bool("soft", m.Soft).
					Msg("restart requested")
				onRestart(m)
				return
			}
		}
	}
}
