package stats

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is how often accumulated counters are snapshotted.
const DefaultInterval = 60 * time.Second

type appCounters struct {
	current           int
	peak              int
	webSocketMessages int
	apiMessages       int
}

// Collector implements Sink by accumulating counters per app and flushing one
// Record per app per interval. The current-connection gauge survives a flush;
// peak resets to the carried-over current value so each interval reports its
// own high-water mark.
type Collector struct {
	store     Store
	interval  time.Duration
	retention time.Duration
	logger    zerolog.Logger

	mu   sync.Mutex
	apps map[string]*appCounters
}

func NewCollector(store Store, interval, retention time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Collector{
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger.With().Str("component", "stats").Logger(),
		apps:      make(map[string]*appCounters),
	}
}

func (c *Collector) counters(appID string) *appCounters {
	ac := c.apps[appID]
	if ac == nil {
		ac = &appCounters{}
		c.apps[appID] = ac
	}
	return ac
}

// ConnectionOpened records an admitted connection. current is the app's live
// connection count after admission, used to track the interval peak.
func (c *Collector) ConnectionOpened(appID string, current int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ac := c.counters(appID)
	ac.current = current
	if current > ac.peak {
		ac.peak = current
	}
}

func (c *Collector) ConnectionClosed(appID string, current int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters(appID).current = current
}

func (c *Collector) WebSocketMessage(appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters(appID).webSocketMessages++
}

func (c *Collector) APIMessage(appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters(appID).apiMessages++
}

// Run flushes on every interval tick and prunes expired records once per hour
// until the context is cancelled. A final flush happens on the way out so a
// shutdown does not lose the open interval.
func (c *Collector) Run(ctx context.Context) {
	flush := time.NewTicker(c.interval)
	defer flush.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Flush(context.Background())
			return
		case <-flush.C:
			c.Flush(ctx)
		case <-prune.C:
			if c.retention > 0 {
				if err := c.store.Prune(ctx, time.Now().Add(-c.retention)); err != nil {
					c.logger.Warn().Err(err).Msg("statistics prune failed")
				}
			}
		}
	}
}

// Flush writes one Record per active app and resets the interval counters.
// Apps that went fully idle (no connections, no traffic) are forgotten.
func (c *Collector) Flush(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	records := make([]Record, 0, len(c.apps))
	for appID, ac := range c.apps {
		if ac.peak == 0 && ac.webSocketMessages == 0 && ac.apiMessages == 0 {
			delete(c.apps, appID)
			continue
		}
		records = append(records, Record{
			AppID:                 appID,
			Time:                  now,
			PeakConnectionCount:   ac.peak,
			WebSocketMessageCount: ac.webSocketMessages,
			APIMessageCount:       ac.apiMessages,
		})
		ac.peak = ac.current
		ac.webSocketMessages = 0
		ac.apiMessages = 0
	}
	c.mu.Unlock()

	for _, rec := range records {
		if err := c.store.Save(ctx, rec); err != nil {
			c.logger.Warn().
				Err(err).
				Str("app", rec.AppID).
				Msg("statistics save failed")
		}
	}
}
