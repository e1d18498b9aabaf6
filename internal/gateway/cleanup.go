package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CleanupWorker runs the periodic maintenance cycle: stale-heartbeat
// disconnects, dead-set draining, and (every sweepEvery cycles) lock shard
// sweeping plus rate limiter garbage collection.
type CleanupWorker struct {
	manager    *Manager
	index      *ConnectionIndex
	locks      *LockManager
	heartbeats *HeartbeatTracker
	limiter    *RateLimiter
	metrics    *Metrics

	interval   time.Duration
	sweepEvery int
	cycle      int

	log zerolog.Logger
}

func NewCleanupWorker(manager *Manager, index *ConnectionIndex, locks *LockManager, heartbeats *HeartbeatTracker, limiter *RateLimiter, metrics *Metrics, interval time.Duration, sweepEvery int, log zerolog.Logger) *CleanupWorker {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultLockSweepEvery
	}
	return &CleanupWorker{
		manager:    manager,
		index:      index,
		locks:      locks,
		heartbeats: heartbeats,
		limiter:    limiter,
		metrics:    metrics,
		interval:   interval,
		sweepEvery: sweepEvery,
		log:        log.With().Str("component", "cleanup").Logger(),
	}
}

// Run loops until ctx is canceled.
func (w *CleanupWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunCycle()
		}
	}
}

// RunCycle performs one maintenance pass.
func (w *CleanupWorker) RunCycle() {
	w.cycle++

	stale := w.heartbeats.CleanupStale()
	for _, c := range stale {
		_ = c.Close(CloseGoingAway, ReasonHeartbeatTimeout)
		w.manager.Unregister(c)
		w.metrics.ConnTimeouts.Add(1)
	}

	drained := w.manager.DrainDead()

	if w.cycle%w.sweepEvery == 0 {
		removed := w.locks.Sweep(w.index.LiveUserIDs(), w.index.LiveBranchIDs())
		if removed > 0 {
			w.metrics.LocksCleaned.Add(uint64(removed))
		}
		w.limiter.Cleanup()
	}

	if len(stale) > 0 || drained > 0 {
		w.log.Info().
			Int("stale", len(stale)).
			Int("dead", drained).
			Msg("cleanup cycle")
	}
}
