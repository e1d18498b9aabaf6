package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
)

// Broadcaster fans events out to recipient groups. Recipient lists are
// materialized and tenant-filtered inside the lock region that owns the
// group, then delivery happens outside any lock in parallel batches. A
// recipient whose send fails is handed to markDead instead of being removed
// inline.
type Broadcaster struct {
	index    *ConnectionIndex
	locks    *LockManager
	metrics  *Metrics
	markDead func(*Connection)

	batchSize int
	maxPerSec int

	mu    sync.Mutex
	sends []time.Time

	now func() time.Time
	log zerolog.Logger
}

func NewBroadcaster(index *ConnectionIndex, locks *LockManager, metrics *Metrics, markDead func(*Connection), batchSize, maxPerSec int, log zerolog.Logger) *Broadcaster {
	if batchSize <= 0 {
		batchSize = DefaultBroadcastBatchSize
	}
	if maxPerSec <= 0 {
		maxPerSec = DefaultMaxBroadcastsPerS
	}
	return &Broadcaster{
		index:     index,
		locks:     locks,
		metrics:   metrics,
		markDead:  markDead,
		batchSize: batchSize,
		maxPerSec: maxPerSec,
		now:       time.Now,
		log:       log.With().Str("component", "broadcaster").Logger(),
	}
}

// allow is the rate gate for the tenant-wide path. The timestamp deque is
// bounded by maxPerSec, so memory stays constant under sustained pressure.
func (b *Broadcaster) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(b.sends) && !b.sends[i].After(cutoff) {
		i++
	}
	b.sends = b.sends[i:]

	if len(b.sends) >= b.maxPerSec {
		return false
	}
	b.sends = append(b.sends, now)
	return true
}

// SendToAll delivers ev to every connection of the event's tenant. Only this
// path is globally rate-limited; targeted group fan-out is never throttled.
func (b *Broadcaster) SendToAll(ev *domain.Event) {
	if !b.allow() {
		b.metrics.BroadcastsRateLimited.Add(1)
		b.log.Warn().Str("type", string(ev.Type)).Msg("tenant-wide broadcast rate limit hit, dropping")
		return
	}
	b.send(ev, func() []*Connection {
		return b.index.FilterByTenant(b.index.AllConns(), ev.TenantID)
	})
}

// SendToAdmins delivers ev to admin connections in the branch.
func (b *Broadcaster) SendToAdmins(ev *domain.Event, branchID int64) {
	b.send(ev, func() []*Connection {
		mu := b.locks.BranchLock(branchID)
		mu.Lock()
		defer mu.Unlock()
		return b.index.FilterByTenant(b.index.AdminsInBranch(branchID), ev.TenantID)
	})
}

// SendToKitchen delivers ev to kitchen connections in the branch.
func (b *Broadcaster) SendToKitchen(ev *domain.Event, branchID int64) {
	b.send(ev, func() []*Connection {
		mu := b.locks.BranchLock(branchID)
		mu.Lock()
		defer mu.Unlock()
		return b.index.FilterByTenant(b.index.KitchenInBranch(branchID), ev.TenantID)
	})
}

// SendToWaiters delivers ev to waiter connections. When the event carries a
// sector and bypassSector is false, delivery narrows to waiters registered
// on that sector; otherwise every waiter in the branch receives it.
func (b *Broadcaster) SendToWaiters(ev *domain.Event, branchID int64, bypassSector bool) {
	if ev.SectorID > 0 && !bypassSector {
		b.send(ev, func() []*Connection {
			mu := b.locks.SectorLock()
			mu.Lock()
			defer mu.Unlock()
			return b.index.FilterByTenant(b.index.SectorConns(ev.SectorID), ev.TenantID)
		})
		return
	}
	b.send(ev, func() []*Connection {
		mu := b.locks.BranchLock(branchID)
		mu.Lock()
		defer mu.Unlock()
		return b.index.FilterByTenant(b.index.WaitersInBranch(branchID), ev.TenantID)
	})
}

// SendToSession delivers ev to diner connections bound to the session.
func (b *Broadcaster) SendToSession(ev *domain.Event, sessionID int64) {
	b.send(ev, func() []*Connection {
		mu := b.locks.SessionLock()
		mu.Lock()
		defer mu.Unlock()
		return b.index.FilterByTenant(b.index.SessionConns(sessionID), ev.TenantID)
	})
}

func (b *Broadcaster) send(ev *domain.Event, collect func() []*Connection) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.metrics.BroadcastsFailed.Add(1)
		b.log.Error().Err(err).Str("type", string(ev.Type)).Msg("event marshal failed")
		return
	}

	conns := collect()
	b.metrics.BroadcastsTotal.Add(1)
	if len(conns) == 0 {
		return
	}

	failed := b.deliver(conns, payload)
	if failed > 0 {
		b.metrics.BroadcastFailedRecipients.Add(uint64(failed))
		if failed == len(conns) {
			b.metrics.BroadcastsFailed.Add(1)
		}
		b.log.Warn().
			Str("type", string(ev.Type)).
			Int("recipients", len(conns)).
			Int("failed", failed).
			Msg("broadcast had failed recipients")
	}
}

// deliver writes payload to conns in parallel batches. Returns how many
// recipients failed.
func (b *Broadcaster) deliver(conns []*Connection, payload []byte) int {
	var (
		mu     sync.Mutex
		failed int
	)

	for start := 0; start < len(conns); start += b.batchSize {
		end := start + b.batchSize
		if end > len(conns) {
			end = len(conns)
		}

		var wg sync.WaitGroup
		for _, c := range conns[start:end] {
			wg.Add(1)
			go func(c *Connection) {
				defer wg.Done()
				if err := c.Send(payload); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
					if b.markDead != nil {
						b.markDead(c)
					}
				}
			}(c)
		}
		wg.Wait()
	}
	return failed
}
