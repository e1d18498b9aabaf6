package gateway

import (
	"sort"
	"sync"
	"time"
)

// RateLimiter enforces a per-connection sliding-window message budget.
// Tracking is bounded: when the table is full the 10% of entries with the
// oldest earliest-timestamp are evicted, and each eviction leaves a penalty
// keyed by socket identity. A connection that reappears within the penalty
// TTL is seeded with timestamps spread across the window, so forcing an
// eviction cannot reset its budget.
type RateLimiter struct {
	mu sync.Mutex

	limit      int
	window     time.Duration
	maxTracked int
	penaltyTTL time.Duration

	entries   map[*Connection]*rlEntry
	penalties map[string]rlPenalty // keyed by Connection.ID

	now func() time.Time
}

type rlEntry struct {
	times []time.Time
}

type rlPenalty struct {
	count     int
	evictedAt time.Time
}

func NewRateLimiter(limit int, window time.Duration, maxTracked int, penaltyTTL time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if maxTracked <= 0 {
		maxTracked = DefaultMaxTrackedLimiters
	}
	if penaltyTTL <= 0 {
		penaltyTTL = DefaultPenaltyTTL
	}
	return &RateLimiter{
		limit:      limit,
		window:     window,
		maxTracked: maxTracked,
		penaltyTTL: penaltyTTL,
		entries:    make(map[*Connection]*rlEntry),
		penalties:  make(map[string]rlPenalty),
		now:        time.Now,
	}
}

// Allow records one inbound message for c and reports whether it fits the
// window budget.
func (rl *RateLimiter) Allow(c *Connection) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[c]
	if !ok {
		e = &rlEntry{}
		// the penalty is consumed before the eviction pass; evicting first
		// can rotate this caller's own penalty out of the bounded map and
		// hand it a fresh budget
		if p, hit := rl.penalties[c.ID]; hit && now.Sub(p.evictedAt) < rl.penaltyTTL {
			e.times = rl.seedPenalty(p.count, now)
			delete(rl.penalties, c.ID)
		}
		if len(rl.entries) >= rl.maxTracked {
			rl.evictOldestLocked(now)
		}
		rl.entries[c] = e
	}

	cutoff := now.Add(-rl.window)
	kept := e.times[:0]
	for _, ts := range e.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.times = kept

	if len(e.times) >= rl.limit {
		return false
	}
	e.times = append(e.times, now)
	return true
}

// seedPenalty recreates an evicted caller's in-window consumption: count
// timestamps (capped at the limit) spread evenly inside the window.
func (rl *RateLimiter) seedPenalty(count int, now time.Time) []time.Time {
	if count > rl.limit {
		count = rl.limit
	}
	if count <= 0 {
		return nil
	}
	times := make([]time.Time, count)
	step := rl.window / time.Duration(count+1)
	for i := 0; i < count; i++ {
		times[i] = now.Add(-rl.window + step*time.Duration(i+1))
	}
	return times
}

// evictOldestLocked drops the 10% of tracked entries with the oldest
// earliest timestamp and records a penalty for each.
func (rl *RateLimiter) evictOldestLocked(now time.Time) {
	n := rl.maxTracked / 10
	if n < 1 {
		n = 1
	}

	type victim struct {
		c        *Connection
		earliest time.Time
		count    int
	}
	victims := make([]victim, 0, len(rl.entries))
	for c, e := range rl.entries {
		earliest := now
		if len(e.times) > 0 {
			earliest = e.times[0]
		}
		victims = append(victims, victim{c: c, earliest: earliest, count: len(e.times)})
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].earliest.Before(victims[j].earliest) })

	if n > len(victims) {
		n = len(victims)
	}
	maxPenalties := rl.maxTracked / 10
	for _, v := range victims[:n] {
		delete(rl.entries, v.c)
		if len(rl.penalties) >= maxPenalties {
			rl.dropOldestPenaltyLocked()
		}
		rl.penalties[v.c.ID] = rlPenalty{count: v.count, evictedAt: now}
	}
}

func (rl *RateLimiter) dropOldestPenaltyLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, p := range rl.penalties {
		if first || p.evictedAt.Before(oldest) {
			oldestKey, oldest, first = k, p.evictedAt, false
		}
	}
	if oldestKey != "" {
		delete(rl.penalties, oldestKey)
	}
}

// Forget drops tracking for a disconnected connection.
func (rl *RateLimiter) Forget(c *Connection) {
	rl.mu.Lock()
	delete(rl.entries, c)
	rl.mu.Unlock()
}

// Cleanup removes entries whose socket left the connected state and
// penalties older than the TTL. Alive is checked defensively: a panic from
// a torn-down peer counts as gone.
func (rl *RateLimiter) Cleanup() {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for c := range rl.entries {
		if !peerAlive(c) {
			delete(rl.entries, c)
		}
	}
	for k, p := range rl.penalties {
		if now.Sub(p.evictedAt) >= rl.penaltyTTL {
			delete(rl.penalties, k)
		}
	}
}

func peerAlive(c *Connection) (alive bool) {
	defer func() {
		if recover() != nil {
			alive = false
		}
	}()
	return c.Alive()
}

// Tracked returns the current entry count (for tests and stats).
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
