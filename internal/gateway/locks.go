package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Lock ranks in the canonical acquisition order. Every code path that takes
// more than one gateway lock must move strictly upward through these ranks
// (and strictly upward through ids within the user and branch ranks).
type lockRank int

const (
	rankCounter lockRank = iota + 1
	rankUser
	rankBranch
	rankSector
	rankSession
	rankDead
)

// LockManager owns the sharded per-user and per-branch mutexes plus the four
// global mutexes. Shard maps grow on demand; when a map exceeds the shard
// threshold a single deferred cleanup pass trims unheld shards back to 80%
// of the threshold.
type LockManager struct {
	mu          sync.Mutex // meta-mutex guarding the shard maps
	userLocks   map[int64]*sync.Mutex
	branchLocks map[int64]*sync.Mutex

	counterMu sync.Mutex
	sectorMu  sync.Mutex
	sessionMu sync.Mutex
	deadMu    sync.Mutex

	threshold      int
	cleanupPending atomic.Bool
	cleanupDone    chan struct{}

	log zerolog.Logger
}

func NewLockManager(threshold int, log zerolog.Logger) *LockManager {
	if threshold <= 0 {
		threshold = DefaultLockShardThreshold
	}
	return &LockManager{
		userLocks:   make(map[int64]*sync.Mutex),
		branchLocks: make(map[int64]*sync.Mutex),
		threshold:   threshold,
		log:         log.With().Str("component", "lock_manager").Logger(),
	}
}

// UserLock returns (creating if needed) the mutex shard for a user id.
func (lm *LockManager) UserLock(id int64) *sync.Mutex {
	return lm.shard(lm.userLocks, id)
}

// BranchLock returns (creating if needed) the mutex shard for a branch id.
func (lm *LockManager) BranchLock(id int64) *sync.Mutex {
	return lm.shard(lm.branchLocks, id)
}

func (lm *LockManager) CounterLock() *sync.Mutex { return &lm.counterMu }
func (lm *LockManager) SectorLock() *sync.Mutex  { return &lm.sectorMu }
func (lm *LockManager) SessionLock() *sync.Mutex { return &lm.sessionMu }
func (lm *LockManager) DeadLock() *sync.Mutex    { return &lm.deadMu }

func (lm *LockManager) shard(m map[int64]*sync.Mutex, id int64) *sync.Mutex {
	lm.mu.Lock()
	mu, ok := m[id]
	if !ok {
		mu = &sync.Mutex{}
		m[id] = mu
	}
	over := len(lm.userLocks)+len(lm.branchLocks) > lm.threshold
	lm.mu.Unlock()

	if over && lm.cleanupPending.CompareAndSwap(false, true) {
		done := make(chan struct{})
		lm.mu.Lock()
		lm.cleanupDone = done
		lm.mu.Unlock()
		go func() {
			defer close(done)
			defer lm.cleanupPending.Store(false)
			n := lm.trimUnheld()
			if n > 0 {
				lm.log.Debug().Int("removed", n).Msg("lock shard cleanup")
			}
		}()
	}
	return mu
}

// trimUnheld removes unheld shards until the combined count drops to 80% of
// the threshold. Hysteresis keeps back-to-back creations from thrashing.
func (lm *LockManager) trimUnheld() int {
	target := lm.threshold * 8 / 10
	removed := 0

	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, m := range []map[int64]*sync.Mutex{lm.userLocks, lm.branchLocks} {
		for id, mu := range m {
			if len(lm.userLocks)+len(lm.branchLocks) <= target {
				return removed
			}
			if mu.TryLock() {
				mu.Unlock()
				delete(m, id)
				removed++
			}
		}
	}
	return removed
}

// Sweep removes unheld shards whose ids are no longer present in the live
// index. Returns how many shards were dropped.
func (lm *LockManager) Sweep(liveUsers, liveBranches map[int64]struct{}) int {
	removed := 0

	lm.mu.Lock()
	defer lm.mu.Unlock()

	for id, mu := range lm.userLocks {
		if _, live := liveUsers[id]; live {
			continue
		}
		if mu.TryLock() {
			mu.Unlock()
			delete(lm.userLocks, id)
			removed++
		}
	}
	for id, mu := range lm.branchLocks {
		if _, live := liveBranches[id]; live {
			continue
		}
		if mu.TryLock() {
			mu.Unlock()
			delete(lm.branchLocks, id)
			removed++
		}
	}
	return removed
}

// ShardCount returns the combined shard count (for tests and stats).
func (lm *LockManager) ShardCount() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.userLocks) + len(lm.branchLocks)
}

// Close waits for any pending shard cleanup, bounded by ctx. Call during
// shutdown before final teardown.
func (lm *LockManager) Close(ctx context.Context) error {
	if !lm.cleanupPending.Load() {
		return nil
	}
	lm.mu.Lock()
	done := lm.cleanupDone
	lm.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sequence enforces the canonical lock order at runtime. It tracks the
// highest (rank, id) acquired during one lifecycle operation; acquiring a
// lower-ranked lock, or an equal-ranked lock with a non-ascending id,
// returns ErrLockOrder without touching the mutex.
type Sequence struct {
	rank lockRank
	id   int64
}

func (s *Sequence) acquire(r lockRank, id int64, mu *sync.Mutex) error {
	if r < s.rank || (r == s.rank && id <= s.id) {
		return ErrLockOrder
	}
	mu.Lock()
	s.rank, s.id = r, id
	return nil
}

func (s *Sequence) LockCounter(lm *LockManager) error {
	return s.acquire(rankCounter, 0, lm.CounterLock())
}

func (s *Sequence) LockUser(lm *LockManager, id int64) error {
	return s.acquire(rankUser, id, lm.UserLock(id))
}

func (s *Sequence) LockBranch(lm *LockManager, id int64) error {
	return s.acquire(rankBranch, id, lm.BranchLock(id))
}

func (s *Sequence) LockSector(lm *LockManager) error {
	return s.acquire(rankSector, 0, lm.SectorLock())
}

func (s *Sequence) LockSession(lm *LockManager) error {
	return s.acquire(rankSession, 0, lm.SessionLock())
}

func (s *Sequence) LockDead(lm *LockManager) error {
	return s.acquire(rankDead, 0, lm.DeadLock())
}
