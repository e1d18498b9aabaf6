package gateway

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Registration carries everything needed to admit one authenticated socket.
type Registration struct {
	Conn      *Connection
	UserID    int64 // negative for diner pseudo ids
	TenantID  int64
	IsAdmin   bool
	IsKitchen bool

	BranchIDs  []int64
	SectorIDs  []int64
	SessionIDs []int64
}

type deadEntry struct {
	conn *Connection
	at   time.Time
}

// Manager owns the connection lifecycle: capacity reservation, the
// register/unregister paths (all lock acquisition goes through a Sequence so
// the canonical order is enforced at runtime), the dead set, and shutdown.
type Manager struct {
	index      *ConnectionIndex
	locks      *LockManager
	heartbeats *HeartbeatTracker
	limiter    *RateLimiter
	metrics    *Metrics

	maxTotal   int
	maxPerUser int
	maxSectors int
	deadCap    int

	// guarded by the counter lock
	count int

	// guarded by the dead lock
	dead     []deadEntry
	deadSeen map[*Connection]struct{}

	shuttingDown atomic.Bool

	now func() time.Time
	log zerolog.Logger
}

func NewManager(index *ConnectionIndex, locks *LockManager, heartbeats *HeartbeatTracker, limiter *RateLimiter, metrics *Metrics, maxTotal, maxPerUser, maxSectors int, log zerolog.Logger) *Manager {
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotalConns
	}
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxConnsPerUser
	}
	if maxSectors <= 0 {
		maxSectors = DefaultMaxSectorsPerWaiter
	}
	return &Manager{
		index:      index,
		locks:      locks,
		heartbeats: heartbeats,
		limiter:    limiter,
		metrics:    metrics,
		maxTotal:   maxTotal,
		maxPerUser: maxPerUser,
		maxSectors: maxSectors,
		deadCap:    DefaultDeadSetCap,
		deadSeen:   make(map[*Connection]struct{}),
		now:        time.Now,
		log:        log.With().Str("component", "conn_manager").Logger(),
	}
}

// ReserveSlot claims one unit of global capacity. It must be called before
// the websocket upgrade; a failed upgrade or registration must pair it with
// ReleaseSlot.
func (m *Manager) ReserveSlot() error {
	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}

	var seq Sequence
	if err := seq.LockCounter(m.locks); err != nil {
		return err
	}
	defer m.locks.CounterLock().Unlock()

	if m.count >= m.maxTotal {
		m.metrics.ConnRejectedLimit.Add(1)
		return ErrCapacity
	}
	m.count++
	return nil
}

// ReleaseSlot returns one unit of global capacity.
func (m *Manager) ReleaseSlot() {
	var seq Sequence
	if err := seq.LockCounter(m.locks); err != nil {
		return
	}
	if m.count > 0 {
		m.count--
	}
	m.locks.CounterLock().Unlock()
}

// Count returns the reserved connection count.
func (m *Manager) Count() int {
	var seq Sequence
	if err := seq.LockCounter(m.locks); err != nil {
		return 0
	}
	defer m.locks.CounterLock().Unlock()
	return m.count
}

func validateIDs(name string, ids []int64) error {
	for _, id := range ids {
		if id <= 0 {
			return fmt.Errorf("%w: %s contains %d", ErrInvalidRegistration, name, id)
		}
	}
	return nil
}

// Register indexes an admitted connection. The caller holds a reserved slot;
// on error the slot is released here. Lock order: user, branches ascending,
// sector, session.
func (m *Manager) Register(reg Registration) error {
	if reg.Conn == nil || reg.UserID == 0 || reg.TenantID <= 0 {
		m.ReleaseSlot()
		return ErrInvalidRegistration
	}
	if err := validateIDs("branch_ids", reg.BranchIDs); err != nil {
		m.ReleaseSlot()
		return err
	}
	if err := validateIDs("sector_ids", reg.SectorIDs); err != nil {
		m.ReleaseSlot()
		return err
	}
	if len(reg.SectorIDs) > m.maxSectors || hasDuplicates(reg.SectorIDs) {
		m.log.Warn().
			Int64("user_id", reg.UserID).
			Int("sectors", len(reg.SectorIDs)).
			Msg("suspicious sector registration")
	}

	branches := dedupeSorted(reg.BranchIDs)

	var seq Sequence

	if err := seq.LockUser(m.locks, reg.UserID); err != nil {
		m.ReleaseSlot()
		return err
	}
	if m.index.UserConnCount(reg.UserID) >= m.maxPerUser {
		m.locks.UserLock(reg.UserID).Unlock()
		m.ReleaseSlot()
		m.metrics.ConnRejectedLimit.Add(1)
		return ErrPerUserCapacity
	}
	m.heartbeats.Record(reg.Conn)
	m.index.AddUser(reg.Conn, reg.UserID, reg.TenantID, reg.IsAdmin, reg.IsKitchen)
	m.locks.UserLock(reg.UserID).Unlock()

	for _, b := range branches {
		if err := seq.LockBranch(m.locks, b); err != nil {
			return err
		}
		m.index.AddBranch(reg.Conn, b)
		m.locks.BranchLock(b).Unlock()
	}

	if len(reg.SectorIDs) > 0 {
		if err := seq.LockSector(m.locks); err != nil {
			return err
		}
		m.index.SetSectors(reg.Conn, dedupeSorted(reg.SectorIDs))
		m.locks.SectorLock().Unlock()
	}

	if len(reg.SessionIDs) > 0 {
		if err := seq.LockSession(m.locks); err != nil {
			return err
		}
		m.index.AddSessions(reg.Conn, reg.SessionIDs)
		m.locks.SessionLock().Unlock()
	}

	m.log.Debug().
		Int64("user_id", reg.UserID).
		Int64("tenant_id", reg.TenantID).
		Str("conn_id", reg.Conn.ID).
		Msg("connection registered")
	return nil
}

// Unregister tears down every index entry for c and returns its capacity
// slot. Safe to call for a connection that was never registered.
func (m *Manager) Unregister(c *Connection) {
	m.heartbeats.Forget(c)
	if m.limiter != nil {
		m.limiter.Forget(c)
	}

	userID, ok := m.index.UserOf(c)
	if !ok {
		return
	}

	var seq Sequence

	if err := seq.LockCounter(m.locks); err != nil {
		return
	}
	if m.count > 0 {
		m.count--
	}
	m.locks.CounterLock().Unlock()

	if err := seq.LockUser(m.locks, userID); err != nil {
		return
	}
	branches := m.index.BranchesFor(c)
	m.index.RemoveUser(c)
	m.locks.UserLock(userID).Unlock()

	for _, b := range dedupeSorted(branches) {
		if err := seq.LockBranch(m.locks, b); err != nil {
			return
		}
		m.index.RemoveBranch(c, b)
		m.locks.BranchLock(b).Unlock()
	}
	m.index.ClearBranches(c)

	if err := seq.LockSector(m.locks); err != nil {
		return
	}
	m.index.SetSectors(c, nil)
	m.locks.SectorLock().Unlock()

	if err := seq.LockSession(m.locks); err != nil {
		return
	}
	m.index.ClearSessions(c)
	m.locks.SessionLock().Unlock()

	m.log.Debug().Int64("user_id", userID).Str("conn_id", c.ID).Msg("connection unregistered")
}

// RefreshSectors replaces c's sector registration in place.
func (m *Manager) RefreshSectors(c *Connection, sectorIDs []int64) error {
	if err := validateIDs("sector_ids", sectorIDs); err != nil {
		return err
	}
	var seq Sequence
	if err := seq.LockSector(m.locks); err != nil {
		return err
	}
	m.index.SetSectors(c, dedupeSorted(sectorIDs))
	m.locks.SectorLock().Unlock()
	return nil
}

// MarkDead queues c for cleanup-cycle disconnection. When the dead set is
// at capacity the oldest entry is disconnected immediately, after the dead
// lock is released.
func (m *Manager) MarkDead(c *Connection) {
	var evicted *Connection

	var seq Sequence
	if err := seq.LockDead(m.locks); err != nil {
		return
	}
	if _, dup := m.deadSeen[c]; !dup {
		if len(m.dead) >= m.deadCap {
			oldest := m.dead[0]
			m.dead = m.dead[1:]
			delete(m.deadSeen, oldest.conn)
			evicted = oldest.conn
		}
		m.dead = append(m.dead, deadEntry{conn: c, at: m.now()})
		m.deadSeen[c] = struct{}{}
	}
	m.locks.DeadLock().Unlock()

	// the evicted socket's teardown takes user and branch locks, so it
	// cannot happen while the dead lock is held
	if evicted != nil {
		m.disconnect(evicted, CloseGoingAway, ReasonConnectionTimeout)
	}
}

// DrainDead removes and disconnects every queued dead connection. Returns
// how many were drained.
func (m *Manager) DrainDead() int {
	var seq Sequence
	if err := seq.LockDead(m.locks); err != nil {
		return 0
	}
	drained := m.dead
	m.dead = nil
	m.deadSeen = make(map[*Connection]struct{})
	m.locks.DeadLock().Unlock()

	for _, e := range drained {
		m.disconnect(e.conn, CloseGoingAway, ReasonConnectionTimeout)
	}
	return len(drained)
}

// DeadCount returns how many connections await dead-set cleanup.
func (m *Manager) DeadCount() int {
	var seq Sequence
	if err := seq.LockDead(m.locks); err != nil {
		return 0
	}
	defer m.locks.DeadLock().Unlock()
	return len(m.dead)
}

func (m *Manager) disconnect(c *Connection, code int, reason string) {
	_ = c.Close(code, reason)
	m.Unregister(c)
}

// Shutdown stops admissions and closes every live socket.
func (m *Manager) Shutdown() {
	m.shuttingDown.Store(true)
	for _, c := range m.index.AllConns() {
		m.disconnect(c, CloseGoingAway, ReasonShuttingDown)
	}
}

// ShuttingDown reports whether Shutdown has begun.
func (m *Manager) ShuttingDown() bool { return m.shuttingDown.Load() }

func hasDuplicates(ids []int64) bool {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}

func dedupeSorted(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	w := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[i-1] {
			out[w] = out[i]
			w++
		}
	}
	return out[:w]
}
