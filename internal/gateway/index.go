package gateway

import "sync"

type connSet map[*Connection]struct{}

func (s connSet) copyList() []*Connection {
	out := make([]*Connection, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

type roleFlags struct {
	isAdmin   bool
	isKitchen bool
}

// ConnectionIndex is the single owner of the forward and reverse connection
// maps. The lock manager's ordered locks serialize lifecycle and fan-out
// operations against each other; the index's own mutex only guarantees
// memory-safe map access. Read accessors return copies.
type ConnectionIndex struct {
	mu sync.RWMutex

	// forward
	byUser          map[int64]connSet
	byBranch        map[int64]connSet
	bySector        map[int64]connSet
	bySession       map[int64]connSet
	adminsByBranch  map[int64]connSet
	kitchenByBranch map[int64]connSet

	// reverse
	connUser     map[*Connection]int64
	connTenant   map[*Connection]int64
	connFlags    map[*Connection]roleFlags
	connBranches map[*Connection][]int64
	connSectors  map[*Connection][]int64
	connSessions map[*Connection]map[int64]struct{}
}

func NewConnectionIndex() *ConnectionIndex {
	return &ConnectionIndex{
		byUser:          make(map[int64]connSet),
		byBranch:        make(map[int64]connSet),
		bySector:        make(map[int64]connSet),
		bySession:       make(map[int64]connSet),
		adminsByBranch:  make(map[int64]connSet),
		kitchenByBranch: make(map[int64]connSet),
		connUser:        make(map[*Connection]int64),
		connTenant:      make(map[*Connection]int64),
		connFlags:       make(map[*Connection]roleFlags),
		connBranches:    make(map[*Connection][]int64),
		connSectors:     make(map[*Connection][]int64),
		connSessions:    make(map[*Connection]map[int64]struct{}),
	}
}

// ---- mutations (caller holds the matching lock-manager lock) ----

// AddUser registers c under its user id with tenant and role flags.
// Caller holds the user lock.
func (ix *ConnectionIndex) AddUser(c *Connection, userID, tenantID int64, isAdmin, isKitchen bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	set, ok := ix.byUser[userID]
	if !ok {
		set = make(connSet)
		ix.byUser[userID] = set
	}
	set[c] = struct{}{}
	ix.connUser[c] = userID
	ix.connTenant[c] = tenantID
	ix.connFlags[c] = roleFlags{isAdmin: isAdmin, isKitchen: isKitchen}
}

// RemoveUser unregisters c from the user maps. Caller holds the user lock.
func (ix *ConnectionIndex) RemoveUser(c *Connection) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if userID, ok := ix.connUser[c]; ok {
		if set, ok := ix.byUser[userID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(ix.byUser, userID)
			}
		}
	}
	delete(ix.connUser, c)
	delete(ix.connTenant, c)
	delete(ix.connFlags, c)
}

// AddBranch registers c in the branch map and, per its role flags, in the
// admins/kitchen-by-branch maps. Caller holds that branch's lock.
func (ix *ConnectionIndex) AddBranch(c *Connection, branchID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	addTo := func(m map[int64]connSet) {
		set, ok := m[branchID]
		if !ok {
			set = make(connSet)
			m[branchID] = set
		}
		set[c] = struct{}{}
	}

	addTo(ix.byBranch)
	flags := ix.connFlags[c]
	if flags.isAdmin {
		addTo(ix.adminsByBranch)
	}
	if flags.isKitchen {
		addTo(ix.kitchenByBranch)
	}
	ix.connBranches[c] = append(ix.connBranches[c], branchID)
}

// RemoveBranch unregisters c from one branch's maps. Caller holds that
// branch's lock.
func (ix *ConnectionIndex) RemoveBranch(c *Connection, branchID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, m := range []map[int64]connSet{ix.byBranch, ix.adminsByBranch, ix.kitchenByBranch} {
		if set, ok := m[branchID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(m, branchID)
			}
		}
	}
}

// ClearBranches drops c's reverse branch list after all branch maps are
// cleaned.
func (ix *ConnectionIndex) ClearBranches(c *Connection) {
	ix.mu.Lock()
	delete(ix.connBranches, c)
	ix.mu.Unlock()
}

// SetSectors replaces c's sector registration. Caller holds the sector lock.
func (ix *ConnectionIndex) SetSectors(c *Connection, sectorIDs []int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, old := range ix.connSectors[c] {
		if set, ok := ix.bySector[old]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(ix.bySector, old)
			}
		}
	}
	delete(ix.connSectors, c)

	for _, id := range sectorIDs {
		set, ok := ix.bySector[id]
		if !ok {
			set = make(connSet)
			ix.bySector[id] = set
		}
		set[c] = struct{}{}
	}
	if len(sectorIDs) > 0 {
		ix.connSectors[c] = append([]int64(nil), sectorIDs...)
	}
}

// AddSessions registers c under each session. Caller holds the session lock.
func (ix *ConnectionIndex) AddSessions(c *Connection, sessionIDs []int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, id := range sessionIDs {
		set, ok := ix.bySession[id]
		if !ok {
			set = make(connSet)
			ix.bySession[id] = set
		}
		set[c] = struct{}{}

		rev, ok := ix.connSessions[c]
		if !ok {
			rev = make(map[int64]struct{})
			ix.connSessions[c] = rev
		}
		rev[id] = struct{}{}
	}
}

// ClearSessions unregisters c from every session it belongs to. Caller
// holds the session lock.
func (ix *ConnectionIndex) ClearSessions(c *Connection) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for id := range ix.connSessions[c] {
		if set, ok := ix.bySession[id]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(ix.bySession, id)
			}
		}
	}
	delete(ix.connSessions, c)
}

// ---- reads (return copies) ----

func (ix *ConnectionIndex) UserConns(userID int64) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.byUser[userID].copyList()
}

func (ix *ConnectionIndex) UserConnCount(userID int64) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byUser[userID])
}

func (ix *ConnectionIndex) BranchConns(branchID int64) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.byBranch[branchID].copyList()
}

func (ix *ConnectionIndex) SectorConns(sectorID int64) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.bySector[sectorID].copyList()
}

func (ix *ConnectionIndex) SessionConns(sessionID int64) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.bySession[sessionID].copyList()
}

func (ix *ConnectionIndex) AdminsInBranch(branchID int64) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.adminsByBranch[branchID].copyList()
}

// KitchenInBranch returns kitchen connections that are not also admins.
func (ix *ConnectionIndex) KitchenInBranch(branchID int64) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*Connection, 0, len(ix.kitchenByBranch[branchID]))
	for c := range ix.kitchenByBranch[branchID] {
		if !ix.connFlags[c].isAdmin {
			out = append(out, c)
		}
	}
	return out
}

// WaitersInBranch returns branch connections minus admins and kitchen.
func (ix *ConnectionIndex) WaitersInBranch(branchID int64) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*Connection, 0, len(ix.byBranch[branchID]))
	for c := range ix.byBranch[branchID] {
		flags := ix.connFlags[c]
		if !flags.isAdmin && !flags.isKitchen {
			out = append(out, c)
		}
	}
	return out
}

// SessionsFor returns a copy of the sessions c belongs to.
func (ix *ConnectionIndex) SessionsFor(c *Connection) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]int64, 0, len(ix.connSessions[c]))
	for id := range ix.connSessions[c] {
		out = append(out, id)
	}
	return out
}

// BranchesFor returns a copy of c's branch list.
func (ix *ConnectionIndex) BranchesFor(c *Connection) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]int64(nil), ix.connBranches[c]...)
}

// SectorsFor returns a copy of c's sector list.
func (ix *ConnectionIndex) SectorsFor(c *Connection) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]int64(nil), ix.connSectors[c]...)
}

// UserOf returns c's user id, if registered.
func (ix *ConnectionIndex) UserOf(c *Connection) (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.connUser[c]
	return id, ok
}

// TenantOf returns c's tenant, if registered.
func (ix *ConnectionIndex) TenantOf(c *Connection) (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	id, ok := ix.connTenant[c]
	return id, ok
}

// FlagsOf returns c's role flags.
func (ix *ConnectionIndex) FlagsOf(c *Connection) (isAdmin, isKitchen bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	f := ix.connFlags[c]
	return f.isAdmin, f.isKitchen
}

// FilterByTenant is the only approved tenant-isolation path for a computed
// recipient list. Call it inside the same lock region that materialized the
// list.
func (ix *ConnectionIndex) FilterByTenant(conns []*Connection, tenantID int64) []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := conns[:0]
	for _, c := range conns {
		if ix.connTenant[c] == tenantID {
			out = append(out, c)
		}
	}
	return out
}

// LiveUserIDs returns the set of user ids with at least one connection.
func (ix *ConnectionIndex) LiveUserIDs() map[int64]struct{} {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[int64]struct{}, len(ix.byUser))
	for id := range ix.byUser {
		out[id] = struct{}{}
	}
	return out
}

// LiveBranchIDs returns the set of branch ids with at least one connection.
func (ix *ConnectionIndex) LiveBranchIDs() map[int64]struct{} {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[int64]struct{}, len(ix.byBranch))
	for id := range ix.byBranch {
		out[id] = struct{}{}
	}
	return out
}

// AllConns returns every registered connection.
func (ix *ConnectionIndex) AllConns() []*Connection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*Connection, 0, len(ix.connUser))
	for c := range ix.connUser {
		out = append(out, c)
	}
	return out
}

// TotalConns returns the number of distinct registered connections.
func (ix *ConnectionIndex) TotalConns() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.connUser)
}
