package gateway

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
)

func newTestRouter() (*Router, *ConnectionIndex, *Metrics) {
	ix := NewConnectionIndex()
	lm := NewLockManager(0, zerolog.Nop())
	m := NewMetrics()
	b := NewBroadcaster(ix, lm, m, nil, 0, 0, zerolog.Nop())
	return NewRouter(b, m, zerolog.Nop()), ix, m
}

// W2 is in the event's sector, W1 is branch-wide, W3 is another tenant.
// ROUND_SUBMITTED narrows to the sector and never reaches kitchen or admins
// of other tenants.
func TestRouter_SectorFanOut(t *testing.T) {
	r, ix, _ := newTestRouter()

	_, w1 := addPeer(ix, 1, 1, false, false, []int64{10}, nil, nil)
	_, w2 := addPeer(ix, 2, 1, false, false, []int64{10}, []int64{3}, nil)
	_, w3 := addPeer(ix, 3, 2, false, false, []int64{10}, nil, nil)
	_, kitchen := addPeer(ix, 4, 1, false, true, []int64{10}, nil, nil)

	r.Dispatch(bcastEvent(t, map[string]any{
		"type": "ROUND_SUBMITTED", "branch_id": float64(10), "sector_id": float64(3),
	}))

	require.Zero(t, w1.sentCount())
	require.Equal(t, 1, w2.sentCount())
	require.Zero(t, w3.sentCount())
	require.Zero(t, kitchen.sentCount())
}

// ROUND_PENDING bypasses the sector filter so every branch waiter sees it.
func TestRouter_BypassSector(t *testing.T) {
	r, ix, _ := newTestRouter()

	_, w1 := addPeer(ix, 1, 1, false, false, []int64{10}, nil, nil)
	_, w2 := addPeer(ix, 2, 1, false, false, []int64{10}, []int64{3}, nil)

	r.Dispatch(bcastEvent(t, map[string]any{
		"type": "ROUND_PENDING", "branch_id": float64(10), "sector_id": float64(3),
	}))

	require.Equal(t, 1, w1.sentCount())
	require.Equal(t, 1, w2.sentCount())
}

func TestRouter_KitchenAndSession(t *testing.T) {
	r, ix, _ := newTestRouter()

	_, kitchen := addPeer(ix, 1, 1, false, true, []int64{10}, nil, nil)
	_, admin := addPeer(ix, 2, 1, true, false, []int64{10}, nil, nil)
	_, diner := addPeer(ix, -42, 1, false, false, nil, nil, []int64{42})

	r.Dispatch(bcastEvent(t, map[string]any{
		"type": "ROUND_READY", "branch_id": float64(10), "session_id": float64(42),
	}))
	require.Equal(t, 1, kitchen.sentCount())
	require.Equal(t, 1, admin.sentCount())
	require.Equal(t, 1, diner.sentCount())

	// tenant mismatch reaches nobody
	r.Dispatch(bcastEvent(t, map[string]any{
		"type": "ROUND_READY", "tenant_id": float64(2), "branch_id": float64(10), "session_id": float64(42),
	}))
	require.Equal(t, 1, diner.sentCount())
}

func TestRouter_TicketsKitchenOnly(t *testing.T) {
	r, ix, _ := newTestRouter()

	_, kitchen := addPeer(ix, 1, 1, false, true, []int64{10}, nil, nil)
	_, admin := addPeer(ix, 2, 1, true, false, []int64{10}, nil, nil)
	_, waiter := addPeer(ix, 3, 1, false, false, []int64{10}, nil, nil)

	r.Dispatch(bcastEvent(t, map[string]any{
		"type": "TICKET_READY", "branch_id": float64(10),
	}))

	require.Equal(t, 1, kitchen.sentCount())
	require.Zero(t, admin.sentCount())
	require.Zero(t, waiter.sentCount())
}

func TestRouter_EntityEventsAdminOnly(t *testing.T) {
	r, ix, _ := newTestRouter()

	_, admin := addPeer(ix, 1, 1, true, false, []int64{10}, nil, nil)
	_, waiter := addPeer(ix, 2, 1, false, false, []int64{10}, nil, nil)

	r.Dispatch(bcastEvent(t, map[string]any{
		"type": "ENTITY_UPDATED", "branch_id": float64(10),
	}))

	require.Equal(t, 1, admin.sentCount())
	require.Zero(t, waiter.sentCount())
}

// Routed fan-out must deliver every event even when dispatch bursts past
// the tenant-wide broadcast budget.
func TestRouter_BurstDeliversEveryEvent(t *testing.T) {
	r, ix, _ := newTestRouter()

	_, waiter := addPeer(ix, 1, 1, false, false, []int64{10}, nil, nil)

	for i := 0; i < 15; i++ {
		r.Dispatch(bcastEvent(t, map[string]any{
			"type": "ROUND_READY", "branch_id": float64(10),
		}))
	}
	require.Equal(t, 15, waiter.sentCount())
}

// An event carrying no branch, sector, or session id reaches the whole
// tenant when its route includes waiters; restricted routes stay silent.
func TestRouter_ScopelessEventTenantWide(t *testing.T) {
	r, ix, _ := newTestRouter()

	_, waiter := addPeer(ix, 1, 1, false, false, []int64{10}, nil, nil)
	_, admin := addPeer(ix, 2, 1, true, false, []int64{10}, nil, nil)
	_, otherTenant := addPeer(ix, 3, 2, false, false, []int64{10}, nil, nil)

	r.Dispatch(bcastEvent(t, map[string]any{"type": "ROUND_READY"}))
	require.Equal(t, 1, waiter.sentCount())
	require.Equal(t, 1, admin.sentCount())
	require.Zero(t, otherTenant.sentCount())

	// admin-only events without a branch id are not widened
	r.Dispatch(bcastEvent(t, map[string]any{"type": "ENTITY_UPDATED"}))
	require.Equal(t, 1, waiter.sentCount())
	require.Equal(t, 1, admin.sentCount())
}

func TestRouter_UnknownTypeGoesToAdmins(t *testing.T) {
	r, ix, m := newTestRouter()

	_, admin := addPeer(ix, 1, 1, true, false, []int64{10}, nil, nil)
	_, waiter := addPeer(ix, 2, 1, false, false, []int64{10}, nil, nil)

	r.Dispatch(bcastEvent(t, map[string]any{
		"type": "SOMETHING_NEW", "branch_id": float64(10),
	}))

	require.Equal(t, 1, admin.sentCount())
	require.Zero(t, waiter.sentCount())
	require.Equal(t, uint64(1), m.EventsProcessed.Load())
}

func TestUnknownTracker_EvictionAndReappearance(t *testing.T) {
	u := newUnknownTypeTracker(2)

	first, re := u.seen("A")
	require.True(t, first)
	require.False(t, re)

	first, re = u.seen("A") // already tracked
	require.False(t, first)
	require.False(t, re)

	u.seen("B")
	u.seen("C") // evicts A

	first, re = u.seen("A")
	require.False(t, first)
	require.True(t, re)
}

func TestUnknownTracker_Bounded(t *testing.T) {
	u := newUnknownTypeTracker(5)
	for i := 0; i < 100; i++ {
		u.seen(domain.EventType(fmt.Sprintf("T%d", i)))
	}
	require.LessOrEqual(t, len(u.seenSet), 5)
	require.LessOrEqual(t, len(u.evicted), 5)
}
