package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
)

func bcastEvent(t *testing.T, fields map[string]any) *domain.Event {
	t.Helper()
	if _, ok := fields["type"]; !ok {
		fields["type"] = "ROUND_READY"
	}
	if _, ok := fields["tenant_id"]; !ok {
		fields["tenant_id"] = float64(1)
	}
	ev, err := domain.NewEvent(fields)
	require.NoError(t, err)
	return ev
}

func newTestBroadcaster(markDead func(*Connection)) (*Broadcaster, *ConnectionIndex, *Metrics) {
	ix := NewConnectionIndex()
	lm := NewLockManager(0, zerolog.Nop())
	m := NewMetrics()
	b := NewBroadcaster(ix, lm, m, markDead, 0, 0, zerolog.Nop())
	return b, ix, m
}

func addPeer(ix *ConnectionIndex, userID, tenantID int64, isAdmin, isKitchen bool, branches, sectors, sessions []int64) (*Connection, *fakePeer) {
	p := &fakePeer{}
	c := NewConnection(p)
	ix.AddUser(c, userID, tenantID, isAdmin, isKitchen)
	for _, b := range branches {
		ix.AddBranch(c, b)
	}
	ix.SetSectors(c, sectors)
	ix.AddSessions(c, sessions)
	return c, p
}

func TestBroadcaster_TenantIsolation(t *testing.T) {
	b, ix, _ := newTestBroadcaster(nil)

	_, sameTenant := addPeer(ix, 1, 1, false, false, []int64{10}, nil, nil)
	_, otherTenant := addPeer(ix, 2, 2, false, false, []int64{10}, nil, nil)

	b.SendToWaiters(bcastEvent(t, map[string]any{"branch_id": float64(10)}), 10, false)

	require.Equal(t, 1, sameTenant.sentCount())
	require.Zero(t, otherTenant.sentCount())
}

func TestBroadcaster_SectorNarrowing(t *testing.T) {
	b, ix, _ := newTestBroadcaster(nil)

	_, inSector := addPeer(ix, 1, 1, false, false, []int64{10}, []int64{3}, nil)
	_, outOfSector := addPeer(ix, 2, 1, false, false, []int64{10}, []int64{4}, nil)

	ev := bcastEvent(t, map[string]any{"branch_id": float64(10), "sector_id": float64(3)})
	b.SendToWaiters(ev, 10, false)
	require.Equal(t, 1, inSector.sentCount())
	require.Zero(t, outOfSector.sentCount())

	// bypass widens delivery to the whole branch
	b.SendToWaiters(ev, 10, true)
	require.Equal(t, 2, inSector.sentCount())
	require.Equal(t, 1, outOfSector.sentCount())
}

func TestBroadcaster_RoleSelectors(t *testing.T) {
	b, ix, _ := newTestBroadcaster(nil)

	_, waiter := addPeer(ix, 1, 1, false, false, []int64{10}, nil, nil)
	_, kitchen := addPeer(ix, 2, 1, false, true, []int64{10}, nil, nil)
	_, admin := addPeer(ix, 3, 1, true, false, []int64{10}, nil, nil)
	_, diner := addPeer(ix, -99, 1, false, false, nil, nil, []int64{99})

	ev := bcastEvent(t, map[string]any{"branch_id": float64(10), "session_id": float64(99)})

	b.SendToAdmins(ev, 10)
	require.Equal(t, 1, admin.sentCount())
	require.Zero(t, waiter.sentCount())
	require.Zero(t, kitchen.sentCount())

	b.SendToKitchen(ev, 10)
	require.Equal(t, 1, kitchen.sentCount())
	require.Equal(t, 1, admin.sentCount())

	b.SendToSession(ev, 99)
	require.Equal(t, 1, diner.sentCount())
	require.Zero(t, waiter.sentCount())
}

func TestBroadcaster_FailedSendMarksDead(t *testing.T) {
	var dead []*Connection
	b, ix, m := newTestBroadcaster(func(c *Connection) { dead = append(dead, c) })

	good, goodPeer := addPeer(ix, 1, 1, false, false, []int64{10}, nil, nil)
	bad, badPeer := addPeer(ix, 2, 1, false, false, []int64{10}, nil, nil)
	badPeer.failSend = true
	_ = good
	_ = goodPeer

	b.SendToWaiters(bcastEvent(t, map[string]any{"branch_id": float64(10)}), 10, false)

	require.Equal(t, []*Connection{bad}, dead)
	require.Equal(t, uint64(1), m.BroadcastFailedRecipients.Load())
	require.Zero(t, m.BroadcastsFailed.Load()) // one recipient still succeeded
	require.Equal(t, 1, goodPeer.sentCount())
}

func TestBroadcaster_TenantWideRateGate(t *testing.T) {
	ix := NewConnectionIndex()
	lm := NewLockManager(0, zerolog.Nop())
	m := NewMetrics()
	b := NewBroadcaster(ix, lm, m, nil, 0, 2, zerolog.Nop())
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }

	_, peer := addPeer(ix, 1, 1, false, false, []int64{10}, nil, nil)
	ev := bcastEvent(t, map[string]any{"branch_id": float64(10)})

	b.SendToAll(ev)
	b.SendToAll(ev)
	b.SendToAll(ev) // over budget, dropped

	require.Equal(t, 2, peer.sentCount())
	require.Equal(t, uint64(1), m.BroadcastsRateLimited.Load())

	// budget refills after the window slides
	base = base.Add(1100 * time.Millisecond)
	b.SendToAll(ev)
	require.Equal(t, 3, peer.sentCount())
}

// Targeted selectors carry routed domain events and must deliver every one
// of them; only the tenant-wide path is throttled.
func TestBroadcaster_TargetedFanOutNotThrottled(t *testing.T) {
	ix := NewConnectionIndex()
	lm := NewLockManager(0, zerolog.Nop())
	m := NewMetrics()
	b := NewBroadcaster(ix, lm, m, nil, 0, 2, zerolog.Nop())
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }

	_, waiter := addPeer(ix, 1, 1, false, false, []int64{10}, nil, nil)
	_, admin := addPeer(ix, 2, 1, true, false, []int64{10}, nil, nil)
	ev := bcastEvent(t, map[string]any{"branch_id": float64(10)})

	for i := 0; i < 5; i++ {
		b.SendToWaiters(ev, 10, false)
		b.SendToAdmins(ev, 10)
	}

	require.Equal(t, 5, waiter.sentCount())
	require.Equal(t, 5, admin.sentCount())
	require.Zero(t, m.BroadcastsRateLimited.Load())
}
