package gateway

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
)

// route names the recipient groups for one event type. bypassSector widens
// waiter delivery to the whole branch even when the event carries a sector.
type route struct {
	admins       bool
	waiters      bool
	kitchen      bool
	session      bool
	bypassSector bool
}

var routes = map[domain.EventType]route{
	domain.EntityCreated: {admins: true},
	domain.EntityUpdated: {admins: true},
	domain.EntityDeleted: {admins: true},
	domain.CascadeDelete: {admins: true},

	domain.RoundPending:        {admins: true, waiters: true, bypassSector: true},
	domain.TableSessionStarted: {admins: true, waiters: true, bypassSector: true, session: true},

	// kitchen first learns of a round via ROUND_IN_KITCHEN
	domain.RoundSubmitted: {admins: true, waiters: true},

	domain.RoundInKitchen: {admins: true, waiters: true, kitchen: true, session: true},
	domain.RoundReady:     {admins: true, waiters: true, kitchen: true, session: true},

	domain.RoundServed:   {admins: true, waiters: true, session: true},
	domain.RoundCanceled: {admins: true, waiters: true, session: true},

	domain.ServiceCallCreated: {admins: true, waiters: true},
	domain.ServiceCallAcked:   {admins: true, waiters: true},
	domain.ServiceCallClosed:  {admins: true, waiters: true},

	domain.CheckRequested:  {admins: true, waiters: true, session: true},
	domain.CheckPaid:       {admins: true, waiters: true, session: true},
	domain.PaymentApproved: {admins: true, waiters: true, session: true},
	domain.PaymentRejected: {admins: true, waiters: true, session: true},
	domain.PaymentFailed:   {admins: true, waiters: true, session: true},

	domain.TableCleared:       {admins: true, session: true},
	domain.TableStatusChanged: {admins: true, session: true},

	domain.TicketInProgress: {kitchen: true},
	domain.TicketReady:      {kitchen: true},
	domain.TicketDelivered:  {kitchen: true},
}

// Router maps an event to its recipient groups and hands it to the
// broadcaster. Unknown event types fall back to admin-only delivery.
type Router struct {
	b       *Broadcaster
	metrics *Metrics
	unknown *unknownTypeTracker
	log     zerolog.Logger
}

func NewRouter(b *Broadcaster, metrics *Metrics, log zerolog.Logger) *Router {
	return &Router{
		b:       b,
		metrics: metrics,
		unknown: newUnknownTypeTracker(DefaultUnknownTypeCap),
		log:     log.With().Str("component", "router").Logger(),
	}
}

// Dispatch fans ev out per the routing table. Every selector call is
// tenant-scoped by the broadcaster.
func (r *Router) Dispatch(ev *domain.Event) {
	rt, known := routes[ev.Type]
	if !known {
		first, reappeared := r.unknown.seen(ev.Type)
		lg := r.log.With().Str("type", string(ev.Type)).Int64("tenant_id", ev.TenantID).Logger()
		switch {
		case reappeared:
			lg.Warn().Msg("evicted unknown event type reappeared")
		case first:
			lg.Info().Msg("unknown event type, routing to admins only")
		}
		rt = route{admins: true}
	}

	// a known event with no scoping id cannot be targeted; routes that
	// already reach waiters fan out tenant-wide, restricted routes stay
	// silent
	if known && rt.waiters && ev.BranchID == 0 && ev.SectorID == 0 && ev.SessionID == 0 {
		r.b.SendToAll(ev)
		r.metrics.EventsProcessed.Add(1)
		return
	}

	if rt.admins && ev.BranchID > 0 {
		r.b.SendToAdmins(ev, ev.BranchID)
	}
	if rt.waiters && (ev.BranchID > 0 || ev.SectorID > 0) {
		r.b.SendToWaiters(ev, ev.BranchID, rt.bypassSector)
	}
	if rt.kitchen && ev.BranchID > 0 {
		r.b.SendToKitchen(ev, ev.BranchID)
	}
	if rt.session && ev.SessionID > 0 {
		r.b.SendToSession(ev, ev.SessionID)
	}

	r.metrics.EventsProcessed.Add(1)
}

// unknownTypeTracker remembers which unknown types were already reported.
// The set is bounded; the oldest entry is evicted FIFO and remembered in a
// bounded evicted set so a comeback can be told apart from a first sighting.
type unknownTypeTracker struct {
	mu      sync.Mutex
	cap     int
	seenSet map[domain.EventType]struct{}
	order   []domain.EventType
	evicted map[domain.EventType]struct{}
	evOrder []domain.EventType
}

func newUnknownTypeTracker(cap int) *unknownTypeTracker {
	if cap <= 0 {
		cap = DefaultUnknownTypeCap
	}
	return &unknownTypeTracker{
		cap:     cap,
		seenSet: make(map[domain.EventType]struct{}),
		evicted: make(map[domain.EventType]struct{}),
	}
}

func (u *unknownTypeTracker) seen(t domain.EventType) (first, reappeared bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.seenSet[t]; ok {
		return false, false
	}
	if _, ok := u.evicted[t]; ok {
		reappeared = true
		delete(u.evicted, t)
		for i, e := range u.evOrder {
			if e == t {
				u.evOrder = append(u.evOrder[:i], u.evOrder[i+1:]...)
				break
			}
		}
	} else {
		first = true
	}

	u.seenSet[t] = struct{}{}
	u.order = append(u.order, t)
	if len(u.order) > u.cap {
		old := u.order[0]
		u.order = u.order[1:]
		delete(u.seenSet, old)

		u.evicted[old] = struct{}{}
		u.evOrder = append(u.evOrder, old)
		if len(u.evOrder) > u.cap {
			drop := u.evOrder[0]
			u.evOrder = u.evOrder[1:]
			delete(u.evicted, drop)
		}
	}
	return first, reappeared
}
