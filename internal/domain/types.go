package domain

// EventType is the closed set of domain event types carried on the bus.
// Unknown types are tolerated on decode but flagged by the router.
type EventType string

const (
	RoundPending   EventType = "ROUND_PENDING"
	RoundSubmitted EventType = "ROUND_SUBMITTED"
	RoundInKitchen EventType = "ROUND_IN_KITCHEN"
	RoundReady     EventType = "ROUND_READY"
	RoundServed    EventType = "ROUND_SERVED"
	RoundCanceled  EventType = "ROUND_CANCELED"

	ServiceCallCreated EventType = "SERVICE_CALL_CREATED"
	ServiceCallAcked   EventType = "SERVICE_CALL_ACKED"
	ServiceCallClosed  EventType = "SERVICE_CALL_CLOSED"

	CheckRequested  EventType = "CHECK_REQUESTED"
	CheckPaid       EventType = "CHECK_PAID"
	PaymentApproved EventType = "PAYMENT_APPROVED"
	PaymentRejected EventType = "PAYMENT_REJECTED"
	PaymentFailed   EventType = "PAYMENT_FAILED"

	TableCleared        EventType = "TABLE_CLEARED"
	TableSessionStarted EventType = "TABLE_SESSION_STARTED"
	TableStatusChanged  EventType = "TABLE_STATUS_CHANGED"

	TicketInProgress EventType = "TICKET_IN_PROGRESS"
	TicketReady      EventType = "TICKET_READY"
	TicketDelivered  EventType = "TICKET_DELIVERED"

	EntityCreated EventType = "ENTITY_CREATED"
	EntityUpdated EventType = "ENTITY_UPDATED"
	EntityDeleted EventType = "ENTITY_DELETED"
	CascadeDelete EventType = "CASCADE_DELETE"
)

var knownEventTypes = map[EventType]struct{}{
	RoundPending: {}, RoundSubmitted: {}, RoundInKitchen: {}, RoundReady: {},
	RoundServed: {}, RoundCanceled: {},
	ServiceCallCreated: {}, ServiceCallAcked: {}, ServiceCallClosed: {},
	CheckRequested: {}, CheckPaid: {},
	PaymentApproved: {}, PaymentRejected: {}, PaymentFailed: {},
	TableCleared: {}, TableSessionStarted: {}, TableStatusChanged: {},
	TicketInProgress: {}, TicketReady: {}, TicketDelivered: {},
	EntityCreated: {}, EntityUpdated: {}, EntityDeleted: {}, CascadeDelete: {},
}

// Known reports whether t is part of the closed event-type set.
func (t EventType) Known() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// AggregateType names the routing families used by the outbox.
type AggregateType string

const (
	AggregateRound       AggregateType = "round"
	AggregateCheck       AggregateType = "check"
	AggregateServiceCall AggregateType = "service_call"
)

// ValidAggregate reports whether a is a recognized routing family.
func ValidAggregate(a AggregateType) bool {
	switch a {
	case AggregateRound, AggregateCheck, AggregateServiceCall:
		return true
	}
	return false
}
