package gateway

import (
	"sync"
	"time"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
)

// QueuedEvent is an event awaiting dispatch, annotated with when it was
// enqueued.
type QueuedEvent struct {
	Event      *domain.Event
	EnqueuedAt time.Time
}

// EventQueue is the bounded FIFO between the bus subscriber and the
// dispatcher. Overflow policy is oldest-drop: appending to a full queue
// discards the head and reports the drop.
type EventQueue struct {
	mu    sync.Mutex
	max   int
	items []QueuedEvent

	// notify wakes the dispatcher; capacity 1 coalesces bursts.
	notify chan struct{}

	now func() time.Time
}

func NewEventQueue(max int) *EventQueue {
	if max <= 0 {
		max = DefaultQueueSize
	}
	return &EventQueue{
		max:    max,
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Append enqueues ev, dropping the oldest entry if the queue is full.
// Returns true when a drop happened.
func (q *EventQueue) Append(ev *domain.Event) (dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, QueuedEvent{Event: ev, EnqueuedAt: q.now()})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes and returns the oldest queued event.
func (q *EventQueue) Pop() (QueuedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedEvent{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait returns the channel the dispatcher blocks on for new work.
func (q *EventQueue) Wait() <-chan struct{} {
	return q.notify
}
