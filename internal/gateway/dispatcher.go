package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher drains the bounded event queue into the router. A single
// goroutine runs it, so routing is strictly in arrival order.
type Dispatcher struct {
	queue   *EventQueue
	router  *Router
	drops   *DropTracker
	metrics *Metrics

	// dispatches slower than warnAfter are counted as callback timeouts
	warnAfter time.Duration

	now func() time.Time
	log zerolog.Logger
}

func NewDispatcher(queue *EventQueue, router *Router, drops *DropTracker, metrics *Metrics, warnAfter time.Duration, log zerolog.Logger) *Dispatcher {
	if warnAfter <= 0 {
		warnAfter = DefaultDispatchWarnAfter
	}
	return &Dispatcher{
		queue:     queue,
		router:    router,
		drops:     drops,
		metrics:   metrics,
		warnAfter: warnAfter,
		now:       time.Now,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run loops until ctx is canceled, then drains whatever is still queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.Drain()
			return
		case <-d.queue.Wait():
			d.Drain()
		}
	}
}

// Drain processes everything currently queued. Returns how many events were
// dispatched.
func (d *Dispatcher) Drain() int {
	n := 0
	for {
		item, ok := d.queue.Pop()
		if !ok {
			return n
		}
		d.dispatch(item)
		n++
	}
}

func (d *Dispatcher) dispatch(item QueuedEvent) {
	start := d.now()
	d.router.Dispatch(item.Event)
	elapsed := d.now().Sub(start)

	if elapsed > d.warnAfter {
		d.metrics.EventCallbackTimeouts.Add(1)
		d.log.Warn().
			Str("type", string(item.Event.Type)).
			Dur("elapsed", elapsed).
			Msg("slow event dispatch")
	}
	d.drops.RecordProcessed()
}
