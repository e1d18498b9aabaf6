package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/gateway"
)

func newTestSubscriber(t *testing.T) (*Subscriber, *miniredis.Miniredis, *gateway.EventQueue, *gateway.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := gateway.NewEventQueue(10)
	m := gateway.NewMetrics()
	cb := gateway.NewCircuitBreaker(5, 30*time.Second, 3, zerolog.Nop())
	drops := gateway.NewDropTracker(time.Minute, 1000, 0.5, time.Minute, zerolog.Nop())
	s := NewSubscriber(client, q, cb, drops, m, SubscriberOptions{
		ReceiveTimeout: 50 * time.Millisecond,
		MaxAttempts:    3,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       50 * time.Millisecond,
	}, zerolog.Nop())
	return s, mr, q, m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSubscriber_DeliversValidEvents(t *testing.T) {
	s, mr, q, _ := newTestSubscriber(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool {
		return mr.Publish("branch:10:waiters", `{"type":"ROUND_READY","tenant_id":1,"branch_id":10,"session_id":42}`) > 0
	})

	waitFor(t, func() bool { return q.Len() > 0 })
	item, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, domain.RoundReady, item.Event.Type)
	require.Equal(t, int64(42), item.Event.SessionID)
	require.False(t, item.EnqueuedAt.IsZero())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSubscriber_InvalidPayloadsCounted(t *testing.T) {
	s, mr, q, m := newTestSubscriber(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitFor(t, func() bool {
		return mr.Publish("branch:10:waiters", `not json`) > 0
	})
	waitFor(t, func() bool { return m.EventsInvalidSchema.Load() >= 1 })

	// missing tenant_id fails event validation
	mr.Publish("branch:10:waiters", `{"type":"ROUND_READY"}`)
	waitFor(t, func() bool { return m.EventsInvalidSchema.Load() >= 2 })

	require.Zero(t, q.Len())
}

func TestSubscriber_OversizedMessageDropped(t *testing.T) {
	s, mr, q, m := newTestSubscriber(t)
	s.maxMessageSize = 16

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitFor(t, func() bool {
		return mr.Publish("branch:10:waiters", `{"type":"ROUND_READY","tenant_id":1,"branch_id":10}`) > 0
	})
	waitFor(t, func() bool { return m.EventsInvalidSchema.Load() >= 1 })
	require.Zero(t, q.Len())
}

// An open circuit must heal against a healthy bus even when the bus is idle:
// the half-open probe budget may only be spent on subscribe attempts, never
// on empty polls.
func TestSubscriber_RecoversAfterBreakerOpens(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := gateway.NewEventQueue(10)
	m := gateway.NewMetrics()
	cb := gateway.NewCircuitBreaker(3, 50*time.Millisecond, 3, zerolog.Nop())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, gateway.StateOpen, cb.State())

	drops := gateway.NewDropTracker(time.Minute, 1000, 0.5, time.Minute, zerolog.Nop())
	s := NewSubscriber(client, q, cb, drops, m, SubscriberOptions{
		ReceiveTimeout: 20 * time.Millisecond,
		MaxAttempts:    10,
		BaseDelay:      10 * time.Millisecond,
		MaxDelay:       50 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	// let several empty poll cycles pass after the recovery timeout before
	// the first real message shows up
	time.Sleep(200 * time.Millisecond)

	waitFor(t, func() bool {
		return mr.Publish("branch:10:waiters", `{"type":"ROUND_READY","tenant_id":1,"branch_id":10}`) > 0
	})
	waitFor(t, func() bool { return q.Len() > 0 })
	require.Equal(t, gateway.StateClosed, cb.State())
}

func TestSubscriber_ReconnectExhaustion(t *testing.T) {
	s, mr, _, _ := newTestSubscriber(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Run(ctx)
	require.ErrorIs(t, err, ErrReconnectExhausted)
}

func TestSubscriber_BackoffBounds(t *testing.T) {
	s, _, _, _ := newTestSubscriber(t)
	s.baseDelay = 100 * time.Millisecond
	s.maxDelay = time.Second
	s.jitter = func() float64 { return 1 } // scale 1.0

	require.Equal(t, 200*time.Millisecond, s.backoff(1))
	require.Equal(t, 400*time.Millisecond, s.backoff(2))
	require.Equal(t, time.Second, s.backoff(10)) // capped

	s.jitter = func() float64 { return 0 } // scale 0.5
	require.Equal(t, 100*time.Millisecond, s.backoff(1))
}
