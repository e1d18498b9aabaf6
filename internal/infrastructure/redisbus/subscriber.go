package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/gateway"
)

// subscribePatterns is the full channel surface the gateway listens on.
var subscribePatterns = []string{
	"branch:*:waiters",
	"branch:*:kitchen",
	"branch:*:admin",
	"sector:*:waiters",
	"session:*",
}

// ErrReconnectExhausted is returned when the subscriber gives up; the
// process supervisor decides what happens next.
var ErrReconnectExhausted = errors.New("redisbus: reconnect attempts exhausted")

// Subscriber pattern-subscribes to the bus and feeds validated events into
// the bounded gateway queue. Receive uses a short per-poll timeout so
// cancellation and reconnects stay responsive. The circuit breaker gates
// reconnect attempts only; an idle-bus poll timeout is neutral, so a quiet
// bus can never flip breaker state. Reconnects back off exponentially with
// jitter.
type Subscriber struct {
	client  *redis.Client
	queue   *gateway.EventQueue
	breaker *gateway.CircuitBreaker
	drops   *gateway.DropTracker
	metrics *gateway.Metrics

	maxMessageSize int
	receiveTimeout time.Duration
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	dropLogEvery   int

	pubsub    *redis.PubSub
	dropCount uint64

	jitter func() float64
	sleep  func(context.Context, time.Duration)
	log    zerolog.Logger
}

type SubscriberOptions struct {
	MaxMessageSize int
	ReceiveTimeout time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

func NewSubscriber(client *redis.Client, queue *gateway.EventQueue, breaker *gateway.CircuitBreaker, drops *gateway.DropTracker, metrics *gateway.Metrics, opts SubscriberOptions, log zerolog.Logger) *Subscriber {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &Subscriber{
		client:         client,
		queue:          queue,
		breaker:        breaker,
		drops:          drops,
		metrics:        metrics,
		maxMessageSize: opts.MaxMessageSize,
		receiveTimeout: opts.ReceiveTimeout,
		maxAttempts:    opts.MaxAttempts,
		baseDelay:      opts.BaseDelay,
		maxDelay:       opts.MaxDelay,
		dropLogEvery:   gateway.DefaultDropLogEvery,
		jitter:         rand.Float64,
		sleep:          sleepCtx,
		log:            log.With().Str("component", "bus_subscriber").Logger(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run subscribes and pumps messages until ctx is canceled or reconnect
// attempts run out.
func (s *Subscriber) Run(ctx context.Context) error {
	attempt := 0

	for {
		if ctx.Err() != nil {
			s.teardown()
			return ctx.Err()
		}

		if s.pubsub == nil {
			if err := s.breaker.Allow(); err != nil {
				s.sleep(ctx, s.baseDelay)
				continue
			}
			if err := s.subscribe(ctx); err != nil {
				s.breaker.RecordFailure()
				attempt++
				if attempt >= s.maxAttempts {
					return fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, err)
				}
				s.log.Warn().Err(err).Int("attempt", attempt).Msg("subscribe failed, backing off")
				s.sleep(ctx, s.backoff(attempt))
				continue
			}
			// a live subscription closes a half-open circuit; waiting for
			// the first message would wedge forever on an idle bus
			s.breaker.RecordSuccess()
			attempt = 0
		}

		msg, err := s.pubsub.ReceiveTimeout(ctx, s.receiveTimeout)
		if err != nil {
			if isPollTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				s.teardown()
				return ctx.Err()
			}
			s.breaker.RecordFailure()
			s.teardown()
			attempt++
			if attempt >= s.maxAttempts {
				return fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, err)
			}
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("bus receive failed, reconnecting")
			s.sleep(ctx, s.backoff(attempt))
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			s.breaker.RecordSuccess()
			attempt = 0
			s.handleMessage(m.Channel, m.Payload)
		case *redis.Subscription:
			s.log.Info().Str("channel", m.Channel).Str("kind", m.Kind).Msg("subscription state")
		}
	}
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	ps := s.client.PSubscribe(ctx, subscribePatterns...)
	// force the subscribe round-trip so failures surface here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("psubscribe: %w", err)
	}
	s.pubsub = ps
	s.log.Info().Strs("patterns", subscribePatterns).Msg("bus subscribed")
	return nil
}

func (s *Subscriber) teardown() {
	if s.pubsub != nil {
		_ = s.pubsub.Close()
		s.pubsub = nil
	}
}

func (s *Subscriber) handleMessage(channel, payload string) {
	if len(payload) > s.maxMessageSize {
		s.metrics.EventsInvalidSchema.Add(1)
		s.log.Warn().Str("channel", channel).Int("size", len(payload)).Msg("oversized bus message dropped")
		return
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		s.metrics.EventsInvalidSchema.Add(1)
		s.log.Warn().Err(err).Str("channel", channel).Msg("undecodable bus message dropped")
		return
	}

	ev, err := domain.NewEvent(raw)
	if err != nil {
		s.metrics.EventsInvalidSchema.Add(1)
		s.log.Warn().Err(err).Str("channel", channel).Msg("invalid event dropped")
		return
	}

	if dropped := s.queue.Append(ev); dropped {
		s.metrics.EventsDropped.Add(1)
		s.drops.RecordDropped()
		s.dropCount++
		switch {
		case s.dropCount == 1:
			s.log.Error().Str("channel", channel).Msg("event queue full, oldest event dropped")
		case s.dropCount%uint64(s.dropLogEvery) == 0:
			s.log.Warn().Uint64("drops", s.dropCount).Msg("event queue still dropping")
		}
	}
}

// backoff is min(maxDelay, base * 2^attempt) scaled by jitter in [0.5, 1.0].
func (s *Subscriber) backoff(attempt int) time.Duration {
	d := s.baseDelay
	for i := 0; i < attempt && d < s.maxDelay; i++ {
		d *= 2
	}
	if d > s.maxDelay {
		d = s.maxDelay
	}
	scale := 0.5 + s.jitter()/2
	return time.Duration(float64(d) * scale)
}

func isPollTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
