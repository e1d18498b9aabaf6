package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker guards the bus subscription. CLOSED counts consecutive
// failures; hitting the threshold opens the circuit. OPEN rejects all calls
// until the recovery timeout elapses, then HALF_OPEN admits a bounded number
// of probes: the first success closes the circuit, any failure reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMax      int

	state         BreakerState
	failures      int
	halfOpenCalls int
	openedAt      time.Time
	rejected      uint64

	now func() time.Time
	log zerolog.Logger
}

type BreakerStats struct {
	State         string
	Failures      int
	RejectedCalls uint64
}

func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, halfOpenMax int, log zerolog.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultBreakerFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultBreakerRecoveryTimeout
	}
	if halfOpenMax <= 0 {
		halfOpenMax = DefaultBreakerHalfOpenMax
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMax:      halfOpenMax,
		state:            StateClosed,
		now:              time.Now,
		log:              log.With().Str("component", "circuit_breaker").Logger(),
	}
}

// Allow reports whether a call may proceed. Returns ErrCircuitOpen while the
// circuit rejects.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.recoveryTimeout {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenCalls = 1
		return nil
	default: // StateHalfOpen
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
		return nil
	}
}

// RecordSuccess notes a successful call. The first half-open success closes
// the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transitionLocked(StateClosed)
	}
}

// RecordFailure notes a failed call. The threshold-th consecutive closed
// failure, or any half-open failure, opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked guards against same-state transitions so duplicate log
// lines and counter bumps cannot happen.
func (cb *CircuitBreaker) transitionLocked(to BreakerState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to

	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		cb.log.Warn().Str("from", from.String()).Msg("circuit opened")
	case StateHalfOpen:
		cb.log.Info().Msg("circuit half-open, probing")
	case StateClosed:
		cb.failures = 0
		cb.log.Info().Str("from", from.String()).Msg("circuit closed")
	}
}

// State returns the current state (OPEN may lazily become HALF_OPEN on the
// next Allow; State reports the stored value).
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:         cb.state.String(),
		Failures:      cb.failures,
		RejectedCalls: cb.rejected,
	}
}
