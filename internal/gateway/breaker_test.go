package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(5, 30*time.Second, 3, zerolog.Nop())
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	now := &base
	cb.now = func() time.Time { return *now }
	return cb, now
}

func TestBreaker_OpensOnThreshold(t *testing.T) {
	cb, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		require.Equal(t, StateClosed, cb.State())
	}
	cb.RecordFailure() // 5th consecutive failure
	require.Equal(t, StateOpen, cb.State())

	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	require.Equal(t, uint64(1), cb.Stats().RejectedCalls)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateClosed, cb.State())
}

func TestBreaker_RecoveryProbeCycle(t *testing.T) {
	cb, now := newTestBreaker()

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	// before recovery timeout: rejected
	*now = now.Add(29 * time.Second)
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// after recovery: half-open admits up to 3 probes
	*now = now.Add(2 * time.Second)
	require.NoError(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Allow())
	require.NoError(t, cb.Allow())
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// first probe success closes
	cb.RecordSuccess()
	require.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker()

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	*now = now.Add(31 * time.Second)
	require.NoError(t, cb.Allow())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	// a fresh recovery window starts from the reopen
	*now = now.Add(31 * time.Second)
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	require.Equal(t, StateClosed, cb.State())
}
