package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDropTracker_RateAndWindow(t *testing.T) {
	d := NewDropTracker(60*time.Second, 1000, 0.5, time.Minute, zerolog.Nop())
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	for i := 0; i < 8; i++ {
		d.RecordProcessed()
	}
	d.RecordDropped()
	d.RecordDropped()

	s := d.Stats()
	require.Equal(t, 8, s.Processed)
	require.Equal(t, 2, s.Dropped)
	require.InDelta(t, 0.2, s.Rate, 1e-9)

	// everything ages out of the window
	base = base.Add(2 * time.Minute)
	s = d.Stats()
	require.Zero(t, s.Processed)
	require.Zero(t, s.Dropped)
	require.Zero(t, s.Rate)
}

func TestDropTracker_MaxSamplesEnforced(t *testing.T) {
	d := NewDropTracker(time.Hour, 10, 0.99, time.Minute, zerolog.Nop())
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	for i := 0; i < 50; i++ {
		d.RecordProcessed()
	}
	s := d.Stats()
	require.Equal(t, 10, s.Processed)
}
