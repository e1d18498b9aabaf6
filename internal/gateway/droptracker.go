package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type dropSample struct {
	at      time.Time
	dropped bool
}

// DropTracker keeps a sliding window of processed/dropped marks so the
// metrics endpoint can expose a recent drop rate, and alerts (with a
// cooldown) when the rate crosses the threshold.
type DropTracker struct {
	mu sync.Mutex

	window        time.Duration
	maxSamples    int
	alertRate     float64
	alertCooldown time.Duration

	samples   []dropSample
	lastAlert time.Time

	now func() time.Time
	log zerolog.Logger
}

type DropStats struct {
	Processed int
	Dropped   int
	Rate      float64
}

func NewDropTracker(window time.Duration, maxSamples int, alertRate float64, cooldown time.Duration, log zerolog.Logger) *DropTracker {
	if window <= 0 {
		window = DefaultDropWindow
	}
	if maxSamples <= 0 {
		maxSamples = DefaultDropMaxSamples
	}
	if alertRate <= 0 {
		alertRate = DefaultDropAlertRate
	}
	if cooldown <= 0 {
		cooldown = DefaultDropAlertCooldown
	}
	return &DropTracker{
		window:        window,
		maxSamples:    maxSamples,
		alertRate:     alertRate,
		alertCooldown: cooldown,
		now:           time.Now,
		log:           log.With().Str("component", "drop_tracker").Logger(),
	}
}

func (d *DropTracker) RecordProcessed() { d.record(false) }
func (d *DropTracker) RecordDropped()   { d.record(true) }

func (d *DropTracker) record(dropped bool) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.samples = append(d.samples, dropSample{at: now, dropped: dropped})
	d.pruneLocked(now)

	if dropped {
		stats := d.statsLocked()
		if stats.Rate >= d.alertRate && now.Sub(d.lastAlert) >= d.alertCooldown {
			d.lastAlert = now
			d.log.Warn().
				Float64("drop_rate", stats.Rate).
				Int("dropped", stats.Dropped).
				Int("processed", stats.Processed).
				Msg("event drop rate above threshold")
		}
	}
}

func (d *DropTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-d.window)
	i := 0
	for i < len(d.samples) && !d.samples[i].at.After(cutoff) {
		i++
	}
	d.samples = d.samples[i:]
	if over := len(d.samples) - d.maxSamples; over > 0 {
		d.samples = d.samples[over:]
	}
}

func (d *DropTracker) statsLocked() DropStats {
	s := DropStats{}
	for _, smp := range d.samples {
		if smp.dropped {
			s.Dropped++
		} else {
			s.Processed++
		}
	}
	if total := s.Dropped + s.Processed; total > 0 {
		s.Rate = float64(s.Dropped) / float64(total)
	}
	return s
}

func (d *DropTracker) Stats() DropStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(d.now())
	return d.statsLocked()
}
