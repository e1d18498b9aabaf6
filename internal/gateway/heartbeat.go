package gateway

import (
	"sync"
	"time"
)

// HeartbeatTracker records per-connection last-activity timestamps. Any
// inbound frame counts as activity. Connections it has never seen are
// considered stale.
type HeartbeatTracker struct {
	mu      sync.Mutex
	last    map[*Connection]time.Time
	timeout time.Duration
	now     func() time.Time
}

func NewHeartbeatTracker(timeout time.Duration) *HeartbeatTracker {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &HeartbeatTracker{
		last:    make(map[*Connection]time.Time),
		timeout: timeout,
		now:     time.Now,
	}
}

// Record marks activity for c at the current time.
func (h *HeartbeatTracker) Record(c *Connection) {
	h.RecordAt(c, h.now())
}

// RecordAt marks activity for c at an explicit timestamp.
func (h *HeartbeatTracker) RecordAt(c *Connection, ts time.Time) {
	h.mu.Lock()
	h.last[c] = ts
	h.mu.Unlock()
}

// IsStale reports whether c has been silent longer than the timeout.
// Unknown connections are stale.
func (h *HeartbeatTracker) IsStale(c *Connection) bool {
	h.mu.Lock()
	ts, ok := h.last[c]
	h.mu.Unlock()
	if !ok {
		return true
	}
	return h.now().Sub(ts) > h.timeout
}

// LastBeat returns the recorded activity time. Unknown connections report
// the current time so they are never classified as the oldest.
func (h *HeartbeatTracker) LastBeat(c *Connection) time.Time {
	h.mu.Lock()
	ts, ok := h.last[c]
	h.mu.Unlock()
	if !ok {
		return h.now()
	}
	return ts
}

// CleanupStale atomically removes and returns every stale connection.
func (h *HeartbeatTracker) CleanupStale() []*Connection {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	var stale []*Connection
	for c, ts := range h.last {
		if now.Sub(ts) > h.timeout {
			stale = append(stale, c)
			delete(h.last, c)
		}
	}
	return stale
}

// Forget drops tracking for a disconnected connection.
func (h *HeartbeatTracker) Forget(c *Connection) {
	h.mu.Lock()
	delete(h.last, c)
	h.mu.Unlock()
}

// Tracked returns how many connections are currently tracked.
func (h *HeartbeatTracker) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.last)
}
