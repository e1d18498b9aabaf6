package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	mu          sync.Mutex
	sent        [][]byte
	failSend    bool // Send returns an error
	notAlive    bool // Alive reports false without the peer being closed
	closed      bool
	closeCode   int
	closeReason string
}

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSend || p.closed {
		return errSendFailed
	}
	p.sent = append(p.sent, data)
	return nil
}

func (p *fakePeer) Close(code int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.closeCode = code
		p.closeReason = reason
	}
	return nil
}

func (p *fakePeer) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && !p.notAlive
}

func (p *fakePeer) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

var errSendFailed = errSend{}

type errSend struct{}

func (errSend) Error() string { return "send failed" }

func newTestConn() *Connection { return NewConnection(&fakePeer{}) }

func TestHeartbeat_StaleDetection(t *testing.T) {
	h := NewHeartbeatTracker(60 * time.Second)
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	c := newTestConn()

	// unknown connections are stale
	require.True(t, h.IsStale(c))

	h.Record(c)
	require.False(t, h.IsStale(c))

	base = base.Add(61 * time.Second)
	require.True(t, h.IsStale(c))
}

func TestHeartbeat_LastBeatUnknownReturnsNow(t *testing.T) {
	h := NewHeartbeatTracker(60 * time.Second)
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	require.Equal(t, base, h.LastBeat(newTestConn()))
}

func TestHeartbeat_CleanupStaleAtomic(t *testing.T) {
	h := NewHeartbeatTracker(60 * time.Second)
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	fresh, old := newTestConn(), newTestConn()
	h.Record(old)
	base = base.Add(90 * time.Second)
	h.Record(fresh)

	removed := h.CleanupStale()
	require.Equal(t, []*Connection{old}, removed)
	require.Equal(t, 1, h.Tracked())
	require.False(t, h.IsStale(fresh))
	require.True(t, h.IsStale(old)) // no longer tracked => stale
}
