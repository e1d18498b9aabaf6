package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/domain"
)

func mkEvent(t *testing.T, typ string) *domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(map[string]any{"type": typ, "tenant_id": float64(1)})
	require.NoError(t, err)
	return ev
}

func TestQueue_FIFO(t *testing.T) {
	q := NewEventQueue(3)

	require.False(t, q.Append(mkEvent(t, "A")))
	require.False(t, q.Append(mkEvent(t, "B")))
	require.Equal(t, 2, q.Len())

	item, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, domain.EventType("A"), item.Event.Type)
	require.False(t, item.EnqueuedAt.IsZero())

	item, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, domain.EventType("B"), item.Event.Type)

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestQueue_OldestDrop(t *testing.T) {
	q := NewEventQueue(2)

	q.Append(mkEvent(t, "A"))
	q.Append(mkEvent(t, "B"))
	dropped := q.Append(mkEvent(t, "C"))
	require.True(t, dropped)
	require.Equal(t, 2, q.Len())

	item, _ := q.Pop()
	require.Equal(t, domain.EventType("B"), item.Event.Type)
	item, _ = q.Pop()
	require.Equal(t, domain.EventType("C"), item.Event.Type)
}

func TestQueue_NotifyCoalesces(t *testing.T) {
	q := NewEventQueue(10)
	q.Append(mkEvent(t, "A"))
	q.Append(mkEvent(t, "B"))

	// one pending wake-up at most
	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-q.Wait():
		t.Fatal("notifications must coalesce")
	default:
	}
}
