package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEvent_RequiredFields(t *testing.T) {
	_, err := NewEvent(map[string]any{"tenant_id": float64(1)})
	require.ErrorIs(t, err, ErrMissingType)

	_, err = NewEvent(map[string]any{"type": "ROUND_READY"})
	require.ErrorIs(t, err, ErrMissingTenant)

	_, err = NewEvent(map[string]any{"type": "ROUND_READY", "tenant_id": float64(0)})
	require.ErrorIs(t, err, ErrMissingTenant)

	_, err = NewEvent(map[string]any{"type": "ROUND_READY", "tenant_id": float64(-3)})
	require.ErrorIs(t, err, ErrMissingTenant)
}

func TestNewEvent_IDSignConstraints(t *testing.T) {
	// branch_id 0 is permitted (tenant-wide)
	ev, err := NewEvent(map[string]any{
		"type": "ROUND_READY", "tenant_id": float64(1), "branch_id": float64(0),
	})
	require.NoError(t, err)
	require.Zero(t, ev.BranchID)

	_, err = NewEvent(map[string]any{
		"type": "ROUND_READY", "tenant_id": float64(1), "branch_id": float64(-1),
	})
	require.ErrorIs(t, err, ErrInvalidID)

	for _, key := range []string{"table_id", "session_id", "sector_id"} {
		_, err = NewEvent(map[string]any{
			"type": "ROUND_READY", "tenant_id": float64(1), key: float64(0),
		})
		require.ErrorIs(t, err, ErrInvalidID, key)
	}
}

func TestNewEvent_UnknownTypeTolerated(t *testing.T) {
	ev, err := NewEvent(map[string]any{"type": "SOMETHING_NEW", "tenant_id": float64(7)})
	require.NoError(t, err)
	require.False(t, ev.Type.Known())
}

func TestNewEvent_UnknownFieldThreshold(t *testing.T) {
	raw := map[string]any{"type": "ROUND_READY", "tenant_id": float64(1)}
	for i := 0; i < MaxUnknownFields; i++ {
		raw["x"+string(rune('a'+i))] = i
	}
	_, err := NewEvent(raw)
	require.NoError(t, err)

	raw["one_too_many"] = true
	_, err = NewEvent(raw)
	require.ErrorIs(t, err, ErrTooManyUnknowns)
}

func TestNewEvent_Redaction(t *testing.T) {
	ev, err := NewEvent(map[string]any{
		"type":      "CHECK_PAID",
		"tenant_id": float64(1),
		"entity": map[string]any{
			"check_id":    float64(9),
			"card_number": "4111111111111111",
			"customer": map[string]any{
				"email": "a@b.c",
				"name":  "Ana",
			},
			"items": []any{
				map[string]any{"name": "pizza", "api_key": "k"},
			},
		},
		"actor": map[string]any{"user_id": float64(3), "auth_token": "xyz"},
	})
	require.NoError(t, err)

	require.Equal(t, "[REDACTED]", ev.Entity["card_number"])
	customer := ev.Entity["customer"].(map[string]any)
	require.Equal(t, "[REDACTED]", customer["email"])
	require.Equal(t, "Ana", customer["name"])
	items := ev.Entity["items"].([]any)
	require.Equal(t, "[REDACTED]", items[0].(map[string]any)["api_key"])
	require.Equal(t, "[REDACTED]", ev.Actor["auth_token"])
	require.Equal(t, float64(9), ev.Entity["check_id"])
}

func TestEvent_RoundTrip(t *testing.T) {
	orig, err := NewEvent(map[string]any{
		"type":       "ROUND_READY",
		"tenant_id":  float64(4),
		"branch_id":  float64(10),
		"session_id": float64(42),
		"sector_id":  float64(3),
		"timestamp":  "2026-02-11T12:00:00Z",
		"v":          float64(2),
		"entity":     map[string]any{"round_id": float64(77)},
	})
	require.NoError(t, err)

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	again, err := NewEvent(decoded)
	require.NoError(t, err)

	require.Equal(t, orig.Type, again.Type)
	require.Equal(t, orig.TenantID, again.TenantID)
	require.Equal(t, orig.BranchID, again.BranchID)
	require.Equal(t, orig.SessionID, again.SessionID)
	require.Equal(t, orig.SectorID, again.SectorID)
	require.Equal(t, orig.Timestamp, again.Timestamp)
	require.Equal(t, orig.Version, again.Version)
}
