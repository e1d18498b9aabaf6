package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingType     = errors.New("event: missing event_type")
	ErrMissingTenant   = errors.New("event: missing or invalid tenant_id")
	ErrInvalidID       = errors.New("event: id field violates sign constraint")
	ErrTooManyUnknowns = errors.New("event: unknown field count exceeds safety threshold")
	ErrBadPayload      = errors.New("event: malformed payload")
)

// MaxUnknownFields bounds how many unrecognized top-level keys a single
// event may carry before construction is rejected.
const MaxUnknownFields = 10

// sensitiveFragments is the field-name denylist; any key containing one of
// these fragments (case-insensitive) has its value masked before the event
// is stored or logged.
var sensitiveFragments = []string{
	"password", "token", "secret", "card", "email",
	"phone", "address", "cpf", "api_key", "authorization",
}

const redactedPlaceholder = "[REDACTED]"

var wellKnownFields = map[string]struct{}{
	"type": {}, "event_type": {}, "tenant_id": {}, "branch_id": {},
	"table_id": {}, "session_id": {}, "sector_id": {},
	"entity": {}, "actor": {}, "timestamp": {}, "v": {},
}

// Event is the immutable, validated form of a bus message. Construct it
// with NewEvent; zero values of optional IDs mean "absent".
type Event struct {
	Type      EventType
	TenantID  int64
	BranchID  int64 // 0 permitted: tenant-wide
	TableID   int64
	SessionID int64
	SectorID  int64
	Entity    map[string]any
	Actor     map[string]any
	Timestamp string // ISO-8601, optional
	Version   int
}

// NewEvent validates and deep-copies a raw decoded payload into an Event.
// Sensitive values are masked during the copy, so the stored maps are safe
// to log and to fan out.
func NewEvent(raw map[string]any) (*Event, error) {
	if raw == nil {
		return nil, ErrBadPayload
	}

	typStr, _ := firstString(raw, "type", "event_type")
	if strings.TrimSpace(typStr) == "" {
		return nil, ErrMissingType
	}

	unknown := 0
	for k := range raw {
		if _, ok := wellKnownFields[k]; !ok {
			unknown++
		}
	}
	if unknown > MaxUnknownFields {
		return nil, fmt.Errorf("%w: %d unknown fields", ErrTooManyUnknowns, unknown)
	}

	ev := &Event{Type: EventType(typStr)}

	tenant, ok, err := intField(raw, "tenant_id")
	if err != nil || !ok || tenant <= 0 {
		return nil, ErrMissingTenant
	}
	ev.TenantID = tenant

	if v, ok, err := intField(raw, "branch_id"); err != nil {
		return nil, err
	} else if ok {
		if v < 0 {
			return nil, fmt.Errorf("%w: branch_id=%d", ErrInvalidID, v)
		}
		ev.BranchID = v
	}

	for _, f := range []struct {
		key string
		dst *int64
	}{
		{"table_id", &ev.TableID},
		{"session_id", &ev.SessionID},
		{"sector_id", &ev.SectorID},
	} {
		v, ok, err := intField(raw, f.key)
		if err != nil {
			return nil, err
		}
		if ok {
			if v <= 0 {
				return nil, fmt.Errorf("%w: %s=%d", ErrInvalidID, f.key, v)
			}
			*f.dst = v
		}
	}

	if m, ok := raw["entity"].(map[string]any); ok {
		ev.Entity = redactMap(m)
	}
	if m, ok := raw["actor"].(map[string]any); ok {
		ev.Actor = redactMap(m)
	}
	if ts, ok := raw["timestamp"].(string); ok {
		ev.Timestamp = ts
	}
	if v, ok, err := intField(raw, "v"); err == nil && ok && v > 0 {
		ev.Version = int(v)
	}

	return ev, nil
}

// ToDict renders the event as the wire-format map sent to clients.
func (e *Event) ToDict() map[string]any {
	out := map[string]any{
		"type":      string(e.Type),
		"tenant_id": e.TenantID,
	}
	if e.BranchID > 0 {
		out["branch_id"] = e.BranchID
	}
	if e.TableID > 0 {
		out["table_id"] = e.TableID
	}
	if e.SessionID > 0 {
		out["session_id"] = e.SessionID
	}
	if e.SectorID > 0 {
		out["sector_id"] = e.SectorID
	}
	if e.Entity != nil {
		out["entity"] = e.Entity
	}
	if e.Actor != nil {
		out["actor"] = e.Actor
	}
	if e.Timestamp != "" {
		out["timestamp"] = e.Timestamp
	}
	if e.Version > 0 {
		out["v"] = e.Version
	}
	return out
}

func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToDict())
}

// redactMap deep-copies m, masking any value whose key matches the
// sensitive-field denylist. Nested maps and slices are walked too.
func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = redactValue(item)
		}
		return cp
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lk, frag) {
			return true
		}
	}
	return false
}

func firstString(raw map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok {
			return s, true
		}
	}
	return "", false
}

// intField reads an integer-valued field that may arrive as json float64,
// json.Number, int or int64.
func intField(raw map[string]any, key string) (int64, bool, error) {
	v, present := raw[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true, nil
	case int:
		return int64(t), true, nil
	case int64:
		return t, true, nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("%w: field %s", ErrBadPayload, key)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("%w: field %s has type %T", ErrBadPayload, key, v)
	}
}
