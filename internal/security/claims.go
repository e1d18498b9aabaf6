package security

import "time"

// Role values carried in staff JWTs.
const (
	RoleWaiter  = "WAITER"
	RoleKitchen = "KITCHEN"
	RoleManager = "MANAGER"
	RoleAdmin   = "ADMIN"
)

// Principal is the authenticated identity attached to a gateway connection.
// Staff principals come from JWTs; diner principals from table tokens and
// carry the negative pseudo user id (-SessionID).
type Principal struct {
	UserID    int64
	TenantID  int64
	Roles     []string
	BranchIDs []int64

	// Diner-only fields.
	SessionID int64
	TableID   int64

	Exp time.Time
}

// HasRole reports whether the principal carries any of the wanted roles.
func (p Principal) HasRole(wanted ...string) bool {
	for _, w := range wanted {
		for _, r := range p.Roles {
			if r == w {
				return true
			}
		}
	}
	return false
}

// IsDiner reports whether this principal came from a table token.
func (p Principal) IsDiner() bool {
	return p.SessionID > 0 && p.UserID < 0
}
