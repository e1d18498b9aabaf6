package security

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Strategy authenticates an incoming upgrade request into a Principal.
// Endpoints compose strategies explicitly instead of switching on token
// shape at runtime.
type Strategy interface {
	Authenticate(r *http.Request) (Principal, error)
}

// RawToken extracts the bearer credential from ?token=<...> or the
// Authorization header. Endpoints that revalidate mid-connection keep the
// raw value around.
func RawToken(r *http.Request) string {
	return tokenFromRequest(r)
}

// tokenFromRequest accepts ?token=<...> or an Authorization: Bearer header.
func tokenFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// ---- staff JWT strategy ----

type staffClaims struct {
	TenantID  int64   `json:"tenant_id"`
	Roles     []string `json:"roles"`
	BranchIDs []int64 `json:"branch_ids"`
	TokenType string  `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// JWTStrategy verifies HS256 staff access tokens issued by the platform
// auth service. Refresh-type tokens are rejected.
type JWTStrategy struct {
	secret []byte
	issuer string
}

func NewJWTStrategy(secret, issuer string) *JWTStrategy {
	return &JWTStrategy{secret: []byte(secret), issuer: issuer}
}

func (s *JWTStrategy) Authenticate(r *http.Request) (Principal, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return Principal{}, ErrNoToken
	}
	return s.Verify(raw)
}

// Verify parses and validates a raw staff token. Exposed separately so the
// periodic in-connection revalidation can reuse it.
func (s *JWTStrategy) Verify(raw string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(raw, &staffClaims{}, func(t *jwt.Token) (any, error) {
		// prevent alg confusion
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*staffClaims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrTokenInvalid
	}
	if claims.TokenType == "refresh" {
		return Principal{}, ErrTokenInvalid
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return Principal{}, ErrTokenInvalid
	}

	userID, err := parseID(claims.Subject)
	if err != nil || userID <= 0 {
		return Principal{}, ErrTokenInvalid
	}
	if claims.TenantID <= 0 {
		return Principal{}, ErrTokenInvalid
	}

	exp := time.Time{}
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}

	return Principal{
		UserID:    userID,
		TenantID:  claims.TenantID,
		Roles:     claims.Roles,
		BranchIDs: claims.BranchIDs,
		Exp:       exp,
	}, nil
}

// ---- table-token strategy ----

type tableClaims struct {
	SessionID int64 `json:"session_id"`
	TableID   int64 `json:"table_id"`
	BranchID  int64 `json:"branch_id"`
	TenantID  int64 `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TableTokenStrategy verifies diner table tokens. The pseudo user id is
// -session_id so diners never collide with real staff ids in user-keyed
// maps.
type TableTokenStrategy struct {
	secret []byte
}

func NewTableTokenStrategy(secret string) *TableTokenStrategy {
	return &TableTokenStrategy{secret: []byte(secret)}
}

func (s *TableTokenStrategy) Authenticate(r *http.Request) (Principal, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return Principal{}, ErrNoToken
	}

	parsed, err := jwt.ParseWithClaims(raw, &tableClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*tableClaims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrTokenInvalid
	}
	if claims.SessionID <= 0 || claims.TableID <= 0 || claims.BranchID <= 0 || claims.TenantID <= 0 {
		return Principal{}, ErrTokenInvalid
	}

	exp := time.Time{}
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}

	return Principal{
		UserID:    -claims.SessionID,
		TenantID:  claims.TenantID,
		BranchIDs: []int64{claims.BranchID},
		SessionID: claims.SessionID,
		TableID:   claims.TableID,
		Exp:       exp,
	}, nil
}

// ---- composite ----

// Composite tries each strategy in order and returns the first success.
// The last error wins if nothing matches.
type Composite struct {
	strategies []Strategy
}

func NewComposite(strategies ...Strategy) *Composite {
	return &Composite{strategies: strategies}
}

func (c *Composite) Authenticate(r *http.Request) (Principal, error) {
	err := ErrNoToken
	for _, s := range c.strategies {
		p, e := s.Authenticate(r)
		if e == nil {
			return p, nil
		}
		err = e
	}
	return Principal{}, err
}

func parseID(s string) (int64, error) {
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, ErrTokenInvalid
		}
		id = id*10 + int64(c-'0')
	}
	if s == "" {
		return 0, ErrTokenInvalid
	}
	return id, nil
}
