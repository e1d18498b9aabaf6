package security

import "errors"

var (
	ErrTokenInvalid  = errors.New("token invalid")
	ErrTokenExpired  = errors.New("token expired")
	ErrRoleForbidden = errors.New("role not permitted on this endpoint")
	ErrNoToken       = errors.New("no token presented")
)
