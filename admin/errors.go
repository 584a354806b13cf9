package admin

import "errors"

// Sentinel errors for token verification.
var (
	ErrMissingToken      = errors.New("admin: missing bearer token")
	ErrInvalidToken      = errors.New("admin: invalid token")
	ErrTokenExpired      = errors.New("admin: token expired")
	ErrInsufficientScope = errors.New("admin: insufficient scope")
	ErrNoSecret          = errors.New("admin: signing secret is required")
)
