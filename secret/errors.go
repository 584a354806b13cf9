package secret

import "errors"

// Sentinel errors for secret resolution.
var (
	ErrMissingEnv       = errors.New("secret: missing required environment variables")
	ErrProviderNotFound = errors.New("secret: provider is not registered")
	ErrInvalidRef       = errors.New("secret: invalid reference")
	ErrEmptySecret      = errors.New("secret: provider returned empty value")
	ErrNotFound         = errors.New("secret: not found")
)
