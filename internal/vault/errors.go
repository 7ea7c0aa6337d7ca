package vault

import "errors"

var (
	// ErrInvalidSessionMaterial is returned when a submission carries no usable cookies
	ErrInvalidSessionMaterial = errors.New("session material must contain cookies")

	// ErrNoSession is returned when no material is stored for the key
	ErrNoSession = errors.New("no session stored")

	// ErrSessionExpired is returned when stored material is stale, exhausted or invalidated
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidClaim is returned for malformed anonymous ids or owners
	ErrInvalidClaim = errors.New("invalid session claim")
)
