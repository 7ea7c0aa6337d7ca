package auth

import "errors"

var (
	// ErrUnauthorized is returned for a missing, malformed or expired token
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTierRequired is returned when the principal's tier may not start scans
	ErrTierRequired = errors.New("a paid tier is required to start scans")

	// ErrQuotaExceeded is returned when the principal ran out of scan quota
	ErrQuotaExceeded = errors.New("scan quota exceeded")
)
