package store

import (
	"errors"
	"fmt"

	"github.com/masa-finance/scan-worker/internal/scan"
)

var (
	// ErrNotFound is returned when no record exists for the id
	ErrNotFound = errors.New("scan not found")

	// ErrAlreadyExists is returned when creating a record with a taken id
	ErrAlreadyExists = errors.New("scan already exists")

	// ErrStatusMismatch is returned when a conditional update observes another status
	ErrStatusMismatch = errors.New("scan status mismatch")

	// ErrImmutableField is returned when a mutation rewrites a set-once field
	ErrImmutableField = errors.New("immutable scan field changed")

	// ErrCorruptRecord is returned when a persisted document decodes to an impossible state
	ErrCorruptRecord = errors.New("corrupt scan record")
)

// StatusMismatchError carries the status that was actually persisted.
type StatusMismatchError struct {
	Expected scan.Status
	Actual   scan.Status
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("expected status %s, found %s", e.Expected, e.Actual)
}

func (e *StatusMismatchError) Is(target error) bool {
	return target == ErrStatusMismatch
}

// ActualStatus extracts the persisted status from a mismatch error.
func ActualStatus(err error) (scan.Status, bool) {
	var m *StatusMismatchError
	if errors.As(err, &m) {
		return m.Actual, true
	}
	return "", false
}

// ErrConflict is returned when optimistic retries keep losing to concurrent writers.
var ErrConflict = errors.New("scan record updated concurrently")
