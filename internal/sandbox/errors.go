package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when no sandbox slot is free
	ErrCapacityExceeded = errors.New("sandbox capacity exceeded")

	// ErrProvisionFailed is returned when the sandbox service could not create a sandbox
	ErrProvisionFailed = errors.New("sandbox provisioning failed")

	// ErrNonZeroExit matches every *ExitError
	ErrNonZeroExit = errors.New("command exited with non-zero status")

	// ErrTimeout is returned when an artifact did not appear in time
	ErrTimeout = errors.New("timed out waiting for sandbox artifact")

	// ErrNotFound is returned while a sandbox file does not exist yet
	ErrNotFound = errors.New("sandbox file not found")

	// ErrTransient marks sandbox service failures worth retrying, such as 5xx
	// answers or a dropped connection
	ErrTransient = errors.New("transient sandbox service error")

	// ErrUnknownSandbox is returned for handles the provider does not know
	ErrUnknownSandbox = errors.New("unknown sandbox")

	// ErrInvalidArtifact is returned for unreadable result or progress files
	ErrInvalidArtifact = errors.New("invalid sandbox artifact")

	// ErrAuthRequired is returned by extractors that hit a login wall
	ErrAuthRequired = errors.New("authentication required")
)

// ExitError carries the exit status of a failed command.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited with code %d", e.Code)
	}
	return fmt.Sprintf("command exited with code %d: %s", e.Code, e.Stderr)
}

func (e *ExitError) Is(target error) bool {
	return target == ErrNonZeroExit
}
