package scan

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is returned when an edge is not in the transition table
	ErrIllegalTransition = errors.New("illegal scan transition")

	// ErrTerminal is returned when mutating a completed or failed scan
	ErrTerminal = errors.New("scan is in a terminal state")

	// ErrInvalidHandle is returned for empty or malformed target handles
	ErrInvalidHandle = errors.New("invalid target handle")

	// ErrInvalidScanID is returned for scan ids that are empty, too long or
	// contain characters outside [A-Za-z0-9_-]
	ErrInvalidScanID = errors.New("invalid scan id")

	// ErrMissingSandbox is returned when starting a scan without a sandbox id
	ErrMissingSandbox = errors.New("sandbox id is required")

	// ErrUnknownStatus is returned when decoding an unknown status value
	ErrUnknownStatus = errors.New("unknown scan status")

	// ErrInvalidProgress is returned for progress values outside 0-100
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	From Status
	To   Status
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("scan %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// ErrorKind is the machine-readable classification stored with a failed scan.
type ErrorKind string

const (
	KindCapacityExceeded ErrorKind = "CapacityExceeded"
	KindProvisionFailed  ErrorKind = "ProvisionFailed"
	KindNonZeroExit      ErrorKind = "NonZeroExit"
	KindArtifactTimeout  ErrorKind = "ArtifactTimeout"
	KindArtifactInvalid  ErrorKind = "ArtifactInvalid"
	KindExtractionFailed ErrorKind = "ExtractionFailed"
	KindAuthTimeout      ErrorKind = "AuthTimeout"
	KindAuthAbandoned    ErrorKind = "AuthAbandoned"
	KindJobTimeout       ErrorKind = "JobTimeout"
	KindInterrupted      ErrorKind = "Interrupted"
	KindQueueFull        ErrorKind = "QueueFull"
	KindInternal         ErrorKind = "Internal"
)

var defaultMessages = map[ErrorKind]string{
	KindCapacityExceeded: "sandbox capacity exceeded, try again later",
	KindProvisionFailed:  "failed to provision a sandbox",
	KindNonZeroExit:      "extraction command exited with an error",
	KindArtifactTimeout:  "extraction did not produce a result in time",
	KindArtifactInvalid:  "extraction produced an unreadable result",
	KindExtractionFailed: "extraction failed",
	KindAuthTimeout:      "authentication was not completed in time",
	KindAuthAbandoned:    "authentication session ended before extraction resumed",
	KindJobTimeout:       "scan exceeded its maximum run time",
	KindInterrupted:      "scan was interrupted by a worker shutdown",
	KindQueueFull:        "scan queue is full",
	KindInternal:         "internal error",
}

// Message returns the default human readable message for the kind.
func (k ErrorKind) Message() string {
	if m, ok := defaultMessages[k]; ok {
		return m
	}
	return string(k)
}

// IsAuthFailure reports whether the client should prompt for re-authentication.
func (k ErrorKind) IsAuthFailure() bool {
	return k == KindAuthTimeout || k == KindAuthAbandoned
}

// ErrorDetails is persisted next to the human readable error.
type ErrorDetails struct {
	Kind     ErrorKind `json:"kind"`
	ExitCode int       `json:"exitCode,omitempty"`
	Cause    string    `json:"cause,omitempty"`
}
