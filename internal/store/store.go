// Package store persists scan records. Every write that changes a record goes
// through Update, a compare-and-swap on the persisted status, so concurrent
// writers (the job task, the signal channel, the watchdog) can never apply two
// conflicting transitions.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/masa-finance/scan-worker/internal/scan"
)

// Mutation edits a private copy of the record. Returning an error aborts the
// write.
type Mutation func(*scan.Record) error

type Store interface {
	// Create inserts a new record and stamps its timestamps.
	Create(ctx context.Context, rec *scan.Record) (*scan.Record, error)

	// Get is a pure read.
	Get(ctx context.Context, id string) (*scan.Record, error)

	// Update applies mutate only if the persisted status equals expected.
	Update(ctx context.Context, id string, expected scan.Status, mutate Mutation) (*scan.Record, error)

	// ListActive returns non-terminal records last written before the cutoff.
	ListActive(ctx context.Context, updatedBefore time.Time) ([]*scan.Record, error)

	Close() error
}

// Clock returns the server time used for timestamps.
type Clock func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}

// apply runs a mutation on a copy of current and checks the outcome against
// the state machine and the set-once fields.
func apply(current *scan.Record, expected scan.Status, mutate Mutation, now time.Time) (*scan.Record, error) {
	if current.Status() != expected {
		return nil, &StatusMismatchError{Expected: expected, Actual: current.Status()}
	}
	if expected.IsTerminal() {
		return nil, &scan.TransitionError{From: expected, To: expected, Err: scan.ErrTerminal}
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	if next.Status() != expected && !scan.CanTransition(expected, next.Status()) {
		return nil, &scan.TransitionError{From: expected, To: next.Status(), Err: scan.ErrIllegalTransition}
	}
	if err := checkImmutable(current, next); err != nil {
		return nil, err
	}

	next.Touch(now)
	return next, nil
}

func checkImmutable(prev, next *scan.Record) error {
	switch {
	case next.ID != prev.ID:
		return fmt.Errorf("%w: scanId", ErrImmutableField)
	case next.OwnerID != prev.OwnerID:
		return fmt.Errorf("%w: ownerId", ErrImmutableField)
	case next.TargetHandle != prev.TargetHandle:
		return fmt.Errorf("%w: targetHandle", ErrImmutableField)
	case !next.CreatedAt.Equal(prev.CreatedAt):
		return fmt.Errorf("%w: createdAt", ErrImmutableField)
	case prev.SandboxID() != "" && next.SandboxID() != prev.SandboxID():
		return fmt.Errorf("%w: sandboxId", ErrImmutableField)
	case next.Progress < prev.Progress:
		return fmt.Errorf("%w: progress decreased", ErrImmutableField)
	}
	return nil
}

func prepareCreate(rec *scan.Record, now time.Time) (*scan.Record, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("scan id is required")
	}
	if rec.Status() != scan.StatusPending {
		return nil, &scan.TransitionError{From: rec.Status(), To: scan.StatusPending, Err: scan.ErrIllegalTransition}
	}
	c := rec.Clone()
	c.State = scan.Pending{}
	c.CreatedAt = time.Time{}
	c.Touch(now)
	return c, nil
}
