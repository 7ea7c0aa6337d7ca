// Package scan defines the lifecycle of a follower-extraction job: the legal
// states, the edges between them and the record that carries them.
//
// Nothing in this package knows about storage or transport. Stores persist a
// Record, the job server drives it, and the API projects it.
package scan

import (
	"fmt"

	"golang.org/x/exp/slices"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusDispatching     Status = "dispatching"
	StatusRunning         Status = "running"
	StatusAwaitingSession Status = "awaiting_session"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// edges lists every legal transition. awaiting_session -> running is the only
// edge that moves "backwards".
var edges = map[Status][]Status{
	StatusPending:         {StatusDispatching, StatusFailed},
	StatusDispatching:     {StatusRunning, StatusFailed},
	StatusRunning:         {StatusAwaitingSession, StatusCompleted, StatusFailed},
	StatusAwaitingSession: {StatusRunning, StatusFailed},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(edges[from], to)
}

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDispatching, StatusRunning, StatusAwaitingSession, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a persisted status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// ActiveStatuses are the statuses a watchdog has to look after.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusDispatching, StatusRunning, StatusAwaitingSession}
}
