// Package signal carries the live-session control messages a client sends
// while a scan waits for authentication. Signals never carry session
// material; they only move the scan record and wake the task waiting on it.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/scan-worker/internal/scan"
	"github.com/masa-finance/scan-worker/internal/store"
)

type Action string

const (
	ActionStartExtraction Action = "start_extraction"
	ActionSessionEnded    Action = "session_ended"
)

// ErrUnknownAction is returned for actions other than the two above
var ErrUnknownAction = errors.New("unknown live-session action")

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionStartExtraction, ActionSessionEnded:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Outcome reports whether the signal changed the record and the status it
// left behind.
type Outcome struct {
	Applied bool        `json:"applied"`
	Status  scan.Status `json:"status"`
}

const maxSignalAttempts = 3

type Channel struct {
	store store.Store

	mu      sync.Mutex
	waiters map[string]*Waiter
}

func New(st store.Store) *Channel {
	return &Channel{store: st, waiters: make(map[string]*Waiter)}
}

// Waiter receives the signals for one scan. It buffers one action so a
// signal that lands before Wait is called is not lost.
type Waiter struct {
	scanID string
	ch     chan Action
	c      *Channel
}

// Register creates the waiter for a scan. The task must register before it
// flips the record to awaiting_session.
func (c *Channel) Register(scanID string) *Waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.waiters[scanID]; ok {
		return w
	}
	w := &Waiter{scanID: scanID, ch: make(chan Action, 1), c: c}
	c.waiters[scanID] = w
	return w
}

func (w *Waiter) Wait(ctx context.Context) (Action, error) {
	select {
	case a := <-w.ch:
		return a, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *Waiter) Close() {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.c.waiters[w.scanID] == w {
		delete(w.c.waiters, w.scanID)
	}
}

// Wait blocks until a signal for the scan arrives or ctx is done.
func (c *Channel) Wait(ctx context.Context, scanID string) (Action, error) {
	w := c.Register(scanID)
	defer w.Close()
	return w.Wait(ctx)
}

func (c *Channel) notify(scanID string, a Action) {
	c.mu.Lock()
	w, ok := c.waiters[scanID]
	c.mu.Unlock()
	if !ok {
		logrus.Warnf("No task is waiting on scan %s for %s", scanID, a)
		return
	}
	select {
	case w.ch <- a:
	default:
	}
}

// Signal applies an action to a scan owned by ownerID. Scans of other owners
// are reported as not found.
func (c *Channel) Signal(ctx context.Context, scanID, ownerID string, action Action) (Outcome, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return Outcome{}, err
	}

	rec, err := c.store.Get(ctx, scanID)
	if err != nil {
		return Outcome{}, err
	}
	if rec.OwnerID != ownerID {
		return Outcome{}, store.ErrNotFound
	}

	if action == ActionStartExtraction {
		return c.startExtraction(ctx, rec)
	}
	return c.sessionEnded(ctx, rec)
}

func (c *Channel) startExtraction(ctx context.Context, rec *scan.Record) (Outcome, error) {
	if rec.Status() != scan.StatusAwaitingSession {
		return Outcome{Status: rec.Status()}, nil
	}

	updated, err := c.store.Update(ctx, rec.ID, scan.StatusAwaitingSession, (*scan.Record).Resume)
	if actual, ok := store.ActualStatus(err); ok {
		return Outcome{Status: actual}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	logrus.WithField("scan", rec.ID).Info("Live session confirmed, resuming extraction")
	c.notify(rec.ID, ActionStartExtraction)
	return Outcome{Applied: true, Status: updated.Status()}, nil
}

func (c *Channel) sessionEnded(ctx context.Context, rec *scan.Record) (Outcome, error) {
	status := rec.Status()
	for attempt := 0; attempt < maxSignalAttempts; attempt++ {
		if status.IsTerminal() {
			return Outcome{Status: status}, &scan.TransitionError{From: status, To: status, Err: scan.ErrTerminal}
		}

		var (
			updated *scan.Record
			err     error
		)
		if status == scan.StatusAwaitingSession {
			updated, err = c.store.Update(ctx, rec.ID, status, func(r *scan.Record) error {
				return r.Fail(scan.ErrorDetails{Kind: scan.KindAuthAbandoned}, "")
			})
		} else {
			updated, err = c.store.Update(ctx, rec.ID, status, func(r *scan.Record) error {
				return r.SetLiveSession(false)
			})
		}

		if actual, ok := store.ActualStatus(err); ok {
			status = actual
			continue
		}
		if err != nil {
			return Outcome{}, err
		}

		if updated.Status() == scan.StatusFailed {
			logrus.WithField("scan", rec.ID).Info("Live session abandoned while awaiting authentication")
			c.notify(rec.ID, ActionSessionEnded)
		}
		return Outcome{Applied: true, Status: updated.Status()}, nil
	}
	return Outcome{Status: status}, store.ErrConflict
}
