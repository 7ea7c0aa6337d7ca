package scan

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	handleRegexp = regexp.MustCompile(`^[a-z0-9_]{1,15}$`)
	idRegexp     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// ValidateID checks a scan id: 1 to 64 letters, digits, '-' or '_'.
func ValidateID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidScanID, id)
	}
	return nil
}

// NormalizeHandle strips a leading @, lower-cases the handle and validates it.
func NormalizeHandle(handle string) (string, error) {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if !handleRegexp.MatchString(h) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return h, nil
}

// Follower is one extracted account.
type Follower struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// Result is the payload of a completed scan.
type Result struct {
	Followers   []Follower `json:"followers"`
	Truncated   bool       `json:"truncated"`
	ExtractedAt time.Time  `json:"extractedAt"`
}

// AuthChallenge points the user at the sandbox browser that hit a login wall.
// It never contains credentials.
type AuthChallenge struct {
	URL       string    `json:"url,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// State is one variant of the record's tagged union. Each variant carries only
// the fields that are meaningful in that status.
type State interface {
	Status() Status
	isState()
}

type Pending struct{}

type Dispatching struct{}

type Running struct {
	SandboxID string
}

type AwaitingSession struct {
	SandboxID string
	Challenge AuthChallenge
}

type Completed struct {
	SandboxID   string
	Result      Result
	CompletedAt time.Time
}

// Failed may or may not carry a sandbox id: acquisition failures never do.
type Failed struct {
	SandboxID   string
	Error       string
	Details     ErrorDetails
	CompletedAt time.Time
}

func (Pending) Status() Status         { return StatusPending }
func (Dispatching) Status() Status     { return StatusDispatching }
func (Running) Status() Status         { return StatusRunning }
func (AwaitingSession) Status() Status { return StatusAwaitingSession }
func (Completed) Status() Status       { return StatusCompleted }
func (Failed) Status() Status          { return StatusFailed }

func (Pending) isState()         {}
func (Dispatching) isState()     {}
func (Running) isState()         {}
func (AwaitingSession) isState() {}
func (Completed) isState()       {}
func (Failed) isState()          {}

// FollowerCount is the number of followers in the result.
func (c Completed) FollowerCount() int {
	return len(c.Result.Followers)
}

// Record is the durable coordination record of one scan.
type Record struct {
	ID                string
	OwnerID           string
	TargetHandle      string
	Progress          int
	LiveSessionActive bool
	RetryCount        int
	RetryOf           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	State             State
}

// New creates a pending record. The handle is normalized.
func New(id, ownerID, targetHandle string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	handle, err := NormalizeHandle(targetHandle)
	if err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	return &Record{
		ID:           id,
		OwnerID:      ownerID,
		TargetHandle: handle,
		State:        Pending{},
	}, nil
}

// NewRetry creates a pending record that re-dispatches a failed scan. The new
// record never inherits the parent's sandbox.
func NewRetry(id string, parent *Record) (*Record, error) {
	if parent.Status() != StatusFailed {
		return nil, &TransitionError{From: parent.Status(), To: StatusPending, Err: ErrIllegalTransition}
	}
	r, err := New(id, parent.OwnerID, parent.TargetHandle)
	if err != nil {
		return nil, err
	}
	r.RetryCount = parent.RetryCount + 1
	r.RetryOf = parent.ID
	return r, nil
}

func (r *Record) Status() Status {
	if r.State == nil {
		return StatusPending
	}
	return r.State.Status()
}

// SandboxID returns the sandbox recorded for this scan, if any.
func (r *Record) SandboxID() string {
	switch s := r.State.(type) {
	case Running:
		return s.SandboxID
	case AwaitingSession:
		return s.SandboxID
	case Completed:
		return s.SandboxID
	case Failed:
		return s.SandboxID
	}
	return ""
}

// CompletedAt returns the terminal timestamp, zero for active scans.
func (r *Record) CompletedAt() time.Time {
	switch s := r.State.(type) {
	case Completed:
		return s.CompletedAt
	case Failed:
		return s.CompletedAt
	}
	return time.Time{}
}

// Clone returns a deep copy, so stores can hand out records without sharing.
func (r *Record) Clone() *Record {
	c := *r
	if s, ok := r.State.(Completed); ok {
		followers := make([]Follower, len(s.Result.Followers))
		copy(followers, s.Result.Followers)
		s.Result.Followers = followers
		c.State = s
	}
	return &c
}

func (r *Record) transition(next State) error {
	from := r.Status()
	if from.IsTerminal() {
		return &TransitionError{From: from, To: next.Status(), Err: ErrTerminal}
	}
	if !CanTransition(from, next.Status()) {
		return &TransitionError{From: from, To: next.Status(), Err: ErrIllegalTransition}
	}
	r.State = next
	return nil
}

// expect guards edges whose variant needs data from a specific source state.
func (r *Record) expect(from, to Status) error {
	cur := r.Status()
	if cur.IsTerminal() {
		return &TransitionError{From: cur, To: to, Err: ErrTerminal}
	}
	if cur != from {
		return &TransitionError{From: cur, To: to, Err: ErrIllegalTransition}
	}
	return nil
}

// Dispatch moves a pending scan to dispatching.
func (r *Record) Dispatch() error {
	return r.transition(Dispatching{})
}

// Start records the acquired sandbox and moves the scan to running.
func (r *Record) Start(sandboxID string) error {
	if sandboxID == "" {
		return &TransitionError{From: r.Status(), To: StatusRunning, Err: ErrMissingSandbox}
	}
	if err := r.expect(StatusDispatching, StatusRunning); err != nil {
		return err
	}
	return r.transition(Running{SandboxID: sandboxID})
}

// AwaitSession suspends a running scan until the user authenticates.
// Progress is kept.
func (r *Record) AwaitSession(challenge AuthChallenge) error {
	if err := r.expect(StatusRunning, StatusAwaitingSession); err != nil {
		return err
	}
	return r.transition(AwaitingSession{SandboxID: r.SandboxID(), Challenge: challenge})
}

// Resume moves an awaiting scan back to running on the same sandbox.
func (r *Record) Resume() error {
	if err := r.expect(StatusAwaitingSession, StatusRunning); err != nil {
		return err
	}
	if err := r.transition(Running{SandboxID: r.SandboxID()}); err != nil {
		return err
	}
	r.LiveSessionActive = true
	return nil
}

// Complete stores the result together with the status flip.
func (r *Record) Complete(result Result) error {
	if err := r.expect(StatusRunning, StatusCompleted); err != nil {
		return err
	}
	if result.Followers == nil {
		result.Followers = []Follower{}
	}
	if err := r.transition(Completed{SandboxID: r.SandboxID(), Result: result}); err != nil {
		return err
	}
	r.Progress = 100
	r.LiveSessionActive = false
	return nil
}

// Fail terminates the scan. An empty message falls back to the kind's default.
func (r *Record) Fail(details ErrorDetails, message string) error {
	if details.Kind == "" {
		details.Kind = KindInternal
	}
	if message == "" {
		message = details.Kind.Message()
	}
	if err := r.transition(Failed{SandboxID: r.SandboxID(), Error: message, Details: details}); err != nil {
		return err
	}
	r.LiveSessionActive = false
	return nil
}

// SetProgress raises the progress. Lower values are ignored and 100 is kept
// for completed scans, so the result is whether anything changed.
func (r *Record) SetProgress(p int) (bool, error) {
	if p < 0 || p > 100 {
		return false, ErrInvalidProgress
	}
	if r.Status().IsTerminal() {
		return false, ErrTerminal
	}
	if p > 99 {
		p = 99
	}
	if p <= r.Progress {
		return false, nil
	}
	r.Progress = p
	return true, nil
}

// SetLiveSession flips the live-session flag of an active scan.
func (r *Record) SetLiveSession(active bool) error {
	if r.Status().IsTerminal() {
		return ErrTerminal
	}
	r.LiveSessionActive = active
	return nil
}

// Touch stamps the server time of a write. The first write that reaches a
// terminal state also fixes its completion time.
func (r *Record) Touch(now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	switch s := r.State.(type) {
	case Completed:
		if s.CompletedAt.IsZero() {
			s.CompletedAt = now
			if s.Result.ExtractedAt.IsZero() {
				s.Result.ExtractedAt = now
			}
			r.State = s
		}
	case Failed:
		if s.CompletedAt.IsZero() {
			s.CompletedAt = now
			r.State = s
		}
	}
}
