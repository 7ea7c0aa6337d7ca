package store

import (
	"fmt"
	"time"

	"github.com/masa-finance/scan-worker/internal/scan"
)

// document is the flat persisted form of a scan record.
type document struct {
	ScanID            string              `json:"scanId"`
	OwnerID           string              `json:"ownerId"`
	TargetHandle      string              `json:"targetHandle"`
	Status            scan.Status         `json:"status"`
	SandboxID         string              `json:"sandboxId,omitempty"`
	Progress          int                 `json:"progress"`
	FollowerCount     *int                `json:"followerCount,omitempty"`
	Result            *scan.Result        `json:"result,omitempty"`
	Error             string              `json:"error,omitempty"`
	ErrorDetails      *scan.ErrorDetails  `json:"errorDetails,omitempty"`
	AuthChallenge     *scan.AuthChallenge `json:"authChallenge,omitempty"`
	LiveSessionActive bool                `json:"liveSessionActive"`
	RetryCount        int                 `json:"retryCount"`
	RetryOf           string              `json:"retryOf,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
}

func toDocument(r *scan.Record) document {
	d := document{
		ScanID:            r.ID,
		OwnerID:           r.OwnerID,
		TargetHandle:      r.TargetHandle,
		Status:            r.Status(),
		SandboxID:         r.SandboxID(),
		Progress:          r.Progress,
		LiveSessionActive: r.LiveSessionActive,
		RetryCount:        r.RetryCount,
		RetryOf:           r.RetryOf,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}

	switch s := r.State.(type) {
	case scan.AwaitingSession:
		ch := s.Challenge
		d.AuthChallenge = &ch
	case scan.Completed:
		res := s.Result
		count := s.FollowerCount()
		at := s.CompletedAt
		d.Result = &res
		d.FollowerCount = &count
		d.CompletedAt = &at
	case scan.Failed:
		det := s.Details
		at := s.CompletedAt
		d.Error = s.Error
		d.ErrorDetails = &det
		d.CompletedAt = &at
	}
	return d
}

func corrupt(id, format string, args ...any) error {
	return fmt.Errorf("%w %s: %s", ErrCorruptRecord, id, fmt.Sprintf(format, args...))
}

// record rebuilds the tagged union, refusing combinations the state machine
// can never produce.
func (d document) record() (*scan.Record, error) {
	if !d.Status.Valid() {
		return nil, corrupt(d.ScanID, "unknown status %q", d.Status)
	}
	if d.Progress < 0 || d.Progress > 100 {
		return nil, corrupt(d.ScanID, "progress %d out of range", d.Progress)
	}
	if d.Status != scan.StatusCompleted && (d.Result != nil || d.FollowerCount != nil) {
		return nil, corrupt(d.ScanID, "result on %s scan", d.Status)
	}
	if d.Status != scan.StatusFailed && (d.Error != "" || d.ErrorDetails != nil) {
		return nil, corrupt(d.ScanID, "error on %s scan", d.Status)
	}

	r := &scan.Record{
		ID:                d.ScanID,
		OwnerID:           d.OwnerID,
		TargetHandle:      d.TargetHandle,
		Progress:          d.Progress,
		LiveSessionActive: d.LiveSessionActive,
		RetryCount:        d.RetryCount,
		RetryOf:           d.RetryOf,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}

	switch d.Status {
	case scan.StatusPending, scan.StatusDispatching:
		if d.SandboxID != "" {
			return nil, corrupt(d.ScanID, "sandbox id on %s scan", d.Status)
		}
		if d.Status == scan.StatusPending {
			r.State = scan.Pending{}
		} else {
			r.State = scan.Dispatching{}
		}
	case scan.StatusRunning:
		if d.SandboxID == "" {
			return nil, corrupt(d.ScanID, "running scan without sandbox")
		}
		r.State = scan.Running{SandboxID: d.SandboxID}
	case scan.StatusAwaitingSession:
		if d.SandboxID == "" {
			return nil, corrupt(d.ScanID, "awaiting scan without sandbox")
		}
		s := scan.AwaitingSession{SandboxID: d.SandboxID}
		if d.AuthChallenge != nil {
			s.Challenge = *d.AuthChallenge
		}
		r.State = s
	case scan.StatusCompleted:
		if d.Result == nil || d.FollowerCount == nil {
			return nil, corrupt(d.ScanID, "completed scan without result")
		}
		if *d.FollowerCount != len(d.Result.Followers) {
			return nil, corrupt(d.ScanID, "follower count %d does not match result", *d.FollowerCount)
		}
		res := *d.Result
		if res.Followers == nil {
			res.Followers = []scan.Follower{}
		}
		c := scan.Completed{SandboxID: d.SandboxID, Result: res}
		if d.CompletedAt != nil {
			c.CompletedAt = *d.CompletedAt
		}
		r.State = c
	case scan.StatusFailed:
		if d.Error == "" {
			return nil, corrupt(d.ScanID, "failed scan without error")
		}
		f := scan.Failed{SandboxID: d.SandboxID, Error: d.Error}
		if d.ErrorDetails != nil {
			f.Details = *d.ErrorDetails
		}
		if d.CompletedAt != nil {
			f.CompletedAt = *d.CompletedAt
		}
		r.State = f
	}
	return r, nil
}
