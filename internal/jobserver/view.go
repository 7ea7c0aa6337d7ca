package jobserver

import (
	"github.com/masa-finance/scan-worker/api/types"
	"github.com/masa-finance/scan-worker/internal/scan"
)

// NewScanView projects a record. Session material never reaches a record, so
// nothing here needs redacting.
func NewScanView(r *scan.Record) types.ScanView {
	v := types.ScanView{
		ScanID:            r.ID,
		TargetHandle:      r.TargetHandle,
		Status:            string(r.Status()),
		Progress:          r.Progress,
		LiveSessionActive: r.LiveSessionActive,
		RetryCount:        r.RetryCount,
		RetryOf:           r.RetryOf,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}

	switch s := r.State.(type) {
	case scan.AwaitingSession:
		c := &types.AuthChallenge{URL: s.Challenge.URL}
		if !s.Challenge.ExpiresAt.IsZero() {
			at := s.Challenge.ExpiresAt
			c.ExpiresAt = &at
		}
		v.AuthChallenge = c
	case scan.Completed:
		count := s.FollowerCount()
		followers := make([]types.Follower, 0, count)
		for _, f := range s.Result.Followers {
			followers = append(followers, types.Follower(f))
		}
		at := s.CompletedAt
		v.FollowerCount = &count
		v.CompletedAt = &at
		v.Result = &types.ScanResult{
			Followers:   followers,
			Truncated:   s.Result.Truncated,
			ExtractedAt: s.Result.ExtractedAt,
		}
	case scan.Failed:
		at := s.CompletedAt
		v.CompletedAt = &at
		v.Error = s.Error
		v.ErrorDetails = &types.ErrorDetails{
			Kind:     string(s.Details.Kind),
			ExitCode: s.Details.ExitCode,
			Cause:    s.Details.Cause,
		}
	}
	return v
}
