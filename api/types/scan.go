// Package types holds the JSON bodies exchanged between the scan worker and
// its clients.
package types

import "time"

type CreateScanRequest struct {
	TargetHandle string `json:"targetHandle"`
	ScanID       string `json:"scanId,omitempty"`
}

type CreateScanResponse struct {
	ScanID string `json:"scanId"`
}

type Follower struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

type ScanResult struct {
	Followers   []Follower `json:"followers"`
	Truncated   bool       `json:"truncated"`
	ExtractedAt time.Time  `json:"extractedAt"`
}

type ErrorDetails struct {
	Kind     string `json:"kind"`
	ExitCode int    `json:"exitCode,omitempty"`
	Cause    string `json:"cause,omitempty"`
}

// AuthChallenge points at the live view of the sandbox browser.
type AuthChallenge struct {
	URL       string     `json:"url,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ScanView is the read-only projection returned by the polling endpoint.
// Result and FollowerCount are only set on completed scans, Error and
// ErrorDetails only on failed ones.
type ScanView struct {
	ScanID            string         `json:"scanId"`
	TargetHandle      string         `json:"targetHandle"`
	Status            string         `json:"status"`
	Progress          int            `json:"progress"`
	FollowerCount     *int           `json:"followerCount,omitempty"`
	LiveSessionActive bool           `json:"liveSessionActive"`
	RetryCount        int            `json:"retryCount,omitempty"`
	RetryOf           string         `json:"retryOf,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
	Result            *ScanResult    `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	ErrorDetails      *ErrorDetails  `json:"errorDetails,omitempty"`
	AuthChallenge     *AuthChallenge `json:"authChallenge,omitempty"`
}

// Terminal reports whether the scan reached completed or failed.
func (v ScanView) Terminal() bool {
	return v.Status == "completed" || v.Status == "failed"
}

type SignalRequest struct {
	ScanID string `json:"scanId"`
	Action string `json:"action"`
}

type SignalResponse struct {
	Applied bool   `json:"applied"`
	Status  string `json:"status"`
}
